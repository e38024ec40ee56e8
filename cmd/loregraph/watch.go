package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/progress"
	"github.com/loregraph/loregraph/internal/svcctx"
)

var watchTask int64

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream task progress events",
	Long: `Subscribe to the progress channel and print one line per accepted
event. Duplicate and out-of-order events are suppressed. Runs until
interrupted.

Examples:
  loregraph watch             # All tasks
  loregraph watch --task 12   # One task`,
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, _ *svcctx.Services) error {
		sub := progress.NewSubscriber(svcctx.KVFrom(cmd.Context()), svcctx.LoggerFrom(cmd.Context()))
		return sub.Run(cmd.Context(), progress.HandlerFunc(func(_ context.Context, e progress.Event) error {
			if watchTask != 0 && e.TaskID != watchTask {
				return nil
			}
			fmt.Printf("task %d  %-10s %5.1f%%  %d/%d done, %d failed\n",
				e.TaskID, e.Status, e.Progress, e.Completed, e.Total, e.Failed)
			return nil
		}))
	}),
}

func init() {
	watchCmd.Flags().Int64Var(&watchTask, "task", 0, "only show events for this task id")

	rootCmd.AddCommand(watchCmd)
}
