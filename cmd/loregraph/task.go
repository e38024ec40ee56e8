package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/store"
	"github.com/loregraph/loregraph/internal/svcctx"
	"github.com/loregraph/loregraph/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage extraction tasks",
}

var (
	createName      string
	createNovel     int64
	createChapters  string
	createUseAI     bool
	createAutoRetry bool
	createRetryMins int
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an extraction task for a novel",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		chapterIDs, err := parseIDList(createChapters)
		if err != nil {
			return err
		}
		t, err := s.Tasks.Create(cmd.Context(), tasks.CreateParams{
			Name:                 createName,
			NovelID:              createNovel,
			ChapterIDs:           chapterIDs,
			UseAI:                createUseAI,
			AutoRetry:            createAutoRetry,
			RetryIntervalMinutes: createRetryMins,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created task %d (%s): %d chapters, ai=%v\n",
			t.ID, t.TaskName, t.TotalChapters, t.UseAI)
		return nil
	}),
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Queue a task for processing",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		provider, err := s.Tasks.Dispatch(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("task %d queued on %s\n", id, provider)
		return nil
	}),
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a running task",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.Pause(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("task %d paused\n", id)
		return nil
	}),
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a paused task and queue it again",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.Resume(cmd.Context(), id); err != nil {
			return err
		}
		provider, err := s.Tasks.Dispatch(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("task %d resumed on %s\n", id, provider)
		return nil
	}),
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.Cancel(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("task %d cancelled\n", id)
		return nil
	}),
}

var taskRestartCmd = &cobra.Command{
	Use:   "restart <task-id>",
	Short: "Wipe a task's graph output and run it from scratch",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{withGraph: true}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.Restart(cmd.Context(), id); err != nil {
			return err
		}
		provider, err := s.Tasks.Dispatch(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("task %d restarted on %s\n", id, provider)
		return nil
	}),
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Return a failed task's failed chapters to pending and queue it",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.RetryFailedChapters(cmd.Context(), id); err != nil {
			return err
		}
		provider, err := s.Tasks.Dispatch(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Printf("task %d retrying on %s\n", id, provider)
		return nil
	}),
}

var (
	autoRetryEnable bool
	autoRetryMins   int
)

var taskAutoRetryCmd = &cobra.Command{
	Use:   "auto-retry <task-id>",
	Short: "Toggle automatic retry of a task after failure",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.ToggleAutoRetry(cmd.Context(), id, autoRetryEnable, autoRetryMins); err != nil {
			return err
		}
		fmt.Printf("task %d auto-retry: enabled=%v interval=%dm\n", id, autoRetryEnable, autoRetryMins)
		return nil
	}),
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's state and progress",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		t, err := s.Tasks.Get(cmd.Context(), id)
		if err != nil {
			return err
		}
		printTask(t)
		if t.ErrorMessage.Valid && t.ErrorMessage.String != "" {
			fmt.Printf("  error: %s\n", t.ErrorMessage.String)
		}
		if t.AutoRetryEnabled {
			fmt.Printf("  auto-retry: every %dm, %d attempts so far\n",
				t.RetryIntervalMinutes, t.RetryCount)
		}
		return nil
	}),
}

var (
	listNovel  int64
	listStatus string
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		list, err := s.Tasks.List(cmd.Context(), store.TaskFilter{
			NovelID: listNovel,
			Status:  store.TaskStatus(listStatus),
		})
		if err != nil {
			return err
		}
		for i := range list {
			printTask(&list[i])
		}
		if len(list) == 0 {
			fmt.Println("no tasks")
		}
		return nil
	}),
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and remove its graph output",
	Args:  cobra.ExactArgs(1),
	RunE: withTaskID(bootOptions{withGraph: true}, func(cmd *cobra.Command, id int64, s *svcctx.Services) error {
		if err := s.Tasks.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("task %d deleted\n", id)
		return nil
	}),
}

func printTask(t *store.Task) {
	fmt.Printf("%d  %-10s %5.1f%%  %d/%d done, %d failed, %d skipped  %s (novel %d)\n",
		t.ID, t.Status, t.Progress(), t.CompletedChapters, t.TotalChapters,
		t.FailedChapters, t.SkippedChapters, t.TaskName, t.NovelID)
}

// withServices wraps a RunE with service construction and teardown. The
// services also ride the command context so helpers below the RunE can
// pull what they need without threading the struct through every call.
func withServices(opts bootOptions, fn func(*cobra.Command, []string, *svcctx.Services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		services, _, cleanup, err := buildServices(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer cleanup()
		cmd.SetContext(svcctx.WithServices(cmd.Context(), services))
		return fn(cmd, args, svcctx.ServicesFrom(cmd.Context()))
	}
}

// withTaskID additionally parses the single task-id argument.
func withTaskID(opts bootOptions, fn func(*cobra.Command, int64, *svcctx.Services) error) func(*cobra.Command, []string) error {
	return withServices(opts, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		return fn(cmd, id, s)
	})
}

func parseIDList(csv string) ([]int64, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chapter id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func init() {
	taskCreateCmd.Flags().StringVar(&createName, "name", "", "task name (default derives from the novel title)")
	taskCreateCmd.Flags().Int64Var(&createNovel, "novel", 0, "novel id")
	taskCreateCmd.Flags().StringVar(&createChapters, "chapters", "", "comma-separated chapter ids (default: all)")
	taskCreateCmd.Flags().BoolVar(&createUseAI, "ai", false, "extract with LLM providers instead of rules")
	taskCreateCmd.Flags().BoolVar(&createAutoRetry, "auto-retry", false, "retry automatically after failure")
	taskCreateCmd.Flags().IntVar(&createRetryMins, "retry-interval", tasks.DefaultRetryMinutes, "minutes between automatic retries")
	_ = taskCreateCmd.MarkFlagRequired("novel")

	taskAutoRetryCmd.Flags().BoolVar(&autoRetryEnable, "enable", true, "enable automatic retries")
	taskAutoRetryCmd.Flags().IntVar(&autoRetryMins, "interval", tasks.DefaultRetryMinutes, "minutes between automatic retries")

	taskListCmd.Flags().Int64Var(&listNovel, "novel", 0, "filter by novel id")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskPauseCmd, taskResumeCmd,
		taskCancelCmd, taskRestartCmd, taskRetryCmd, taskAutoRetryCmd,
		taskStatusCmd, taskListCmd, taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}
