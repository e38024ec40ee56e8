package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/queue"
	"github.com/loregraph/loregraph/internal/svcctx"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair provider queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backlog and active batch depth per provider",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		ctx := cmd.Context()
		names, err := s.Queues.QueuedProviders(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("all queues empty")
			return nil
		}
		for _, provider := range names {
			snap, err := s.Queues.Snapshot(ctx, provider)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s main=%-4d active=%-4d", provider, snap.MainLen, snap.ActiveLen)
			if at, ok := snap.BatchMeta["loaded_at"]; ok {
				fmt.Printf("  batch loaded %s", at)
			}
			fmt.Println()
		}
		return nil
	}),
}

var (
	purgeMainOnly   bool
	purgeActiveOnly bool
)

var queuePurgeCmd = &cobra.Command{
	Use:   "purge <provider>",
	Short: "Drop a provider's queued task references",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		ctx := cmd.Context()
		provider := args[0]
		var (
			n   int64
			err error
		)
		switch {
		case purgeMainOnly:
			n, err = s.Queues.PurgeMain(ctx, provider)
		case purgeActiveOnly:
			n, err = s.Queues.PurgeActive(ctx, provider)
		default:
			n, err = s.Queues.Purge(ctx, provider)
		}
		if err != nil {
			return err
		}
		fmt.Printf("purged %d entries from %s\n", n, provider)
		return nil
	}),
}

var (
	rebalanceTargets  string
	rebalanceStrategy string
)

var queueRebalanceCmd = &cobra.Command{
	Use:   "rebalance <source-provider>",
	Short: "Move a provider's queued work to other providers",
	Args:  cobra.ExactArgs(1),
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		targets := splitCSV(rebalanceTargets)
		if len(targets) == 0 {
			targets = s.Registry.ActiveAINames()
		}
		res, err := s.Queues.Rebalance(cmd.Context(), args[0], targets, rebalanceStrategy)
		if err != nil {
			return err
		}
		fmt.Printf("moved %d entries (%d dropped, %d left on source)\n",
			res.Moved, res.Dropped, res.SourceLeft)
		for target, n := range res.Targets {
			fmt.Printf("  %s: %d\n", target, n)
		}
		return nil
	}),
}

func splitCSV(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	queuePurgeCmd.Flags().BoolVar(&purgeMainOnly, "main", false, "purge only the backlog")
	queuePurgeCmd.Flags().BoolVar(&purgeActiveOnly, "active", false, "purge only the active batch")
	queuePurgeCmd.MarkFlagsMutuallyExclusive("main", "active")

	queueRebalanceCmd.Flags().StringVar(&rebalanceTargets, "targets", "",
		"comma-separated target providers (default: all active AI providers)")
	queueRebalanceCmd.Flags().StringVar(&rebalanceStrategy, "strategy", queue.StrategyShortest,
		"distribution strategy: shortest or round_robin")

	queueCmd.AddCommand(queueStatsCmd, queuePurgeCmd, queueRebalanceCmd)
	rootCmd.AddCommand(queueCmd)
}
