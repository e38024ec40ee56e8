package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/config"
	"github.com/loregraph/loregraph/internal/metrics"
	"github.com/loregraph/loregraph/internal/scheduler"
	"github.com/loregraph/loregraph/internal/svcctx"
	"github.com/loregraph/loregraph/internal/worker"
)

var serveRecover bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a loregraph node",
	Long: `Run a loregraph node: the scheduler, the guard loop, the metrics
listener and a pool of provider-bound worker processes.

Multiple nodes may run against the same backends; cluster-wide steps
(batch promotion, zombie settlement) coordinate through distributed
locks. Use --recover on a single-node deployment to return tasks left
running by a hard stop.

Examples:
  loregraph serve                 # Run with ./config.yaml
  loregraph serve --recover       # Recover interrupted tasks first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		services, manager, cleanup, err := buildServices(ctx, bootOptions{withGraph: true})
		if err != nil {
			return err
		}
		defer cleanup()
		cfg := services.Config
		logger := services.Logger

		if _, err := services.Store.EnsureDefaultConfig(ctx); err != nil {
			return err
		}
		if err := services.Registry.PublishSnapshot(ctx); err != nil {
			logger.Warn("provider snapshot publish failed", "error", err)
		}

		if serveRecover {
			n, err := services.Tasks.RecoverInterrupted(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("recovered interrupted tasks", "count", n)
			}
		}

		manager.OnChange(func(c *config.Config) {
			logger.Info("configuration reloaded")
		})
		manager.WatchConfig()

		nodeName := cfg.NodeName()
		sched := scheduler.New(services.Queues, services.KV, scheduler.Config{
			Interval: cfg.Scheduler.Interval,
			WithLock: cfg.Scheduler.WithLock,
		}, logger)
		pool := worker.NewPool(worker.PoolConfig{
			NodeName:                nodeName,
			ConfigFile:              cfgFile,
			WorkersPerProvider:      cfg.Worker.WorkersPerProvider,
			MaxTotalProcesses:       cfg.Worker.MaxTotalProcesses,
			MaxProcessesPerProvider: cfg.Worker.MaxProcessesPerProvider,
		}, logger)
		guard := worker.NewGuard(worker.GuardConfig{
			NodeName:  nodeName,
			Interval:  cfg.Worker.GuardInterval,
			Providers: cfg.Worker.Providers,
		}, services.KV, services.Presence, pool, services.Queues,
			services.Tasks, services.Registry, services.Store, logger)
		services.Scheduler = sched
		services.Pool = pool
		ctx = svcctx.WithServices(ctx, services)
		cmd.SetContext(ctx)

		logger.Info("node starting", "node", nodeName)

		errc := make(chan error, 3)
		go func() { errc <- sched.Run(ctx) }()
		go func() { errc <- guard.Run(ctx) }()
		if cfg.Metrics.Enabled {
			go func() { errc <- metrics.Serve(ctx, cfg.Metrics.Addr, services.Store.Healthy, logger) }()
		}

		err = <-errc
		logger.Info("node stopping", "node", nodeName)

		pool.StopAll(cfg.Worker.StopTimeout)
		dctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if rmErr := services.Presence.RemoveNode(dctx, nodeName); rmErr != nil {
			logger.Warn("node hash removal failed", "error", rmErr)
		}
		if ctx.Err() != nil {
			return nil // clean signal-driven shutdown
		}
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveRecover, "recover", false,
		"return tasks left running by a hard stop to the queue (single-node only)")

	rootCmd.AddCommand(serveCmd)
}
