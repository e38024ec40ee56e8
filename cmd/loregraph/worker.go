package main

import (
	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/extract"
	"github.com/loregraph/loregraph/internal/svcctx"
	"github.com/loregraph/loregraph/internal/worker"
)

var (
	workerProvider string
	workerNode     string
)

// workerCmd is the entrypoint the pool re-executes; it is hidden because
// operators run `serve`, not individual workers.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single provider-bound worker process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		services, _, cleanup, err := buildServices(cmd.Context(), bootOptions{withGraph: true})
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := svcctx.WithServices(cmd.Context(), services)
		cmd.SetContext(ctx)
		cfg := svcctx.ConfigFrom(ctx)
		logger := svcctx.LoggerFrom(ctx)

		extractor := extract.NewExtractor(svcctx.RegistryFrom(ctx), svcctx.ThrottleFrom(ctx), logger)
		if cfg.Extraction.LLMTimeout > 0 {
			extractor.LLMTimeout = cfg.Extraction.LLMTimeout
		}
		if cfg.Extraction.MaxTokens > 0 {
			extractor.MaxTokens = cfg.Extraction.MaxTokens
		}
		if cfg.Extraction.Temperature > 0 {
			extractor.Temperature = cfg.Extraction.Temperature
		}

		runner := extract.NewRunner(svcctx.TasksFrom(ctx), svcctx.StoreFrom(ctx),
			svcctx.GraphFrom(ctx), extractor, svcctx.ThrottleFrom(ctx), logger)

		node := workerNode
		if node == "" {
			node = cfg.NodeName()
		}
		w := worker.New(worker.Config{
			Provider:   workerProvider,
			NodeName:   node,
			PopTimeout: cfg.Worker.PopTimeout,
		}, svcctx.QueuesFrom(ctx), svcctx.ThrottleFrom(ctx), runner, svcctx.PresenceFrom(ctx), logger)
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerProvider, "provider", "", "provider this worker serves")
	workerCmd.Flags().StringVar(&workerNode, "node", "", "name of the node that spawned this worker")
	_ = workerCmd.MarkFlagRequired("provider")

	rootCmd.AddCommand(workerCmd)
}
