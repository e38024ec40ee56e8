package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "loregraph",
	Short: "Knowledge-graph extraction pipeline for serialized fiction",
	Long: `Loregraph extracts characters, locations, organizations and events
from novel chapters and assembles them into a queryable knowledge graph.

A node runs three cooperating loops:
  - the scheduler promotes queued tasks into per-provider active batches
  - worker processes pop task references and extract chapter by chapter
  - the guard heals the system: respawning workers, settling tasks whose
    worker died and firing due auto-retries

Extraction runs either through configured LLM providers or through the
deterministic rules engine.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.loregraph/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
}
