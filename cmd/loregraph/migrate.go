package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/config"
	"github.com/loregraph/loregraph/internal/svcctx"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		if err := s.Store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		if err := s.Store.MigrateDown(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		return s.Store.MigrationStatus(cmd.Context())
	}),
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if cfgFile != "" {
			path = cfgFile
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(initConfigCmd)
}
