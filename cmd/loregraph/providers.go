package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loregraph/loregraph/internal/svcctx"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage LLM provider configuration",
}

var providersListAll bool

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers",
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		list, err := s.Store.ListProviders(cmd.Context(), !providersListAll)
		if err != nil {
			return err
		}
		for _, p := range list {
			state := "active"
			if !p.IsActive {
				state = "inactive"
			}
			suspended, err := s.Throttle.IsSuspended(cmd.Context(), p.Name)
			if err == nil && suspended {
				ttl, _ := s.Throttle.SuspendedFor(cmd.Context(), p.Name)
				state = fmt.Sprintf("suspended (%s left)", ttl.Round(time.Second))
			}
			fmt.Printf("%-12s %-22s interval=%.1fs  models=[%s]\n",
				p.Name, state, p.RateLimitInterval, strings.Join(p.Models, ", "))
		}
		if len(list) == 0 {
			fmt.Println("no providers configured")
		}
		return nil
	}),
}

var providersSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reload providers from the store and publish the snapshot",
	Long: `Reload provider definitions from the relational store into this
process's registry and publish them to the KV snapshot, bumping the
version so running nodes pick up the change on their next guard cycle.`,
	RunE: withServices(bootOptions{}, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		if err := s.Registry.LoadFromStore(cmd.Context(), s.Store); err != nil {
			return err
		}
		if err := s.Registry.PublishSnapshot(cmd.Context()); err != nil {
			return err
		}
		names := s.Registry.ActiveNames()
		fmt.Printf("published %d active providers: %s\n", len(names), strings.Join(names, ", "))
		return nil
	}),
}

func init() {
	providersListCmd.Flags().BoolVar(&providersListAll, "all", false, "include inactive providers")

	providersCmd.AddCommand(providersListCmd, providersSyncCmd)
	rootCmd.AddCommand(providersCmd)
}
