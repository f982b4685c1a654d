package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/avgjoe1017/findable/internal/calibration"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Weight configuration management",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List weight configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		configs, err := store.ListConfigs(ctx, "", 100)
		if err != nil {
			return err
		}
		return printJSON(configs)
	},
}

var configsActivateCmd = &cobra.Command{
	Use:   "activate <config-id>",
	Short: "Activate a config, archiving the current active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		if err := store.ActivateConfig(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("config %s activated\n", args[0])
		return nil
	},
}

var configsWeightsCmd = &cobra.Command{
	Use:   "weights <site-id>",
	Short: "Resolve the effective weights for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		ttl := time.Duration(cfg.Weights.CacheTTLSecs) * time.Second
		resolved, err := calibration.NewResolver(store, ttl).WeightsForSite(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(resolved)
	},
}

func init() {
	configsCmd.AddCommand(configsListCmd, configsActivateCmd, configsWeightsCmd)
	calibrateCmd.AddCommand(configsCmd)
}
