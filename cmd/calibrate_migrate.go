package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var calibrateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply calibration schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		if err := store.Migrate(ctx); err != nil {
			return err
		}

		zap.L().Info("calibration schema migrated")
		return nil
	},
}

func init() {
	calibrateCmd.AddCommand(calibrateMigrateCmd)
}
