package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/avgjoe1017/findable/internal/calibration"
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Calibration drift checks",
}

func driftParams() calibration.DriftParams {
	return calibration.DriftParams{
		BaselineDays:      cfg.Drift.BaselineDays,
		RecentDays:        cfg.Drift.RecentDays,
		AccuracyThreshold: cfg.Drift.AccuracyThreshold,
		BiasThreshold:     cfg.Drift.BiasThreshold,
		PillarThreshold:   cfg.Drift.PillarThreshold,
		MinSamples:        cfg.Drift.MinSamples,
	}
}

var driftCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one drift check against the baseline window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		detector := calibration.NewDriftDetector(store, calibration.NewNotifier(cfg.Drift.WebhookURL))
		report, err := detector.Check(ctx, driftParams())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var driftWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run drift checks on an interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		detector := calibration.NewDriftDetector(store, calibration.NewNotifier(cfg.Drift.WebhookURL))
		interval := time.Duration(cfg.Drift.CheckIntervalSecs) * time.Second
		if err := detector.Watch(ctx, driftParams(), interval); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var driftAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List open drift alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		alerts, err := store.ListAlerts(ctx, "", 100)
		if err != nil {
			return err
		}
		return printJSON(alerts)
	},
}

func init() {
	driftCmd.AddCommand(driftCheckCmd, driftWatchCmd, driftAlertsCmd)
	calibrateCmd.AddCommand(driftCmd)
}
