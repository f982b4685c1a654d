package main

import (
	"github.com/spf13/cobra"

	"github.com/avgjoe1017/findable/internal/calibration"
)

var (
	optimizeWindowDays int
	optimizeMinSamples int
	optimizeName       string
	optimizeNoFine     bool
)

var calibrateOptimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run constrained grid search over pillar weights",
	Long:  "Searches bounded weight vectors summing to 100 for the best bias-adjusted accuracy on recent samples, validates on a site-disjoint holdout, and persists the winner as a validated config.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		params := calibration.OptimizeParams{
			WindowDays:        cfg.Optimizer.WindowDays,
			MinSamples:        cfg.Optimizer.MinSamples,
			HoldoutFraction:   cfg.Optimizer.HoldoutFraction,
			MinImprovement:    cfg.Optimizer.MinImprovement,
			GridStep:          cfg.Optimizer.GridStep,
			MaxWeightDistance: cfg.Optimizer.MaxWeightDistance,
			MaxEvaluations:    cfg.Optimizer.MaxEvaluations,
			FinePhase:         cfg.Optimizer.FinePhase && !optimizeNoFine,
			BiasPenalty:       cfg.Optimizer.BiasPenalty,
			ConfigName:        cfg.Optimizer.ConfigName,
		}
		if optimizeWindowDays > 0 {
			params.WindowDays = optimizeWindowDays
		}
		if optimizeMinSamples > 0 {
			params.MinSamples = optimizeMinSamples
		}
		if optimizeName != "" {
			params.ConfigName = optimizeName
		}

		result, err := calibration.NewOptimizer(store).Optimize(ctx, params)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	calibrateOptimizeCmd.Flags().IntVar(&optimizeWindowDays, "window-days", 0, "sample window in days (default from config)")
	calibrateOptimizeCmd.Flags().IntVar(&optimizeMinSamples, "min-samples", 0, "minimum sample count (default from config)")
	calibrateOptimizeCmd.Flags().StringVar(&optimizeName, "name", "", "candidate config name (default from config)")
	calibrateOptimizeCmd.Flags().BoolVar(&optimizeNoFine, "no-fine", false, "skip the fine refinement phase")
	calibrateCmd.AddCommand(calibrateOptimizeCmd)
}
