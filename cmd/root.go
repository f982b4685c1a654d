package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avgjoe1017/findable/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "findable",
	Short: "AI sourceability scoring calibration engine",
	Long:  "Collects prediction-vs-observation calibration samples, optimizes pillar weights by constrained grid search, runs A/B experiments between weight configurations, and detects calibration drift.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
