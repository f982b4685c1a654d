package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/avgjoe1017/findable/internal/calibration"
	"github.com/avgjoe1017/findable/internal/model"
)

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "A/B experiment lifecycle",
}

func newExperimentManager(store calibration.Store) *calibration.ExperimentManager {
	return calibration.NewExperimentManager(store,
		cfg.Experiment.MinAnalyzeSamples, cfg.Experiment.SignificanceLevel, nil)
}

var (
	expName       string
	expControl    string
	expTreatment  string
	expAllocation float64
	expMinPerArm  int
)

var experimentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft experiment between two configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		minPerArm := expMinPerArm
		if minPerArm <= 0 {
			minPerArm = cfg.Experiment.MinSamplesPerArm
		}
		exp := &model.CalibrationExperiment{
			Name:                expName,
			ControlConfigID:     expControl,
			TreatmentConfigID:   expTreatment,
			TreatmentAllocation: expAllocation,
			MinSamplesPerArm:    minPerArm,
		}
		if err := newExperimentManager(store).Create(ctx, exp); err != nil {
			return err
		}
		return printJSON(exp)
	},
}

var experimentStartCmd = &cobra.Command{
	Use:   "start <experiment-id>",
	Short: "Start a draft experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		if err := newExperimentManager(store).Start(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("experiment %s started\n", args[0])
		return nil
	},
}

var experimentStatusCmd = &cobra.Command{
	Use:   "status <experiment-id>",
	Short: "Analyze a running experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		m := newExperimentManager(store)

		exp, err := store.GetExperiment(ctx, args[0])
		if err != nil {
			return err
		}
		if exp != nil && exp.Status == model.ExperimentStatusRunning {
			if err := m.RefreshCounts(ctx, exp); err != nil {
				return err
			}
		}

		analysis, err := m.Analyze(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(analysis)
	},
}

var experimentAssignCmd = &cobra.Command{
	Use:   "assign <experiment-id> <site-id>",
	Short: "Show which arm a site is assigned to",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		assignment, err := newExperimentManager(store).Assignment(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(assignment)
	},
}

var expPromote bool

var experimentConcludeCmd = &cobra.Command{
	Use:   "conclude <experiment-id>",
	Short: "Conclude a running experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		analysis, err := newExperimentManager(store).Conclude(ctx, args[0], expPromote)
		if err != nil {
			return err
		}
		return printJSON(analysis)
	},
}

var experimentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		experiments, err := store.ListExperiments(ctx, "", 100)
		if err != nil {
			return err
		}
		return printJSON(experiments)
	},
}

func init() {
	experimentCreateCmd.Flags().StringVar(&expName, "name", "", "experiment name (required)")
	experimentCreateCmd.Flags().StringVar(&expControl, "control", "", "control config id (required)")
	experimentCreateCmd.Flags().StringVar(&expTreatment, "treatment", "", "treatment config id (required)")
	experimentCreateCmd.Flags().Float64Var(&expAllocation, "allocation", 0.5, "treatment allocation fraction")
	experimentCreateCmd.Flags().IntVar(&expMinPerArm, "min-per-arm", 0, "minimum samples per arm (default from config)")
	experimentCreateCmd.MarkFlagRequired("name")      //nolint:errcheck
	experimentCreateCmd.MarkFlagRequired("control")   //nolint:errcheck
	experimentCreateCmd.MarkFlagRequired("treatment") //nolint:errcheck

	experimentConcludeCmd.Flags().BoolVar(&expPromote, "promote", false, "activate the winning config on conclusion")

	experimentCmd.AddCommand(experimentCreateCmd, experimentStartCmd, experimentStatusCmd,
		experimentAssignCmd, experimentConcludeCmd, experimentListCmd)
	calibrateCmd.AddCommand(experimentCmd)
}
