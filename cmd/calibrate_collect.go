package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/avgjoe1017/findable/internal/calibration"
	"github.com/avgjoe1017/findable/internal/model"
)

var (
	collectSimPath string
	collectObsPath string
)

var calibrateCollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect calibration samples from a finished run",
	Long:  "Reads a simulation result and an observation result (JSON files), reconciles them per question, and inserts calibration samples.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var sim model.SimulationResult
		if err := readJSONFile(collectSimPath, &sim); err != nil {
			return err
		}
		var obs model.ObservationResult
		if err := readJSONFile(collectObsPath, &obs); err != nil {
			return err
		}

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck

		result, err := calibration.NewCollector(store).Collect(ctx, &sim, &obs)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func readJSONFile(path string, v any) error {
	if path == "" {
		return eris.New("file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

func init() {
	calibrateCollectCmd.Flags().StringVar(&collectSimPath, "simulation", "", "path to simulation result JSON (required)")
	calibrateCollectCmd.Flags().StringVar(&collectObsPath, "observation", "", "path to observation result JSON (required)")
	calibrateCollectCmd.MarkFlagRequired("simulation")  //nolint:errcheck
	calibrateCollectCmd.MarkFlagRequired("observation") //nolint:errcheck
	calibrateCmd.AddCommand(calibrateCollectCmd)
}
