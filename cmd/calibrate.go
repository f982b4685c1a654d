package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Calibration engine commands",
	Long:  "Sample collection, weight optimization, A/B experiments, and drift checks.",
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
