package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbist/conductor/internal/doctor"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage, agents, and provider keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "doctor")
		defer span.End()

		report := doctor.Run(ctx)

		if doctorJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			for _, c := range report.Checks {
				marker := map[string]string{"pass": "ok  ", "warn": "warn", "fail": "FAIL"}[c.Status]
				fmt.Printf("[%s] %-12s %s\n", marker, c.Name, c.Message)
				if c.Fix != "" && c.Status != "pass" {
					fmt.Printf("       fix: %s\n", c.Fix)
				}
			}
			fmt.Printf("\n%d pass, %d warn, %d fail\n", report.Summary.Pass, report.Summary.Warn, report.Summary.Fail)
		}

		if report.Status == "fail" {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output the report as JSON")
	rootCmd.AddCommand(doctorCmd)
}
