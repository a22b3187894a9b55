package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var (
		fix     bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "doctor [--fix] [--json]",
		Short: "run health checks over the coordination store",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectKey, dbPath, err := projectAndDB(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := doctor.New(store).Run(cmd.Context(), projectKey, doctor.Options{Fix: fix})
			if err != nil {
				return err
			}

			if asJSON {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				fmt.Print(doctor.FormatReport(report))
			}

			if !report.AllPassed() {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "repair fixable findings")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	return cmd
}
