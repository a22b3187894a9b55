// cellmesh is the operator CLI: doctor, export/import, the git merge
// driver, and stray-database consolidation. Agent tooling talks to the
// daemon through internal/client instead.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "cellmesh",
		Short:         "agent-fleet coordination store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("project", "", "project root (defaults to the main git repository root, else the working directory)")
	root.PersistentFlags().String("db", "", "database path override")

	root.AddCommand(
		newDoctorCmd(),
		newExportCmd(),
		newImportCmd(),
		newMergeDriverCmd(),
		newConsolidateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
