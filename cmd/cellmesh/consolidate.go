package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/internal/consolidate"
)

func newConsolidateCmd() *cobra.Command {
	var (
		yes        bool
		skipBackup bool
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "find stray project-local databases and merge them into the global store",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectKey, dbPath, err := projectAndDB(cmd)
			if err != nil {
				return err
			}

			opts := consolidate.Options{
				Yes:        yes,
				SkipBackup: skipBackup,
			}
			if !yes {
				opts.Interactive = true
				reader := bufio.NewReader(os.Stdin)
				opts.Prompt = func(a *consolidate.Analysis) bool {
					fmt.Printf("migrate %s (%d unique rows)? [y/N] ", a.Path, a.UniqueRows)
					line, _ := reader.ReadString('\n')
					return strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
				}
			}

			report, err := consolidate.ConsolidateDatabases(cmd.Context(), projectKey, dbPath, opts)
			if err != nil {
				return err
			}

			fmt.Printf("detected %d stray databases\n", len(report.Detected))
			for _, mlog := range report.Migrated {
				total := 0
				for _, n := range mlog.Copied {
					total += n
				}
				fmt.Printf("  migrated %s (%d rows copied)\n", mlog.Stray, total)
			}
			for _, skipped := range report.Skipped {
				fmt.Printf("  skipped %s\n", skipped)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "migrate all strays without prompting")
	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "do not back up strays before migrating")
	return cmd
}
