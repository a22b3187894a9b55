package main

import (
	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/internal/merge"
)

// newMergeDriverCmd wires the three-way merge as a Git merge driver:
//
//	[merge "cellmesh"]
//	    driver = cellmesh merge-driver %O %A %B
//
// Git hands over base (%O), ours (%A), theirs (%B); the result is
// written back over %A. The merge is fully deterministic and never
// leaves conflict markers.
func newMergeDriverCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "merge-driver <base> <ours> <theirs>",
		Short: "three-way JSONL merge for use as a git merge driver",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, ours, theirs := args[0], args[1], args[2]
			return merge.Merge3Way(ours, base, ours, theirs, debug)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "log per-record merge decisions to stderr")
	return cmd
}
