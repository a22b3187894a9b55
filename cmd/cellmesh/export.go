package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/export"
	"github.com/cellmesh/cellmesh/internal/jsonl"
)

func newExportCmd() *cobra.Command {
	var (
		out  string
		full bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "export cells to JSONL",
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

			svc := export.New(store, cellstore.New(store))
			var n int
			if full {
				n, err = svc.ExportAll(cmd.Context(), projectKey, out)
			} else {
				n, err = svc.ExportIncremental(cmd.Context(), projectKey, out)
			}
			if err != nil {
				return err
			}
			fmt.Printf("exported %d cells to %s\n", n, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "cells.jsonl", "output JSONL path")
	cmd.Flags().BoolVar(&full, "full", false, "export all cells, not just the dirty set")
	return cmd
}

func newImportCmd() *cobra.Command {
	var (
		in    string
		clean bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "import cells from JSONL",
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

			records, err := jsonl.ReadCellsFromFile(in)
			if err != nil {
				return err
			}
			if clean {
				cleanResult, cleaned, err := jsonl.CleanCells(records, jsonl.DefaultCleanerOptions())
				if err != nil {
					return err
				}
				if removed := cleanResult.OriginalCount - cleanResult.FinalCount; removed > 0 {
					fmt.Printf("cleaned %d records before import\n", removed)
				}
				records = cleaned
			}

			svc := export.New(store, cellstore.New(store))
			result, err := svc.Import(cmd.Context(), projectKey, records)
			if err != nil {
				return err
			}
			fmt.Printf("created %d, updated %d, skipped %d\n", result.Created, result.Updated, result.Skipped)
			for _, e := range result.Errors {
				fmt.Printf("  error %s: %s\n", e.ID, e.Error)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d records failed to import", len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&in, "input", "i", "cells.jsonl", "input JSONL path")
	cmd.Flags().BoolVar(&clean, "clean", false, "dedupe and repair records before import")
	return cmd
}
