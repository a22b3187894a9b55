package jsonl

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/cellmesh/cellmesh/internal/types"
)

// WriteCells writes cells to path as UTF-8, LF-separated JSONL, one cell per
// line, sorted by ID for deterministic output.
func WriteCells(path string, cells []*types.Cell) error {
	sorted := make([]*types.Cell, len(cells))
	copy(sorted, cells)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	f, err := os.Create(path) // #nosec G304 -- path comes from project configfile, not user input
	if err != nil {
		return fmt.Errorf("failed to create JSONL file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, cell := range sorted {
		line, err := cell.MarshalCanonical()
		if err != nil {
			return fmt.Errorf("failed to marshal cell %s: %w", cell.ID, err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", cell.ID, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}
