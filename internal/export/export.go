// Package export implements the JSONL interchange layer: incremental
// export of dirty cells and hash-deduplicated import. The merge driver in
// internal/merge consumes and produces the same file format.
package export

import (
	"context"
	"os"
	"sort"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/hashcanon"
	"github.com/cellmesh/cellmesh/internal/jsonl"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// Service ties the cell store to JSONL files on disk.
type Service struct {
	store storage.Adapter
	cells *cellstore.Store
}

// New returns an export Service.
func New(store storage.Adapter, cells *cellstore.Store) *Service {
	return &Service{store: store, cells: cells}
}

// ExportIncremental writes only the cells in the dirty set, merged over
// whatever the target file already holds, then clears their dirty flags.
// The flags survive an export failure, so a crashed export re-exports on
// the next attempt rather than losing changes.
func (s *Service) ExportIncremental(ctx context.Context, projectKey, path string) (int, error) {
	dirty, err := s.cells.GetDirtyCells(ctx, projectKey)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	byID := make(map[string]*types.Cell)
	if existing, err := jsonl.ReadCellsFromFile(path); err == nil {
		for _, c := range existing {
			byID[c.ID] = c
		}
	} else if !os.IsNotExist(underlying(err)) {
		return 0, err
	}

	exported := make([]string, 0, len(dirty))
	for _, id := range dirty {
		cell, err := s.cells.GetCellAny(ctx, projectKey, id)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) {
				// Hard-deleted by repair since it was marked; drop the flag.
				exported = append(exported, id)
				continue
			}
			return 0, err
		}
		if err := s.refreshHash(ctx, projectKey, cell); err != nil {
			return 0, err
		}
		byID[cell.ID] = cell
		exported = append(exported, id)
	}

	cells := make([]*types.Cell, 0, len(byID))
	for _, c := range byID {
		cells = append(cells, c)
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })

	if err := jsonl.WriteCells(path, cells); err != nil {
		return 0, err
	}
	if err := s.cells.ClearDirty(ctx, projectKey, exported); err != nil {
		return 0, err
	}
	return len(exported), nil
}

// ExportAll writes every cell in the project, tombstones included, and
// clears the whole dirty set.
func (s *Service) ExportAll(ctx context.Context, projectKey, path string) (int, error) {
	listed, err := s.cells.QueryCells(ctx, projectKey, cellstore.QueryFilter{IncludeTombstones: true})
	if err != nil {
		return 0, err
	}

	// QueryCells returns bare rows; exported records carry deps, labels,
	// and comments too.
	cells := make([]*types.Cell, 0, len(listed))
	for _, c := range listed {
		full, err := s.cells.GetCellAny(ctx, projectKey, c.ID)
		if err != nil {
			return 0, err
		}
		if err := s.refreshHash(ctx, projectKey, full); err != nil {
			return 0, err
		}
		cells = append(cells, full)
	}

	if err := jsonl.WriteCells(path, cells); err != nil {
		return 0, err
	}

	dirty, err := s.cells.GetDirtyCells(ctx, projectKey)
	if err != nil {
		return 0, err
	}
	if err := s.cells.ClearDirty(ctx, projectKey, dirty); err != nil {
		return 0, err
	}
	return len(cells), nil
}

// refreshHash recomputes the content hash over the full record (child
// rows included — labels and comments change without touching the cells
// row) and persists it, so import dedup on either end of the interchange
// compares current state.
func (s *Service) refreshHash(ctx context.Context, projectKey string, cell *types.Cell) error {
	hash, err := hashcanon.HashCell(cell)
	if err != nil {
		return err
	}
	if hash == cell.ContentHash {
		return nil
	}
	cell.ContentHash = hash
	_, err = s.store.DB().ExecContext(ctx, `
		UPDATE cells SET content_hash = ? WHERE project_key = ? AND id = ?`,
		hash, projectKey, cell.ID)
	return err
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
