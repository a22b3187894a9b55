package cellstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cellmesh/cellmesh/internal/types"
)

// GetNextReadyCell returns the best cell to work on next: open, not
// tombstoned, not an epic, with no unclosed blocker in the blocked-cells
// cache. Epics are containers for their children and are never picked.
// Tie-break order is lower numeric priority, then earlier created_at,
// then lexicographic ID. Returns nil when nothing is ready.
func (s *Store) GetNextReadyCell(ctx context.Context, projectKey string) (*types.Cell, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT `+qualifiedCellColumns("c")+`
		FROM cells c
		WHERE c.project_key = ? AND c.status = 'open'
		  AND c.cell_type != 'epic'
		  AND NOT EXISTS (
			SELECT 1 FROM blocked_cells_cache b
			WHERE b.project_key = c.project_key AND b.cell_id = c.id)
		ORDER BY c.priority, c.created_at, c.id
		LIMIT 1`, projectKey)

	cell, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next ready cell: %w", err)
	}
	return cell, nil
}
