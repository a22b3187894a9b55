package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/types"
)

// markDirtyIn flags a cell as modified since the last export, inside the
// caller's transaction.
func markDirtyIn(ctx context.Context, conn *sql.Conn, projectKey, cellID string, now time.Time) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO dirty_cells (project_key, cell_id, marked_at) VALUES (?, ?, ?)
		ON CONFLICT (project_key, cell_id) DO UPDATE SET marked_at = excluded.marked_at`,
		projectKey, cellID, types.Millis(now))
	if err != nil {
		return fmt.Errorf("mark %s dirty: %w", cellID, err)
	}
	return nil
}

// MarkDirty flags a cell for the next incremental export.
func (s *Store) MarkDirty(ctx context.Context, projectKey, cellID string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return markDirtyIn(ctx, conn, projectKey, cellID, time.Now().UTC())
	})
}

// GetDirtyCells returns the IDs of cells modified since the last export,
// oldest mark first.
func (s *Store) GetDirtyCells(ctx context.Context, projectKey string) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT cell_id FROM dirty_cells WHERE project_key = ? ORDER BY marked_at, cell_id`,
		projectKey)
	if err != nil {
		return nil, fmt.Errorf("query dirty cells: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearDirty removes cells from the dirty set after a successful export.
func (s *Store) ClearDirty(ctx context.Context, projectKey string, cellIDs []string) error {
	if len(cellIDs) == 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		placeholders := make([]string, len(cellIDs))
		args := make([]any, 0, len(cellIDs)+1)
		args = append(args, projectKey)
		for i, id := range cellIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		_, err := conn.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM dirty_cells WHERE project_key = ? AND cell_id IN (%s)`,
			strings.Join(placeholders, ",")), args...)
		if err != nil {
			return fmt.Errorf("clear dirty flags: %w", err)
		}
		return nil
	})
}
