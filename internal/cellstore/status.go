package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/types"
)

// ChangeCellStatus moves a cell through the state machine. Illegal
// transitions fail with an invalid-transition error naming both states.
// A transition to closed populates closed_at and close_reason; reopening
// clears both. The blocked-cells cache is rebuilt in the same
// transaction, since a status change can start or stop blocking others.
func (s *Store) ChangeCellStatus(ctx context.Context, projectKey, id string, next types.Status, actor, reason string) error {
	const op = "cellstore.ChangeCellStatus"

	if !next.IsValid() {
		return errs.Validation(op, "status", fmt.Sprintf("invalid status %q", next))
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		current, err := cellStatus(ctx, conn, projectKey, id)
		if err != nil {
			return err
		}
		if !current.CanTransition(next) {
			return errs.InvalidTransition(op, fmt.Sprintf("cannot transition from %s to %s", current, next))
		}

		now := time.Now().UTC()
		switch {
		case next == types.StatusClosed:
			_, err = conn.ExecContext(ctx, `
				UPDATE cells SET status = ?, closed_at = ?, close_reason = ?, updated_at = ?
				WHERE project_key = ? AND id = ?`,
				string(next), types.Millis(now), reason, types.Millis(now), projectKey, id)
		case current == types.StatusClosed:
			// Reopen: closed_at and close_reason only describe closed cells.
			_, err = conn.ExecContext(ctx, `
				UPDATE cells SET status = ?, closed_at = NULL, close_reason = NULL, updated_at = ?
				WHERE project_key = ? AND id = ?`,
				string(next), types.Millis(now), projectKey, id)
		default:
			_, err = conn.ExecContext(ctx, `
				UPDATE cells SET status = ?, updated_at = ?
				WHERE project_key = ? AND id = ?`,
				string(next), types.Millis(now), projectKey, id)
		}
		if err != nil {
			return fmt.Errorf("update status of %s: %w", id, err)
		}

		if err := markDirtyIn(ctx, conn, projectKey, id, now); err != nil {
			return err
		}
		if err := rebuildBlockedCacheIn(ctx, conn, projectKey, now); err != nil {
			return err
		}

		if _, err := eventlog.AppendIn(ctx, conn, projectKey, types.EventCellStatusChanged, map[string]any{
			"cell_id": id,
			"from":    current,
			"to":      next,
			"actor":   actor,
		}); err != nil {
			return err
		}
		if next == types.StatusClosed {
			if _, err := eventlog.AppendIn(ctx, conn, projectKey, types.EventCellClosed, map[string]any{
				"cell_id": id,
				"reason":  reason,
				"actor":   actor,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// CloseCell closes a cell with a reason and an optional result summary.
func (s *Store) CloseCell(ctx context.Context, projectKey, id, actor, reason, result string) error {
	if err := s.ChangeCellStatus(ctx, projectKey, id, types.StatusClosed, actor, reason); err != nil {
		return err
	}
	if result == "" {
		return nil
	}
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE cells SET result = ?, result_at = ? WHERE project_key = ? AND id = ?`,
			result, types.Millis(time.Now().UTC()), projectKey, id)
		return err
	})
}

// ReopenCell transitions a closed cell back to open.
func (s *Store) ReopenCell(ctx context.Context, projectKey, id, actor string) error {
	return s.ChangeCellStatus(ctx, projectKey, id, types.StatusOpen, actor, "")
}

// DeleteCell soft-deletes a cell: status becomes tombstone and the
// deletion metadata is recorded. Tombstones survive until the merge
// layer's TTL expires them; hard deletion only happens through repair.
func (s *Store) DeleteCell(ctx context.Context, projectKey, id, actor, reason string) error {
	const op = "cellstore.DeleteCell"

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		current, err := cellStatus(ctx, conn, projectKey, id)
		if err != nil {
			return err
		}
		if !current.CanTransition(types.StatusTombstone) {
			return errs.InvalidTransition(op, fmt.Sprintf("cannot transition from %s to %s", current, types.StatusTombstone))
		}

		now := time.Now().UTC()
		// closed_at only describes closed cells; a tombstoned cell keeps
		// its history in the event log instead.
		_, err = conn.ExecContext(ctx, `
			UPDATE cells SET status = ?, closed_at = NULL, deleted_at = ?, deleted_by = ?,
				delete_reason = ?, updated_at = ?
			WHERE project_key = ? AND id = ?`,
			string(types.StatusTombstone), types.Millis(now), actor, reason, types.Millis(now),
			projectKey, id)
		if err != nil {
			return fmt.Errorf("tombstone cell %s: %w", id, err)
		}

		if err := markDirtyIn(ctx, conn, projectKey, id, now); err != nil {
			return err
		}
		if err := rebuildBlockedCacheIn(ctx, conn, projectKey, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellDeleted, map[string]any{
			"cell_id": id,
			"actor":   actor,
			"reason":  reason,
		})
		return err
	})
}

func cellStatus(ctx context.Context, conn *sql.Conn, projectKey, id string) (types.Status, error) {
	var status string
	err := conn.QueryRowContext(ctx,
		`SELECT status FROM cells WHERE project_key = ? AND id = ?`, projectKey, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", errs.NotFound("cellstore.cellStatus", fmt.Sprintf("cell %q", id))
	}
	if err != nil {
		return "", fmt.Errorf("read status of %s: %w", id, err)
	}
	return types.Status(status), nil
}
