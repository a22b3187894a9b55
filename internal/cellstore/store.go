// Package cellstore implements the work-item store: cell CRUD, the status
// state machine, dependencies with cycle rejection, labels, comments, the
// blocked-cells cache, the dirty set, epic projections, and ready-work
// selection. All operations are scoped by project key and every mutation
// appends its audit event inside the same transaction.
package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/hashcanon"
	"github.com/cellmesh/cellmesh/internal/idgen"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/types"
)

// idLength is the base36 suffix width for generated cell IDs.
const idLength = 6

// Store provides all cell operations on top of a storage adapter.
type Store struct {
	store storage.Adapter
}

// New returns a Store backed by the given adapter.
func New(store storage.Adapter) *Store {
	return &Store{store: store}
}

const cellColumns = `id, title, description, cell_type, status, priority,
	parent_id, assignee, created_at, updated_at, closed_at, close_reason,
	created_by, result, result_at, deleted_at, deleted_by, delete_reason, content_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCell(row rowScanner) (*types.Cell, error) {
	var (
		c                                  types.Cell
		description, parentID, assignee    sql.NullString
		closeReason, createdBy, result     sql.NullString
		deletedBy, deleteReason, hash      sql.NullString
		createdAt, updatedAt               int64
		closedAt, resultAt, deletedAt      sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Title, &description, &c.CellType, &c.Status, &c.Priority,
		&parentID, &assignee, &createdAt, &updatedAt, &closedAt, &closeReason,
		&createdBy, &result, &resultAt, &deletedAt, &deletedBy, &deleteReason, &hash)
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.ParentID = parentID.String
	c.Assignee = assignee.String
	c.CloseReason = closeReason.String
	c.CreatedBy = createdBy.String
	c.Result = result.String
	c.DeletedBy = deletedBy.String
	c.DeleteReason = deleteReason.String
	c.ContentHash = hash.String
	c.CreatedAt = types.FromMillis(createdAt)
	c.UpdatedAt = types.FromMillis(updatedAt)
	if closedAt.Valid {
		t := types.FromMillis(closedAt.Int64)
		c.ClosedAt = &t
	}
	if resultAt.Valid {
		t := types.FromMillis(resultAt.Int64)
		c.ResultAt = &t
	}
	if deletedAt.Valid {
		t := types.FromMillis(deletedAt.Int64)
		c.DeletedAt = &t
	}
	return &c, nil
}

// CreateCell validates and inserts a new cell. An empty ID is filled with
// a generated hash ID (collision-retried with a nonce). The parent, if
// set, must already exist in the same project — parents before children,
// since the schema uses an immediate self-referencing foreign key.
func (s *Store) CreateCell(ctx context.Context, projectKey string, cell *types.Cell) (*types.Cell, error) {
	const op = "cellstore.CreateCell"

	now := time.Now().UTC()
	if cell.Status == "" {
		cell.Status = types.StatusOpen
	}
	if cell.CellType == "" {
		cell.CellType = types.TypeTask
	}
	if cell.CreatedAt.IsZero() {
		cell.CreatedAt = now
	}
	cell.UpdatedAt = now

	if err := cell.Validate(); err != nil {
		var fe *types.FieldError
		if ok := asFieldError(err, &fe); ok {
			return nil, errs.Validation(op, fe.Field, fe.Reason)
		}
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if cell.ParentID != "" {
			if err := cellExists(ctx, conn, projectKey, cell.ParentID); err != nil {
				return errs.Validation(op, "parent_id",
					fmt.Sprintf("parent cell %q does not exist in project", cell.ParentID))
			}
		}

		if cell.ID == "" {
			id, err := generateUniqueID(ctx, conn, projectKey, cell)
			if err != nil {
				return err
			}
			cell.ID = id
		} else if err := cellExists(ctx, conn, projectKey, cell.ID); err == nil {
			return errs.Conflict(op, fmt.Sprintf("cell %q already exists", cell.ID))
		}

		hash, err := hashcanon.HashCell(cell)
		if err != nil {
			return fmt.Errorf("hash cell: %w", err)
		}
		cell.ContentHash = hash

		if err := insertCell(ctx, conn, projectKey, cell); err != nil {
			return err
		}
		if err := markDirtyIn(ctx, conn, projectKey, cell.ID, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellCreated, map[string]any{
			"cell_id": cell.ID,
			"title":   cell.Title,
			"type":    cell.CellType,
			"actor":   cell.CreatedBy,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return cell, nil
}

func insertCell(ctx context.Context, conn *sql.Conn, projectKey string, c *types.Cell) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO cells (project_key, `+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectKey, c.ID, c.Title, c.Description, string(c.CellType), string(c.Status), c.Priority,
		nullStr(c.ParentID), nullStr(c.Assignee),
		types.Millis(c.CreatedAt), types.Millis(c.UpdatedAt), types.MillisPtr(c.ClosedAt),
		nullStr(c.CloseReason), nullStr(c.CreatedBy), nullStr(c.Result), types.MillisPtr(c.ResultAt),
		types.MillisPtr(c.DeletedAt), nullStr(c.DeletedBy), nullStr(c.DeleteReason), nullStr(c.ContentHash))
	if err != nil {
		return fmt.Errorf("insert cell %s: %w", c.ID, err)
	}
	return nil
}

func generateUniqueID(ctx context.Context, conn *sql.Conn, projectKey string, c *types.Cell) (string, error) {
	for nonce := 0; nonce < 10; nonce++ {
		id := idgen.GenerateHashID("cm", c.Title, c.Description, c.CreatedBy, c.CreatedAt, idLength, nonce)
		if err := cellExists(ctx, conn, projectKey, id); err != nil {
			return id, nil
		}
	}
	return "", errs.Conflict("cellstore.CreateCell", "could not generate a unique cell id after 10 attempts")
}

// cellExists returns nil when the cell exists, sql.ErrNoRows otherwise.
func cellExists(ctx context.Context, conn *sql.Conn, projectKey, id string) error {
	var one int
	return conn.QueryRowContext(ctx,
		`SELECT 1 FROM cells WHERE project_key = ? AND id = ?`, projectKey, id).Scan(&one)
}

// GetCell loads a cell with its dependencies, labels, and comments.
// Tombstoned cells are reported as not found, matching the default-query
// exclusion; use getCellAny internally when tombstones matter.
func (s *Store) GetCell(ctx context.Context, projectKey, id string) (*types.Cell, error) {
	const op = "cellstore.GetCell"
	cell, err := s.getCellAny(ctx, projectKey, id)
	if err != nil {
		return nil, err
	}
	if cell.IsTombstone() {
		return nil, errs.NotFound(op, fmt.Sprintf("cell %q", id))
	}
	return cell, nil
}

// GetCellAny loads a cell even when tombstoned. The exporter and the
// doctor need tombstones; everything else goes through GetCell.
func (s *Store) GetCellAny(ctx context.Context, projectKey, id string) (*types.Cell, error) {
	return s.getCellAny(ctx, projectKey, id)
}

func (s *Store) getCellAny(ctx context.Context, projectKey, id string) (*types.Cell, error) {
	const op = "cellstore.GetCell"
	row := s.store.DB().QueryRowContext(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE project_key = ? AND id = ?`, projectKey, id)
	cell, err := scanCell(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound(op, fmt.Sprintf("cell %q", id))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cell.Dependencies, err = s.GetDependencies(ctx, projectKey, id)
	if err != nil {
		return nil, err
	}
	cell.Labels, err = s.GetLabels(ctx, projectKey, id)
	if err != nil {
		return nil, err
	}
	cell.Comments, err = s.GetComments(ctx, projectKey, id)
	if err != nil {
		return nil, err
	}
	return cell, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asFieldError(err error, target **types.FieldError) bool {
	fe, ok := err.(*types.FieldError)
	if ok {
		*target = fe
	}
	return ok
}

// touchCell bumps updated_at inside an open transaction.
func touchCell(ctx context.Context, conn *sql.Conn, projectKey, id string, now time.Time) error {
	_, err := conn.ExecContext(ctx,
		`UPDATE cells SET updated_at = ? WHERE project_key = ? AND id = ?`,
		types.Millis(now), projectKey, id)
	return err
}
