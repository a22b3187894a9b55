package export

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/hashcanon"
	"github.com/cellmesh/cellmesh/internal/jsonl"
	"github.com/cellmesh/cellmesh/internal/types"
)

// ImportResult tallies what an Import pass did.
type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Skipped int           `json:"skipped"`
	Errors  []ImportError `json:"errors,omitempty"`
}

// ImportError names the record that failed and why.
type ImportError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// ImportFile imports a JSONL file into the project.
func (s *Service) ImportFile(ctx context.Context, projectKey, path string) (*ImportResult, error) {
	cells, err := jsonl.ReadCellsFromFile(path)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, projectKey, cells)
}

// Import applies parsed records. Per record: if the stored content hash
// matches the incoming hash the record is skipped; if the record exists
// with a different hash its fields are updated (closure goes through the
// regular close path so closed_at semantics hold); absent records are
// inserted whole, tombstones included. Dependencies, labels, and comments
// are then replaced clear-and-insert. One bad record does not abort the
// pass — it lands in the error list.
func (s *Service) Import(ctx context.Context, projectKey string, cells []*types.Cell) (*ImportResult, error) {
	result := &ImportResult{}

	// Parents before children: the schema's self-referencing foreign key
	// is immediate, so order by dependency on parent_id.
	ordered := orderParentsFirst(cells)

	for _, incoming := range ordered {
		if incoming.ID == "" {
			result.Errors = append(result.Errors, ImportError{ID: "", Error: "record has no id"})
			continue
		}
		if err := s.importOne(ctx, projectKey, incoming, result); err != nil {
			result.Errors = append(result.Errors, ImportError{ID: incoming.ID, Error: err.Error()})
		}
	}
	return result, nil
}

func (s *Service) importOne(ctx context.Context, projectKey string, incoming *types.Cell, result *ImportResult) error {
	incomingHash, err := hashcanon.HashCell(incoming)
	if err != nil {
		return fmt.Errorf("hash record: %w", err)
	}

	existing, err := s.cells.GetCellAny(ctx, projectKey, incoming.ID)
	switch {
	case err == nil:
		if existing.ContentHash == incomingHash {
			result.Skipped++
			return nil
		}
		if err := s.updateExisting(ctx, projectKey, existing, incoming, incomingHash); err != nil {
			return err
		}
		result.Updated++
	case errs.Is(err, errs.KindNotFound):
		if err := s.insertRecord(ctx, projectKey, incoming, incomingHash); err != nil {
			return err
		}
		result.Created++
	default:
		return err
	}

	return s.replaceChildren(ctx, projectKey, incoming)
}

func (s *Service) insertRecord(ctx context.Context, projectKey string, c *types.Cell, hash string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO cells (project_key, id, title, description, cell_type, status, priority,
				parent_id, assignee, created_at, updated_at, closed_at, close_reason,
				created_by, result, result_at, deleted_at, deleted_by, delete_reason, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			projectKey, c.ID, c.Title, c.Description, string(c.CellType), string(c.Status), c.Priority,
			importNullStr(c.ParentID), importNullStr(c.Assignee),
			types.Millis(c.CreatedAt), types.Millis(c.UpdatedAt), closedAtFor(c),
			importNullStr(c.CloseReason), importNullStr(c.CreatedBy),
			importNullStr(c.Result), types.MillisPtr(c.ResultAt),
			deletedAtFor(c), importNullStr(c.DeletedBy), importNullStr(c.DeleteReason), hash)
		if err != nil {
			return fmt.Errorf("insert imported cell %s: %w", c.ID, err)
		}
		return nil
	})
}

func (s *Service) updateExisting(ctx context.Context, projectKey string, existing, incoming *types.Cell, hash string) error {
	// Closure through the state machine so closed_at and the audit event
	// are populated the same way a live close would.
	if incoming.Status == types.StatusClosed && existing.Status != types.StatusClosed {
		if existing.Status.CanTransition(types.StatusClosed) {
			if err := s.cells.CloseCell(ctx, projectKey, incoming.ID, "import", incoming.CloseReason, ""); err != nil {
				return err
			}
		}
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE cells SET title = ?, description = ?, cell_type = ?, status = ?, priority = ?,
				parent_id = ?, assignee = ?, updated_at = ?, closed_at = ?, close_reason = ?,
				deleted_at = ?, deleted_by = ?, delete_reason = ?, content_hash = ?
			WHERE project_key = ? AND id = ?`,
			incoming.Title, incoming.Description, string(incoming.CellType), string(incoming.Status),
			incoming.Priority, importNullStr(incoming.ParentID), importNullStr(incoming.Assignee),
			types.Millis(incoming.UpdatedAt), closedAtFor(incoming), importNullStr(incoming.CloseReason),
			deletedAtFor(incoming), importNullStr(incoming.DeletedBy), importNullStr(incoming.DeleteReason),
			hash, projectKey, incoming.ID)
		if err != nil {
			return fmt.Errorf("update imported cell %s: %w", incoming.ID, err)
		}
		return nil
	})
}

// replaceChildren clears and re-inserts dependencies, labels, and
// comments from the record.
func (s *Service) replaceChildren(ctx context.Context, projectKey string, c *types.Cell) error {
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, stmt := range []string{
			`DELETE FROM dependencies WHERE project_key = ? AND cell_id = ?`,
			`DELETE FROM labels WHERE project_key = ? AND cell_id = ?`,
			`DELETE FROM comments WHERE project_key = ? AND cell_id = ?`,
		} {
			if _, err := conn.ExecContext(ctx, stmt, projectKey, c.ID); err != nil {
				return fmt.Errorf("clear children of %s: %w", c.ID, err)
			}
		}

		createdAt := types.Millis(c.CreatedAt)
		for _, d := range c.Dependencies {
			if _, err := conn.ExecContext(ctx, `
				INSERT OR IGNORE INTO dependencies (project_key, cell_id, depends_on_id, dep_type, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				projectKey, c.ID, d.DependsOnID, string(d.Type), createdAt); err != nil {
				return fmt.Errorf("insert imported dependency of %s: %w", c.ID, err)
			}
		}
		for _, l := range c.Labels {
			if _, err := conn.ExecContext(ctx, `
				INSERT OR IGNORE INTO labels (project_key, cell_id, label) VALUES (?, ?, ?)`,
				projectKey, c.ID, l); err != nil {
				return fmt.Errorf("insert imported label of %s: %w", c.ID, err)
			}
		}
		for _, cm := range c.Comments {
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO comments (project_key, cell_id, author, body, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				projectKey, c.ID, cm.Author, cm.Text, createdAt); err != nil {
				return fmt.Errorf("insert imported comment of %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// orderParentsFirst sorts records so every parent precedes its children.
// Cycles in parent_id (invalid data) fall back to input order for the
// remainder and surface later as foreign-key errors.
func orderParentsFirst(cells []*types.Cell) []*types.Cell {
	byID := make(map[string]*types.Cell, len(cells))
	for _, c := range cells {
		byID[c.ID] = c
	}

	var ordered []*types.Cell
	placed := make(map[string]bool, len(cells))
	var place func(c *types.Cell, depth int)
	place = func(c *types.Cell, depth int) {
		if placed[c.ID] || depth > 50 {
			return
		}
		if c.ParentID != "" {
			if parent, ok := byID[c.ParentID]; ok && !placed[parent.ID] {
				place(parent, depth+1)
			}
		}
		placed[c.ID] = true
		ordered = append(ordered, c)
	}
	for _, c := range cells {
		place(c, 0)
	}
	return ordered
}

func importNullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// closedAtFor keeps the closed-iff-closed_at invariant on imported rows.
func closedAtFor(c *types.Cell) any {
	if c.Status != types.StatusClosed {
		return nil
	}
	if c.ClosedAt != nil {
		return c.ClosedAt.UnixMilli()
	}
	return types.Millis(c.UpdatedAt)
}

// deletedAtFor fills deleted_at for tombstone records that arrived
// without one.
func deletedAtFor(c *types.Cell) any {
	if c.DeletedAt != nil {
		return c.DeletedAt.UnixMilli()
	}
	if c.Status == types.StatusTombstone {
		return types.Millis(c.UpdatedAt)
	}
	return nil
}
