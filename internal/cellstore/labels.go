package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/types"
)

// AddLabel attaches a label to a cell. Adding a label the cell already
// carries is a no-op.
func (s *Store) AddLabel(ctx context.Context, projectKey, cellID, label, actor string) error {
	const op = "cellstore.AddLabel"

	label = strings.TrimSpace(label)
	if label == "" {
		return errs.Validation(op, "label", "label cannot be empty")
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := cellExists(ctx, conn, projectKey, cellID); err != nil {
			return errs.NotFound(op, fmt.Sprintf("cell %q", cellID))
		}
		res, err := conn.ExecContext(ctx, `
			INSERT OR IGNORE INTO labels (project_key, cell_id, label) VALUES (?, ?, ?)`,
			projectKey, cellID, label)
		if err != nil {
			return fmt.Errorf("add label %q to %s: %w", label, cellID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil
		}
		now := time.Now().UTC()
		if err := markDirtyIn(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		if err := touchCell(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellLabelAdded, map[string]any{
			"cell_id": cellID,
			"label":   label,
			"actor":   actor,
		})
		return err
	})
}

// RemoveLabel detaches a label from a cell.
func (s *Store) RemoveLabel(ctx context.Context, projectKey, cellID, label, actor string) error {
	const op = "cellstore.RemoveLabel"

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM labels WHERE project_key = ? AND cell_id = ? AND label = ?`,
			projectKey, cellID, label)
		if err != nil {
			return fmt.Errorf("remove label %q from %s: %w", label, cellID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return errs.NotFound(op, fmt.Sprintf("label %q on cell %q", label, cellID))
		}
		now := time.Now().UTC()
		if err := markDirtyIn(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		if err := touchCell(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellLabelRemoved, map[string]any{
			"cell_id": cellID,
			"label":   label,
			"actor":   actor,
		})
		return err
	})
}

// GetLabels returns a cell's labels in lexicographic order.
func (s *Store) GetLabels(ctx context.Context, projectKey, cellID string) ([]string, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT label FROM labels WHERE project_key = ? AND cell_id = ? ORDER BY label`,
		projectKey, cellID)
	if err != nil {
		return nil, fmt.Errorf("query labels of %s: %w", cellID, err)
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// AddComment appends a comment to a cell.
func (s *Store) AddComment(ctx context.Context, projectKey, cellID, author, text string) (*types.Comment, error) {
	const op = "cellstore.AddComment"

	if strings.TrimSpace(text) == "" {
		return nil, errs.Validation(op, "text", "comment text cannot be empty")
	}

	comment := &types.Comment{Author: author, Text: text, CreatedAt: time.Now().UTC()}
	err := s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := cellExists(ctx, conn, projectKey, cellID); err != nil {
			return errs.NotFound(op, fmt.Sprintf("cell %q", cellID))
		}
		res, err := conn.ExecContext(ctx, `
			INSERT INTO comments (project_key, cell_id, author, body, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			projectKey, cellID, author, text, types.Millis(comment.CreatedAt))
		if err != nil {
			return fmt.Errorf("add comment to %s: %w", cellID, err)
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		comment.ID = fmt.Sprintf("%d", rowID)

		if err := markDirtyIn(ctx, conn, projectKey, cellID, comment.CreatedAt); err != nil {
			return err
		}
		if err := touchCell(ctx, conn, projectKey, cellID, comment.CreatedAt); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellCommentAdded, map[string]any{
			"cell_id": cellID,
			"author":  author,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// GetComments returns a cell's comments oldest first.
func (s *Store) GetComments(ctx context.Context, projectKey, cellID string) ([]*types.Comment, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id, author, body, created_at FROM comments
		WHERE project_key = ? AND cell_id = ? ORDER BY created_at, id`,
		projectKey, cellID)
	if err != nil {
		return nil, fmt.Errorf("query comments of %s: %w", cellID, err)
	}
	defer rows.Close()

	var comments []*types.Comment
	for rows.Next() {
		var (
			c  types.Comment
			id int64
			ms int64
		)
		if err := rows.Scan(&id, &c.Author, &c.Text, &ms); err != nil {
			return nil, err
		}
		c.ID = fmt.Sprintf("%d", id)
		c.CreatedAt = types.FromMillis(ms)
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}
