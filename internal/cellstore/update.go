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

// CellUpdate carries the field changes for UpdateCell. Nil pointers leave
// the field alone; status changes go through ChangeCellStatus, not here.
type CellUpdate struct {
	Title       *string
	Description *string
	Priority    *int
	Assignee    *string
	ParentID    *string
	CellType    *types.CellType
	Result      *string
}

// UpdateCell applies field updates to a cell, validating each changed
// field and recording a cell_updated event. Setting ParentID to the empty
// string detaches the cell from its epic.
func (s *Store) UpdateCell(ctx context.Context, projectKey, id string, update CellUpdate, actor string) error {
	const op = "cellstore.UpdateCell"

	if update.Title != nil {
		if *update.Title == "" {
			return errs.Validation(op, "title", "title is required")
		}
		if len(*update.Title) > types.MaxTitleLength {
			return errs.Validation(op, "title",
				fmt.Sprintf("title must be %d characters or less", types.MaxTitleLength))
		}
	}
	if update.Priority != nil && (*update.Priority < 0 || *update.Priority > 3) {
		return errs.Validation(op, "priority", "priority must be between 0 and 3")
	}
	if update.CellType != nil && !update.CellType.IsValid() {
		return errs.Validation(op, "issue_type", fmt.Sprintf("invalid type %q", *update.CellType))
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		status, err := cellStatus(ctx, conn, projectKey, id)
		if err != nil {
			return err
		}
		if status == types.StatusTombstone {
			return errs.NotFound(op, fmt.Sprintf("cell %q", id))
		}

		set := []string{}
		args := []any{}
		changed := []string{}
		add := func(column, field string, value any) {
			set = append(set, column+" = ?")
			args = append(args, value)
			changed = append(changed, field)
		}

		if update.Title != nil {
			add("title", "title", *update.Title)
		}
		if update.Description != nil {
			add("description", "description", *update.Description)
		}
		if update.Priority != nil {
			add("priority", "priority", *update.Priority)
		}
		if update.Assignee != nil {
			add("assignee", "assignee", nullStr(*update.Assignee))
		}
		if update.CellType != nil {
			add("cell_type", "issue_type", string(*update.CellType))
		}
		if update.Result != nil {
			add("result", "result", nullStr(*update.Result))
			add("result_at", "result_at", types.Millis(time.Now().UTC()))
		}
		if update.ParentID != nil {
			if *update.ParentID != "" {
				if err := cellExists(ctx, conn, projectKey, *update.ParentID); err != nil {
					return errs.Validation(op, "parent_id",
						fmt.Sprintf("parent cell %q does not exist in project", *update.ParentID))
				}
			}
			add("parent_id", "parent_id", nullStr(*update.ParentID))
		}
		if len(set) == 0 {
			return nil
		}

		now := time.Now().UTC()
		set = append(set, "updated_at = ?")
		args = append(args, types.Millis(now), projectKey, id)

		_, err = conn.ExecContext(ctx, fmt.Sprintf(
			`UPDATE cells SET %s WHERE project_key = ? AND id = ?`,
			strings.Join(set, ", ")), args...)
		if err != nil {
			return fmt.Errorf("update cell %s: %w", id, err)
		}

		if err := markDirtyIn(ctx, conn, projectKey, id, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellUpdated, map[string]any{
			"cell_id": id,
			"fields":  changed,
			"actor":   actor,
		})
		return err
	})
}
