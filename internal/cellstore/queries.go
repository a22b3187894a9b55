package cellstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/types"
)

// QueryFilter narrows a QueryCells call. Zero values mean "no
// constraint". Tombstones are excluded unless IncludeTombstones is set.
type QueryFilter struct {
	Status            types.Status
	Type              types.CellType
	Priority          *int
	Assignee          string
	ParentID          string
	Labels            []string // AND semantics
	IncludeTombstones bool
	Limit             int
}

// QueryCells returns cells matching the filter, ordered by priority then
// age then ID — the same ordering ready-selection uses, so listings and
// scheduling agree.
func (s *Store) QueryCells(ctx context.Context, projectKey string, filter QueryFilter) ([]*types.Cell, error) {
	where := []string{"c.project_key = ?"}
	args := []any{projectKey}

	if filter.Status != "" {
		where = append(where, "c.status = ?")
		args = append(args, string(filter.Status))
	} else if !filter.IncludeTombstones {
		where = append(where, "c.status != 'tombstone'")
	}
	if filter.Type != "" {
		where = append(where, "c.cell_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Priority != nil {
		where = append(where, "c.priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.Assignee != "" {
		where = append(where, "c.assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.ParentID != "" {
		where = append(where, "c.parent_id = ?")
		args = append(args, filter.ParentID)
	}
	for _, label := range filter.Labels {
		where = append(where, `EXISTS (
			SELECT 1 FROM labels l
			WHERE l.project_key = c.project_key AND l.cell_id = c.id AND l.label = ?)`)
		args = append(args, label)
	}

	query := fmt.Sprintf(`
		SELECT `+qualifiedCellColumns("c")+`
		FROM cells c WHERE %s
		ORDER BY c.priority, c.created_at, c.id`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer rows.Close()

	var cells []*types.Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

// GetInProgressCells returns all cells currently being worked on.
func (s *Store) GetInProgressCells(ctx context.Context, projectKey string) ([]*types.Cell, error) {
	return s.QueryCells(ctx, projectKey, QueryFilter{Status: types.StatusInProgress})
}

func qualifiedCellColumns(alias string) string {
	cols := strings.Split(cellColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ResolvePartialID expands a substring of a cell ID to the full ID.
// Exactly one non-tombstone match resolves; zero matches returns the
// empty string with no error; multiple matches fail with the candidate
// list so the caller can disambiguate.
func (s *Store) ResolvePartialID(ctx context.Context, projectKey, partial string) (string, error) {
	const op = "cellstore.ResolvePartialID"

	if partial == "" {
		return "", errs.Validation(op, "id", "partial id cannot be empty")
	}

	// Exact match short-circuits; a full ID is never ambiguous.
	var exact string
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT id FROM cells
		WHERE project_key = ? AND id = ? AND status != 'tombstone'`,
		projectKey, partial).Scan(&exact)
	if err == nil {
		return exact, nil
	}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT id FROM cells
		WHERE project_key = ? AND id LIKE ? AND status != 'tombstone'
		ORDER BY id LIMIT 10`,
		projectKey, "%"+partial+"%")
	if err != nil {
		return "", fmt.Errorf("resolve partial id %q: %w", partial, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(matches) {
	case 0:
		return "", nil
	case 1:
		return matches[0], nil
	default:
		return "", errs.AmbiguousID(op, matches)
	}
}
