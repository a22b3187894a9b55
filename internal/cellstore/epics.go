package cellstore

import (
	"context"
	"fmt"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/types"
)

// GetEpicChildren returns the non-tombstone children of an epic, in the
// standard priority/age/ID order.
func (s *Store) GetEpicChildren(ctx context.Context, projectKey, epicID string) ([]*types.Cell, error) {
	return s.QueryCells(ctx, projectKey, QueryFilter{ParentID: epicID})
}

// IsEpicClosureEligible reports whether every non-tombstone child of the
// epic is closed. Eligibility is reported only — nothing auto-closes the
// epic. An epic with no children is vacuously eligible (DESIGN.md records
// this decision).
func (s *Store) IsEpicClosureEligible(ctx context.Context, projectKey, epicID string) (bool, error) {
	const op = "cellstore.IsEpicClosureEligible"

	epic, err := s.GetCell(ctx, projectKey, epicID)
	if err != nil {
		return false, err
	}
	if epic.CellType != types.TypeEpic {
		return false, errs.Validation(op, "id", fmt.Sprintf("cell %q is %s, not an epic", epicID, epic.CellType))
	}

	var openChildren int
	err = s.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cells
		WHERE project_key = ? AND parent_id = ?
		  AND status NOT IN ('closed', 'tombstone')`,
		projectKey, epicID).Scan(&openChildren)
	if err != nil {
		return false, fmt.Errorf("count open children of %s: %w", epicID, err)
	}
	return openChildren == 0, nil
}
