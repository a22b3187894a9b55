package cellstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/types"
)

// AddDependency records that cellID depends on dependsOnID with the given
// relationship. A row (cell, depends_on, blocks) means depends_on blocks
// cell; blocked-by is the mirror image. Before inserting a blocking edge
// the store walks the existing blocking graph from the prospective
// target — if the source is reachable the edge would close a cycle and
// is rejected, leaving cells and prior edges untouched.
func (s *Store) AddDependency(ctx context.Context, projectKey, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	const op = "cellstore.AddDependency"

	if !depType.IsValid() {
		return errs.Validation(op, "type", fmt.Sprintf("invalid dependency type %q", depType))
	}
	if cellID == dependsOnID {
		return errs.DependencyCycle(op, fmt.Sprintf("cell %q cannot depend on itself", cellID))
	}

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for _, id := range []string{cellID, dependsOnID} {
			if err := cellExists(ctx, conn, projectKey, id); err != nil {
				return errs.NotFound(op, fmt.Sprintf("cell %q", id))
			}
		}

		if depType == types.DepBlocks || depType == types.DepBlockedBy {
			adj, err := blockingAdjacency(ctx, conn, projectKey)
			if err != nil {
				return err
			}
			from, to := cellID, dependsOnID
			if depType == types.DepBlockedBy {
				from, to = to, from
			}
			if path := reachPath(adj, to, from); path != nil {
				return errs.DependencyCycle(op,
					fmt.Sprintf("adding %s -> %s would create cycle: %v", from, to, append(path, from)))
			}
		}

		now := time.Now().UTC()
		_, err := conn.ExecContext(ctx, `
			INSERT INTO dependencies (project_key, cell_id, depends_on_id, dep_type, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			projectKey, cellID, dependsOnID, string(depType), types.Millis(now))
		if err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", cellID, dependsOnID, err)
		}

		if err := markDirtyIn(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		if err := rebuildBlockedCacheIn(ctx, conn, projectKey, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellDependencyAdded, map[string]any{
			"cell_id":       cellID,
			"depends_on_id": dependsOnID,
			"type":          depType,
			"actor":         actor,
		})
		return err
	})
}

// RemoveDependency deletes a dependency edge and invalidates the blocked
// cache for the source cell by rebuilding the cache.
func (s *Store) RemoveDependency(ctx context.Context, projectKey, cellID, dependsOnID string, depType types.DependencyType, actor string) error {
	const op = "cellstore.RemoveDependency"

	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM dependencies
			WHERE project_key = ? AND cell_id = ? AND depends_on_id = ? AND dep_type = ?`,
			projectKey, cellID, dependsOnID, string(depType))
		if err != nil {
			return fmt.Errorf("delete dependency %s -> %s: %w", cellID, dependsOnID, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return errs.NotFound(op, fmt.Sprintf("dependency %s -> %s (%s)", cellID, dependsOnID, depType))
		}

		now := time.Now().UTC()
		if err := markDirtyIn(ctx, conn, projectKey, cellID, now); err != nil {
			return err
		}
		if err := rebuildBlockedCacheIn(ctx, conn, projectKey, now); err != nil {
			return err
		}
		_, err = eventlog.AppendIn(ctx, conn, projectKey, types.EventCellDependencyRemoved, map[string]any{
			"cell_id":       cellID,
			"depends_on_id": dependsOnID,
			"type":          depType,
			"actor":         actor,
		})
		return err
	})
}

// GetDependencies returns the outgoing dependency edges of a cell.
func (s *Store) GetDependencies(ctx context.Context, projectKey, cellID string) ([]*types.Dependency, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT cell_id, depends_on_id, dep_type, created_at FROM dependencies
		WHERE project_key = ? AND cell_id = ?
		ORDER BY depends_on_id, dep_type`, projectKey, cellID)
	if err != nil {
		return nil, fmt.Errorf("query dependencies of %s: %w", cellID, err)
	}
	defer rows.Close()

	var deps []*types.Dependency
	for rows.Next() {
		var (
			d  types.Dependency
			ms int64
		)
		if err := rows.Scan(&d.CellID, &d.DependsOnID, &d.Type, &ms); err != nil {
			return nil, err
		}
		d.CreatedAt = types.FromMillis(ms)
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// GetBlockers returns the unclosed blockers of a cell, straight from the
// blocked-cells cache. An empty slice means the cell is unblocked.
func (s *Store) GetBlockers(ctx context.Context, projectKey, cellID string) ([]string, error) {
	var blockers string
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT blockers FROM blocked_cells_cache WHERE project_key = ? AND cell_id = ?`,
		projectKey, cellID).Scan(&blockers)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query blockers of %s: %w", cellID, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(blockers), &ids); err != nil {
		return nil, fmt.Errorf("decode blocker list of %s: %w", cellID, err)
	}
	return ids, nil
}

// blockingAdjacency loads the blocks-restricted graph as blocked -> blockers
// edges, normalizing blocked-by rows into the same direction.
func blockingAdjacency(ctx context.Context, conn *sql.Conn, projectKey string) (map[string][]string, error) {
	rows, err := conn.QueryContext(ctx, `
		SELECT cell_id, depends_on_id, dep_type FROM dependencies
		WHERE project_key = ? AND dep_type IN ('blocks', 'blocked-by')`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("load blocking graph: %w", err)
	}
	defer rows.Close()

	adj := make(map[string][]string)
	for rows.Next() {
		var from, to, depType string
		if err := rows.Scan(&from, &to, &depType); err != nil {
			return nil, err
		}
		if types.DependencyType(depType) == types.DepBlockedBy {
			from, to = to, from
		}
		adj[from] = append(adj[from], to)
	}
	return adj, rows.Err()
}

// reachPath does a DFS from start and returns the path to target if it is
// reachable, nil otherwise.
func reachPath(adj map[string][]string, start, target string) []string {
	visited := make(map[string]bool)
	var path []string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == target {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range adj[node] {
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(start) {
		return path
	}
	return nil
}
