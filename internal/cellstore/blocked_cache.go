package cellstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cellmesh/cellmesh/internal/types"
)

// rebuildBlockedCacheIn rebuilds the blocked-cells cache for a project
// from scratch inside the caller's transaction. Full rebuild over
// incremental update: dependency and status changes are rare next to
// reads, and a rebuild is a single pass over the dependency table.
//
// A cell is in the cache iff it has at least one blocker whose status is
// open, in_progress, or blocked. Closed and tombstoned blockers do not
// block; tombstoned cells are never cached as blocked themselves.
func rebuildBlockedCacheIn(ctx context.Context, conn *sql.Conn, projectKey string, now time.Time) error {
	if _, err := conn.ExecContext(ctx,
		`DELETE FROM blocked_cells_cache WHERE project_key = ?`, projectKey); err != nil {
		return fmt.Errorf("clear blocked cache: %w", err)
	}

	_, err := conn.ExecContext(ctx, `
		INSERT INTO blocked_cells_cache (project_key, cell_id, blockers, updated_at)
		WITH edges AS (
			SELECT cell_id AS blocked, depends_on_id AS blocker
			FROM dependencies WHERE project_key = ?1 AND dep_type = 'blocks'
			UNION ALL
			SELECT depends_on_id AS blocked, cell_id AS blocker
			FROM dependencies WHERE project_key = ?1 AND dep_type = 'blocked-by'
		)
		SELECT ?1, e.blocked, json_group_array(e.blocker), ?2
		FROM edges e
		JOIN cells b ON b.project_key = ?1 AND b.id = e.blocker
		JOIN cells c ON c.project_key = ?1 AND c.id = e.blocked
		WHERE b.status IN ('open', 'in_progress', 'blocked')
		  AND c.status != 'tombstone'
		GROUP BY e.blocked`,
		projectKey, types.Millis(now))
	if err != nil {
		return fmt.Errorf("rebuild blocked cache: %w", err)
	}
	return nil
}

// RebuildBlockedCache rebuilds the cache outside any existing mutation,
// for doctor repairs and explicit refresh requests.
func (s *Store) RebuildBlockedCache(ctx context.Context, projectKey string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return rebuildBlockedCacheIn(ctx, conn, projectKey, time.Now().UTC())
	})
}
