package migrations

import (
	"database/sql"
	"fmt"
)

// BlockedCellsCache creates the materialized blocker cache consulted by
// ready-work selection. A row exists iff the cell has at least one
// unclosed blocker; blockers holds the blocker IDs as a JSON array.
func BlockedCellsCache(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS blocked_cells_cache (
			project_key TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			blockers TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (project_key, cell_id),
			FOREIGN KEY (project_key, cell_id) REFERENCES cells(project_key, id) ON DELETE CASCADE
		)
	`)
	if err != nil {
		return fmt.Errorf("create blocked_cells_cache: %w", err)
	}
	return nil
}

// BlockedCellsCacheDown drops the cache table. Test use only.
func BlockedCellsCacheDown(db *sql.DB) error {
	_, err := db.Exec(`DROP TABLE IF EXISTS blocked_cells_cache`)
	if err != nil {
		return fmt.Errorf("drop blocked_cells_cache: %w", err)
	}
	return nil
}
