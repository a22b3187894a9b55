package migrations

import (
	"database/sql"
	"fmt"
)

// DirtyCells creates the set of cells modified since the last JSONL
// export. No foreign key: a tombstoned-then-exported cell must survive in
// the dirty set long enough for the exporter to emit its tombstone row.
func DirtyCells(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dirty_cells (
			project_key TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			marked_at INTEGER NOT NULL,
			PRIMARY KEY (project_key, cell_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create dirty_cells: %w", err)
	}
	return nil
}

// DirtyCellsDown drops the dirty set. Test use only.
func DirtyCellsDown(db *sql.DB) error {
	_, err := db.Exec(`DROP TABLE IF EXISTS dirty_cells`)
	if err != nil {
		return fmt.Errorf("drop dirty_cells: %w", err)
	}
	return nil
}
