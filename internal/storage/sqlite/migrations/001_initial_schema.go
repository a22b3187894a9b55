// Package migrations holds the ordered schema migrations for the sqlite
// backend. Each migration is forward-only in production; the matching
// *Down function exists for tests that need to exercise the migration
// runner against a regressed schema.
package migrations

import (
	"database/sql"
	"fmt"
)

// InitialSchema creates the core tables: cells, dependencies, labels,
// comments, events, and memories. Timestamps are stored as Unix
// milliseconds (INTEGER); the JSONL layer converts to ISO-8601 at the
// interchange boundary.
//
// The cells.parent_id self-reference uses an immediate (non-deferred)
// foreign key, so parents must be inserted before children. The cell
// store documents and enforces this ordering.
func InitialSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cells (
			project_key TEXT NOT NULL,
			id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			cell_type TEXT NOT NULL DEFAULT 'task',
			status TEXT NOT NULL DEFAULT 'open',
			priority INTEGER NOT NULL DEFAULT 2,
			parent_id TEXT,
			assignee TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			closed_at INTEGER,
			close_reason TEXT,
			created_by TEXT,
			result TEXT,
			result_at INTEGER,
			deleted_at INTEGER,
			deleted_by TEXT,
			delete_reason TEXT,
			content_hash TEXT,
			PRIMARY KEY (project_key, id),
			FOREIGN KEY (project_key, parent_id) REFERENCES cells(project_key, id) ON DELETE SET NULL,
			CHECK ((status = 'closed') = (closed_at IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_cells_status ON cells(project_key, status);
		CREATE INDEX IF NOT EXISTS idx_cells_parent ON cells(project_key, parent_id);
		CREATE INDEX IF NOT EXISTS idx_cells_assignee ON cells(project_key, assignee);

		CREATE TABLE IF NOT EXISTS dependencies (
			project_key TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			dep_type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (project_key, cell_id, depends_on_id, dep_type),
			FOREIGN KEY (project_key, cell_id) REFERENCES cells(project_key, id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_dependencies_target ON dependencies(project_key, depends_on_id);

		CREATE TABLE IF NOT EXISTS labels (
			project_key TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			label TEXT NOT NULL,
			PRIMARY KEY (project_key, cell_id, label),
			FOREIGN KEY (project_key, cell_id) REFERENCES cells(project_key, id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key TEXT NOT NULL,
			cell_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (project_key, cell_id) REFERENCES cells(project_key, id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_comments_cell ON comments(project_key, cell_id);

		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			UNIQUE (project_key, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_events_type ON events(project_key, event_type, timestamp);

		CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create initial schema: %w", err)
	}
	return nil
}

// InitialSchemaDown drops everything InitialSchema created. Test use only.
func InitialSchemaDown(db *sql.DB) error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS memories;
		DROP TABLE IF EXISTS events;
		DROP TABLE IF EXISTS comments;
		DROP TABLE IF EXISTS labels;
		DROP TABLE IF EXISTS dependencies;
		DROP TABLE IF EXISTS cells;
	`)
	if err != nil {
		return fmt.Errorf("drop initial schema: %w", err)
	}
	return nil
}
