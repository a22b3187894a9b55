package migrations

import (
	"database/sql"
	"fmt"
)

// DecisionTraces creates the decision-trace and entity-link tables used
// for agent-decision observability.
func DecisionTraces(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS decision_traces (
			id TEXT PRIMARY KEY,
			project_key TEXT NOT NULL,
			decision_type TEXT NOT NULL,
			epic_id TEXT,
			cell_id TEXT,
			agent_name TEXT NOT NULL,
			decision TEXT NOT NULL DEFAULT '{}',
			rationale TEXT NOT NULL DEFAULT '',
			gathered_inputs TEXT,
			alternatives TEXT,
			outcome_event_id INTEGER,
			quality_score REAL,
			timestamp INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decision_traces_project ON decision_traces(project_key, timestamp);

		CREATE TABLE IF NOT EXISTS entity_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_decision TEXT NOT NULL,
			to_type TEXT NOT NULL,
			to_id TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 0,
			FOREIGN KEY (from_decision) REFERENCES decision_traces(id) ON DELETE CASCADE,
			CHECK (strength >= 0 AND strength <= 1)
		);
	`)
	if err != nil {
		return fmt.Errorf("create decision trace tables: %w", err)
	}
	return nil
}

// DecisionTracesDown drops the decision tables. Test use only.
func DecisionTracesDown(db *sql.DB) error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS entity_links;
		DROP TABLE IF EXISTS decision_traces;
	`)
	if err != nil {
		return fmt.Errorf("drop decision trace tables: %w", err)
	}
	return nil
}
