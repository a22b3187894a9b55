package migrations

import (
	"database/sql"
	"fmt"
)

// Mailbus creates the agent-mail tables: agents, messages, recipients,
// and reservations. Recipients carry a real foreign key to messages so
// the engine, not application code, rejects orphan recipient rows.
func Mailbus(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			project_key TEXT NOT NULL,
			name TEXT NOT NULL,
			registered_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			PRIMARY KEY (project_key, name)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_key TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			thread_id TEXT,
			importance TEXT NOT NULL DEFAULT 'normal',
			ack_required INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(project_key, thread_id, created_at);

		CREATE TABLE IF NOT EXISTS recipients (
			message_id INTEGER NOT NULL,
			agent TEXT NOT NULL,
			read_at INTEGER,
			acked_at INTEGER,
			PRIMARY KEY (message_id, agent),
			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_recipients_agent ON recipients(agent);

		CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			project_key TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			path_pattern TEXT NOT NULL,
			exclusive INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			CHECK (expires_at > created_at)
		);

		CREATE INDEX IF NOT EXISTS idx_reservations_project ON reservations(project_key, expires_at);
	`)
	if err != nil {
		return fmt.Errorf("create mailbus tables: %w", err)
	}
	return nil
}

// MailbusDown drops the mailbus tables. Test use only.
func MailbusDown(db *sql.DB) error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS reservations;
		DROP TABLE IF EXISTS recipients;
		DROP TABLE IF EXISTS messages;
		DROP TABLE IF EXISTS agents;
	`)
	if err != nil {
		return fmt.Errorf("drop mailbus tables: %w", err)
	}
	return nil
}
