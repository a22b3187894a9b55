package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cellmesh/cellmesh/internal/storage/sqlite/migrations"
)

// migration pairs a monotonically increasing version with the function
// that brings the schema from version-1 to version. Each function must be
// idempotent; schema_version decides what runs, not the functions
// themselves.
type migration struct {
	version int
	name    string
	apply   func(db *sql.DB) error
}

var allMigrations = []migration{
	{1, "initial_schema", migrations.InitialSchema},
	{2, "blocked_cells_cache", migrations.BlockedCellsCache},
	{3, "dirty_cells", migrations.DirtyCells},
	{4, "mailbus", migrations.Mailbus},
	{5, "decision_traces", migrations.DecisionTraces},
}

// RunMigrations applies every migration newer than the database's current
// schema_version, in order, recording each in schema_version once it has
// applied. No transaction encloses a migration and its schema_version row:
// a migration that fails partway leaves its earlier statements in place,
// and the next run applies that migration again from the start.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range allMigrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func currentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
