package consolidate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
)

// identityColumns maps each copyable table to the columns forming its
// primary identity, used for the unique-row estimate and duplicate
// accounting.
var identityColumns = map[string][]string{
	"cells":           {"project_key", "id"},
	"dependencies":    {"project_key", "cell_id", "depends_on_id", "dep_type"},
	"labels":          {"project_key", "cell_id", "label"},
	"comments":        {"project_key", "cell_id", "author", "body"},
	"events":          {"project_key", "sequence"},
	"agents":          {"project_key", "name"},
	"reservations":    {"id"},
	"decision_traces": {"id"},
}

// copyOrder lists tables parent-first so foreign keys hold during copy.
var copyOrder = []string{
	"cells", "dependencies", "labels", "comments", "events",
	"agents", "reservations", "decision_traces",
}

// AnalyzeStray opens a stray read-only and reports its tables, row
// counts, schema era, a unique-row estimate against the global store,
// and the recommended plan.
func AnalyzeStray(ctx context.Context, strayPath, globalPath string) (*Analysis, error) {
	stray, err := sqlite.Open(ctx, strayPath, sqlite.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open stray %s: %w", strayPath, err)
	}
	defer stray.Close()

	analysis := &Analysis{Path: strayPath, RowCounts: make(map[string]int)}

	rows, err := stray.DB().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		analysis.Tables = append(analysis.Tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasTable := func(name string) bool {
		for _, t := range analysis.Tables {
			if t == name {
				return true
			}
		}
		return false
	}
	switch {
	case hasTable("cells"):
		analysis.Era = EraModern
	case hasTable("issues") || hasTable("beads"):
		analysis.Era = EraLegacy
	default:
		analysis.Era = EraUnknown
	}

	total := 0
	for _, table := range analysis.Tables {
		var count int
		// Table names come from sqlite_master, not user input.
		if err := stray.DB().QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&count); err != nil {
			return nil, err
		}
		analysis.RowCounts[table] = count
		// Only copyable data counts toward emptiness; a freshly migrated
		// store still has its schema bookkeeping rows.
		if _, ok := identityColumns[table]; ok {
			total += count
		}
	}

	switch {
	case analysis.Era == EraUnknown:
		analysis.Plan = Plan{Action: "skip", Reason: "unrecognized schema"}
	case analysis.Era == EraLegacy:
		analysis.Plan = Plan{Action: "skip", Reason: "legacy schema requires manual export/import"}
	case total == 0:
		analysis.Plan = Plan{Action: "skip", Reason: "empty database"}
	default:
		analysis.UniqueRows = countUniqueRows(ctx, stray.DB(), globalPath, analysis)
		analysis.Plan = Plan{Action: "migrate", EstimatedRows: analysis.UniqueRows}
	}
	return analysis, nil
}

// countUniqueRows estimates how many stray rows are absent from the
// global store, by primary identity per table. Errors degrade to the raw
// total — analysis must not block migration.
func countUniqueRows(ctx context.Context, strayDB *sql.DB, globalPath string, analysis *Analysis) int {
	global, err := sqlite.Open(ctx, globalPath, sqlite.Options{})
	if err != nil {
		return totalRows(analysis)
	}
	defer global.Close()

	unique := 0
	for table, cols := range identityColumns {
		count, ok := analysis.RowCounts[table]
		if !ok || count == 0 {
			continue
		}
		rows, err := strayDB.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(cols, ", "), table))
		if err != nil {
			unique += count
			continue
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				continue
			}
			where := make([]string, len(cols))
			for i, c := range cols {
				where[i] = c + " = ?"
			}
			var one int
			err := global.DB().QueryRowContext(ctx, fmt.Sprintf(
				`SELECT 1 FROM %q WHERE %s`, table, strings.Join(where, " AND ")), vals...).Scan(&one)
			if err == sql.ErrNoRows {
				unique++
			}
		}
		rows.Close()
	}
	return unique
}

func totalRows(analysis *Analysis) int {
	total := 0
	for _, c := range analysis.RowCounts {
		total += c
	}
	return total
}

// MigrateToGlobal copies a stray's rows into the global store, global
// wins on duplicates (INSERT OR IGNORE on each table's identity). The
// stray is backed up first unless skipBackup.
func MigrateToGlobal(ctx context.Context, strayPath, globalPath string, skipBackup bool) (*MigrationLog, error) {
	mlog := &MigrationLog{
		Stray:      strayPath,
		Copied:     make(map[string]int),
		Duplicates: make(map[string]int),
	}

	if !skipBackup {
		backup, err := backupStray(strayPath)
		if err != nil {
			return nil, fmt.Errorf("backup stray %s: %w", strayPath, err)
		}
		mlog.BackupPath = backup
	}

	stray, err := sqlite.Open(ctx, strayPath, sqlite.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open stray %s: %w", strayPath, err)
	}
	defer stray.Close()

	global, err := sqlite.Open(ctx, globalPath, sqlite.Options{})
	if err != nil {
		return nil, fmt.Errorf("open global %s: %w", globalPath, err)
	}
	defer global.Close()

	for _, table := range copyOrder {
		copied, dupes, err := copyTable(ctx, stray.DB(), global, table)
		if err != nil {
			return mlog, fmt.Errorf("copy %s: %w", table, err)
		}
		if copied > 0 {
			mlog.Copied[table] = copied
		}
		if dupes > 0 {
			mlog.Duplicates[table] = dupes
		}
	}
	return mlog, nil
}

func copyTable(ctx context.Context, strayDB *sql.DB, global *sqlite.DB, table string) (copied, dupes int, err error) {
	var exists string
	err = strayDB.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	cols, err := tableColumns(ctx, strayDB, table)
	if err != nil {
		return 0, 0, err
	}
	// events and comments key on an autoincrement surrogate; carrying the
	// stray's id would collide with unrelated global rows, so let the
	// global store assign fresh ones.
	if table == "events" || table == "comments" {
		filtered := cols[:0]
		for _, c := range cols {
			if c != "id" {
				filtered = append(filtered, c)
			}
		}
		cols = filtered
	}

	rows, err := strayDB.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(cols, ", "), table))
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf(`INSERT OR IGNORE INTO %q (%s) VALUES (%s)`,
		table, strings.Join(cols, ", "), placeholders)

	err = global.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			res, err := conn.ExecContext(ctx, insert, vals...)
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				copied++
			} else {
				dupes++
			}
		}
		return rows.Err()
	})
	return copied, dupes, err
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
