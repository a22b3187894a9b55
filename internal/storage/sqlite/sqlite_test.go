package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite/migrations"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Open already ran them; running again applies nothing.
	require.NoError(t, RunMigrations(ctx, db.DB()))

	var version int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(allMigrations), version)

	var count int
	require.NoError(t, db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count))
	assert.Equal(t, len(allMigrations), count, "no duplicate schema_version rows")
}

func TestMigrationDownAndReapply(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, migrations.DecisionTracesDown(db.DB()))
	_, err := db.DB().ExecContext(ctx, `DELETE FROM schema_version WHERE version = 5`)
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, db.DB()))
	var one int
	require.NoError(t, db.DB().QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type='table' AND name='decision_traces'`).Scan(&one))
}

// Foreign keys are engine-enforced: a recipient row without its message
// is rejected by SQLite, not by application code.
func TestForeignKeyEnforcement(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.DB().ExecContext(ctx,
		`INSERT INTO recipients (message_id, agent) VALUES (999999, 'nobody')`)
	require.Error(t, err, "orphan recipient must be rejected")

	// Child cell before parent: same enforcement on the self-reference.
	_, err = db.DB().ExecContext(ctx, `
		INSERT INTO cells (project_key, id, title, parent_id, created_at, updated_at)
		VALUES ('/p', 'cm-kid', 'orphan', 'cm-missing', 1, 1)`)
	require.Error(t, err, "child with missing parent must be rejected")
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO cells (project_key, id, title, created_at, updated_at)
			VALUES ('/p', 'cm-keep', 'kept', 1, 1)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, execErr := conn.ExecContext(ctx, `
			INSERT INTO cells (project_key, id, title, created_at, updated_at)
			VALUES ('/p', 'cm-drop', 'dropped', 1, 1)`)
		require.NoError(t, execErr)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cells WHERE project_key = '/p'`).Scan(&count))
	assert.Equal(t, 1, count, "rolled-back insert must not persist")
}

func TestWrapDBErrorKinds(t *testing.T) {
	assert.Nil(t, wrapDBError("op", nil))

	err := wrapDBError("op", sql.ErrNoRows)
	assert.True(t, errs.Is(err, errs.KindNotFound))

	err = wrapDBError("op", errors.New("UNIQUE constraint failed: cells.id"))
	assert.True(t, errs.Is(err, errs.KindConflict))

	err = wrapDBError("op", errors.New("SQLITE_BUSY: database is locked"))
	assert.True(t, errs.Is(err, errs.KindTimeout))

	err = wrapDBError("op", errors.New("database disk image is malformed"))
	assert.True(t, errs.Is(err, errs.KindCorruption))
}

func TestCheckpointAndWALStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Checkpoint(ctx))

	stats, err := db.WALStats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.FrameCount, 0)
	require.NoError(t, db.CheckWALHealth(ctx))
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedder offline")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

var _ storage.Embedder = (*fakeEmbedder)(nil)

func TestRepairStaleEmbeddings(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, db *DB) {
		for _, content := range []string{"alpha", "beta"} {
			_, err := db.DB().ExecContext(ctx,
				`INSERT INTO memories (project_key, content, created_at) VALUES ('/p', ?, 1)`, content)
			require.NoError(t, err)
		}
	}

	t.Run("with embedder", func(t *testing.T) {
		db := openTestDB(t)
		seed(t, db)
		result, err := db.RepairStaleEmbeddings(ctx, &fakeEmbedder{})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Repaired)
		assert.Zero(t, result.Removed)

		var remaining int
		require.NoError(t, db.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memories WHERE embedding IS NULL`).Scan(&remaining))
		assert.Zero(t, remaining)
	})

	t.Run("without embedder", func(t *testing.T) {
		db := openTestDB(t)
		seed(t, db)
		result, err := db.RepairStaleEmbeddings(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Repaired)
		assert.Equal(t, 2, result.Removed)
	})

	t.Run("failing embedder removes", func(t *testing.T) {
		db := openTestDB(t)
		seed(t, db)
		result, err := db.RepairStaleEmbeddings(ctx, &fakeEmbedder{fail: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Removed)
	})
}
