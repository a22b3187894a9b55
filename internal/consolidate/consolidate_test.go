package consolidate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

const testProject = "/tmp/proj"

func writeStray(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	db, err := sqlite.Open(context.Background(), path, sqlite.Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func TestDetectStrayDatabases(t *testing.T) {
	root := t.TempDir()

	a := writeStray(t, root, ".opencode/streams.db")
	b := writeStray(t, root, ".hive/swarm-mail.db")
	nested := writeStray(t, root, "vendor-repo/.opencode/swarm.db")

	// Ignored: already migrated, and backup copies.
	migrated := writeStray(t, root, ".cellmesh/swarm.db")
	require.NoError(t, os.Rename(migrated, migrated+".migrated"))
	backup := writeStray(t, root, ".opencode/swarm.db")
	require.NoError(t, os.Rename(backup, backup+".backup-123"))

	strays, err := DetectStrayDatabases(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b, nested}, strays)
}

func TestAnalyzeStray(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	strayPath := writeStray(t, root, ".opencode/swarm.db")
	stray, err := sqlite.Open(ctx, strayPath, sqlite.Options{})
	require.NoError(t, err)
	cells := cellstore.New(stray)
	_, err = cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-one", Title: "stray work"})
	require.NoError(t, err)
	require.NoError(t, stray.Close())

	globalPath := filepath.Join(t.TempDir(), "global.db")
	analysis, err := AnalyzeStray(ctx, strayPath, globalPath)
	require.NoError(t, err)

	assert.Equal(t, EraModern, analysis.Era)
	assert.Contains(t, analysis.Tables, "cells")
	assert.Equal(t, 1, analysis.RowCounts["cells"])
	assert.Equal(t, "migrate", analysis.Plan.Action)
}

func TestAnalyzeEmptyStraySkips(t *testing.T) {
	root := t.TempDir()
	strayPath := writeStray(t, root, ".opencode/swarm.db")

	analysis, err := AnalyzeStray(context.Background(), strayPath, filepath.Join(t.TempDir(), "g.db"))
	require.NoError(t, err)
	assert.Equal(t, "skip", analysis.Plan.Action)
	assert.Equal(t, "empty database", analysis.Plan.Reason)
}

// Global wins: rows already in the global store are kept; only genuinely
// new rows are copied.
func TestMigrateToGlobalGlobalWins(t *testing.T) {
	ctx := context.Background()

	strayPath := filepath.Join(t.TempDir(), "stray.db")
	stray, err := sqlite.Open(ctx, strayPath, sqlite.Options{})
	require.NoError(t, err)
	strayCells := cellstore.New(stray)
	_, err = strayCells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-shared", Title: "stray version"})
	require.NoError(t, err)
	_, err = strayCells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-only-stray", Title: "unique to stray"})
	require.NoError(t, err)
	require.NoError(t, stray.Close())

	globalPath := filepath.Join(t.TempDir(), "global.db")
	global, err := sqlite.Open(ctx, globalPath, sqlite.Options{})
	require.NoError(t, err)
	globalCells := cellstore.New(global)
	_, err = globalCells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-shared", Title: "global version"})
	require.NoError(t, err)
	require.NoError(t, global.Close())

	mlog, err := MigrateToGlobal(ctx, strayPath, globalPath, true)
	require.NoError(t, err)
	assert.Equal(t, 1, mlog.Copied["cells"], "only the unique row copies")
	assert.Equal(t, 1, mlog.Duplicates["cells"])

	global, err = sqlite.Open(ctx, globalPath, sqlite.Options{})
	require.NoError(t, err)
	defer global.Close()
	globalCells = cellstore.New(global)

	kept, err := globalCells.GetCell(ctx, testProject, "cm-shared")
	require.NoError(t, err)
	assert.Equal(t, "global version", kept.Title, "global wins the duplicate")

	moved, err := globalCells.GetCell(ctx, testProject, "cm-only-stray")
	require.NoError(t, err)
	assert.Equal(t, "unique to stray", moved.Title)
}

func TestConsolidateEndToEnd(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	strayPath := writeStray(t, root, ".opencode/swarm.db")
	stray, err := sqlite.Open(ctx, strayPath, sqlite.Options{})
	require.NoError(t, err)
	_, err = cellstore.New(stray).CreateCell(ctx, testProject, &types.Cell{ID: "cm-s", Title: "from stray"})
	require.NoError(t, err)
	require.NoError(t, stray.Close())

	globalPath := filepath.Join(t.TempDir(), "global.db")
	report, err := ConsolidateDatabases(ctx, root, globalPath, Options{Yes: true, SkipBackup: true})
	require.NoError(t, err)

	require.Len(t, report.Detected, 1)
	require.Len(t, report.Migrated, 1)
	assert.Empty(t, report.Skipped)

	// Stray renamed out of detection's sight.
	_, err = os.Stat(strayPath + ".migrated")
	require.NoError(t, err)

	again, err := DetectStrayDatabases(root)
	require.NoError(t, err)
	assert.Empty(t, again, "consolidation is convergent")

	global, err := sqlite.Open(ctx, globalPath, sqlite.Options{})
	require.NoError(t, err)
	defer global.Close()
	got, err := cellstore.New(global).GetCell(ctx, testProject, "cm-s")
	require.NoError(t, err)
	assert.Equal(t, "from stray", got.Title)
}
