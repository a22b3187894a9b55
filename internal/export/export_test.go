package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/jsonl"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

const testProject = "/tmp/proj"

func newTestService(t *testing.T) (*Service, *cellstore.Store) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cells := cellstore.New(db)
	return New(db, cells), cells
}

func seedCells(t *testing.T, cells *cellstore.Store) []string {
	t.Helper()
	ctx := context.Background()

	a, err := cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-aa", Title: "cell A", Priority: 1})
	require.NoError(t, err)
	b, err := cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-bb", Title: "cell B", Priority: 2})
	require.NoError(t, err)

	require.NoError(t, cells.AddDependency(ctx, testProject, b.ID, a.ID, types.DepBlocks, ""))
	require.NoError(t, cells.AddLabel(ctx, testProject, a.ID, "backend", ""))
	_, err = cells.AddComment(ctx, testProject, a.ID, "worker-1", "note")
	require.NoError(t, err)

	return []string{a.ID, b.ID}
}

// Export then import on a clean store yields the same cells, deps,
// labels, and comments with identical content hashes.
func TestRoundtrip(t *testing.T) {
	svc, cells := newTestService(t)
	ctx := context.Background()
	ids := seedCells(t, cells)

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	n, err := svc.ExportAll(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second, clean store.
	svc2, cells2 := newTestService(t)
	result, err := svc2.ImportFile(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Empty(t, result.Errors)

	for _, id := range ids {
		orig, err := cells.GetCellAny(ctx, testProject, id)
		require.NoError(t, err)
		imported, err := cells2.GetCellAny(ctx, testProject, id)
		require.NoError(t, err)

		assert.Equal(t, orig.Title, imported.Title)
		assert.Equal(t, orig.Status, imported.Status)
		assert.Equal(t, orig.Priority, imported.Priority)
		assert.Equal(t, orig.Labels, imported.Labels)
		assert.Equal(t, len(orig.Dependencies), len(imported.Dependencies))
		assert.Equal(t, len(orig.Comments), len(imported.Comments))
		assert.Equal(t, orig.ContentHash, imported.ContentHash, "content hashes must survive the roundtrip")
	}
}

// Importing the same file twice: second pass skips everything.
func TestIdempotentImport(t *testing.T) {
	svc, cells := newTestService(t)
	ctx := context.Background()
	seedCells(t, cells)

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	_, err := svc.ExportAll(ctx, testProject, path)
	require.NoError(t, err)

	svc2, _ := newTestService(t)
	first, err := svc2.ImportFile(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)
	assert.Zero(t, first.Skipped)

	second, err := svc2.ImportFile(ctx, testProject, path)
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Zero(t, second.Updated)
	assert.Equal(t, 2, second.Skipped)
}

func TestIncrementalExportClearsDirty(t *testing.T) {
	svc, cells := newTestService(t)
	ctx := context.Background()
	ids := seedCells(t, cells)

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	n, err := svc.ExportIncremental(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dirty, err := cells.GetDirtyCells(ctx, testProject)
	require.NoError(t, err)
	assert.Empty(t, dirty, "successful export clears the dirty set")

	// Nothing dirty: nothing exported.
	n, err = svc.ExportIncremental(ctx, testProject, path)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Touch one cell; only it re-exports, the file keeps both records.
	require.NoError(t, cells.CloseCell(ctx, testProject, ids[0], "w", "done", ""))
	n, err = svc.ExportIncremental(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := jsonl.ReadCellsFromFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestImportTombstone(t *testing.T) {
	svc, cells := newTestService(t)
	ctx := context.Background()

	c, err := cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-dead", Title: "doomed"})
	require.NoError(t, err)
	require.NoError(t, cells.DeleteCell(ctx, testProject, c.ID, "coord", "obsolete"))

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	_, err = svc.ExportAll(ctx, testProject, path)
	require.NoError(t, err)

	svc2, cells2 := newTestService(t)
	result, err := svc2.ImportFile(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	imported, err := cells2.GetCellAny(ctx, testProject, "cm-dead")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTombstone, imported.Status)
	require.NotNil(t, imported.DeletedAt, "tombstone flag survives via deleted_at")
}

func TestImportAppliesUpdates(t *testing.T) {
	svc, cells := newTestService(t)
	ctx := context.Background()

	_, err := cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-x", Title: "old title"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	_, err = svc.ExportAll(ctx, testProject, path)
	require.NoError(t, err)

	// Edit the exported record out-of-band, as a peer repo would.
	records, err := jsonl.ReadCellsFromFile(path)
	require.NoError(t, err)
	records[0].Title = "new title"
	records[0].UpdatedAt = records[0].UpdatedAt.Add(time.Second)
	require.NoError(t, jsonl.WriteCells(path, records))

	result, err := svc.ImportFile(ctx, testProject, path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	got, err := cells.GetCell(ctx, testProject, "cm-x")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
}
