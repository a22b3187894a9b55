package cellstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

const testProject = "/tmp/proj"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func mustCreate(t *testing.T, s *Store, cell *types.Cell) *types.Cell {
	t.Helper()
	created, err := s.CreateCell(context.Background(), testProject, cell)
	require.NoError(t, err)
	return created
}

func TestCreateAndGetCell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := mustCreate(t, s, &types.Cell{Title: "first cell", CellType: types.TypeTask, Priority: 1})
	require.NotEmpty(t, created.ID)

	got, err := s.GetCell(ctx, testProject, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "first cell", got.Title)
	assert.Equal(t, types.StatusOpen, got.Status)
	assert.Equal(t, 1, got.Priority)
	assert.NotEmpty(t, got.ContentHash)
}

func TestCreateCellValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateCell(ctx, testProject, &types.Cell{Title: ""})
	require.True(t, errs.Is(err, errs.KindValidation))

	_, err = s.CreateCell(ctx, testProject, &types.Cell{Title: "x", Priority: 9})
	require.True(t, errs.Is(err, errs.KindValidation))

	_, err = s.CreateCell(ctx, testProject, &types.Cell{Title: "x", ParentID: "nope"})
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestStatusMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, s, &types.Cell{Title: "work"})

	require.NoError(t, s.ChangeCellStatus(ctx, testProject, c.ID, types.StatusInProgress, "worker-1", ""))
	require.NoError(t, s.CloseCell(ctx, testProject, c.ID, "worker-1", "done", "shipped it"))

	got, err := s.GetCell(ctx, testProject, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt, "closing must set closed_at")
	assert.Equal(t, "done", got.CloseReason)
	assert.Equal(t, "shipped it", got.Result)

	// closed -> blocked is illegal
	err = s.ChangeCellStatus(ctx, testProject, c.ID, types.StatusBlocked, "worker-1", "")
	require.True(t, errs.Is(err, errs.KindInvalidTransition))

	// reopen clears closure fields
	require.NoError(t, s.ReopenCell(ctx, testProject, c.ID, "worker-1"))
	got, err = s.GetCell(ctx, testProject, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, got.Status)
	assert.Nil(t, got.ClosedAt, "reopening must clear closed_at")
	assert.Empty(t, got.CloseReason)
}

func TestDeleteCellTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, s, &types.Cell{Title: "doomed"})
	require.NoError(t, s.DeleteCell(ctx, testProject, c.ID, "coordinator", "duplicate"))

	_, err := s.GetCell(ctx, testProject, c.ID)
	require.True(t, errs.Is(err, errs.KindNotFound), "tombstones are invisible to GetCell")

	raw, err := s.GetCellAny(ctx, testProject, c.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTombstone, raw.Status)
	require.NotNil(t, raw.DeletedAt)
	assert.Equal(t, "coordinator", raw.DeletedBy)

	// tombstone is terminal
	err = s.ChangeCellStatus(ctx, testProject, c.ID, types.StatusOpen, "x", "")
	require.True(t, errs.Is(err, errs.KindInvalidTransition))
}

// Epic lifecycle: children block each other, epic becomes closure
// eligible only when all children close.
func TestEpicLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	epic := mustCreate(t, s, &types.Cell{Title: "epic", CellType: types.TypeEpic, Priority: 1})
	a := mustCreate(t, s, &types.Cell{Title: "child A", Priority: 1, ParentID: epic.ID})
	b := mustCreate(t, s, &types.Cell{Title: "child B", Priority: 2, ParentID: epic.ID})

	// A blocks B: B depends on A.
	require.NoError(t, s.AddDependency(ctx, testProject, b.ID, a.ID, types.DepBlocks, "coord"))

	next, err := s.GetNextReadyCell(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, next.ID, "A is ready, B is blocked behind it")

	blockers, err := s.GetBlockers(ctx, testProject, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, blockers)

	eligible, err := s.IsEpicClosureEligible(ctx, testProject, epic.ID)
	require.NoError(t, err)
	assert.False(t, eligible)

	require.NoError(t, s.CloseCell(ctx, testProject, a.ID, "worker", "done", ""))

	next, err = s.GetNextReadyCell(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID, "closing A unblocks B")

	require.NoError(t, s.CloseCell(ctx, testProject, b.ID, "worker", "done", ""))

	eligible, err = s.IsEpicClosureEligible(ctx, testProject, epic.ID)
	require.NoError(t, err)
	assert.True(t, eligible)
}

// Cycle rejection: Z->X on top of X->Y->Z closes a loop and is refused
// leaving cells and prior edges unchanged.
func TestDependencyCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	x := mustCreate(t, s, &types.Cell{Title: "X"})
	y := mustCreate(t, s, &types.Cell{Title: "Y"})
	z := mustCreate(t, s, &types.Cell{Title: "Z"})

	require.NoError(t, s.AddDependency(ctx, testProject, x.ID, y.ID, types.DepBlocks, ""))
	require.NoError(t, s.AddDependency(ctx, testProject, y.ID, z.ID, types.DepBlocks, ""))

	err := s.AddDependency(ctx, testProject, z.ID, x.ID, types.DepBlocks, "")
	require.True(t, errs.Is(err, errs.KindDependencyCycle))

	deps, err := s.GetDependencies(ctx, testProject, z.ID)
	require.NoError(t, err)
	assert.Empty(t, deps, "rejected edge must not be recorded")

	deps, err = s.GetDependencies(ctx, testProject, x.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1, "prior edges survive the rejection")
}

func TestSelfDependencyRejected(t *testing.T) {
	s := newTestStore(t)
	c := mustCreate(t, s, &types.Cell{Title: "solo"})
	err := s.AddDependency(context.Background(), testProject, c.ID, c.ID, types.DepBlocks, "")
	require.True(t, errs.Is(err, errs.KindDependencyCycle))
}

func TestNonBlockingDepsSkipCycleCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, &types.Cell{Title: "A"})
	b := mustCreate(t, s, &types.Cell{Title: "B"})

	require.NoError(t, s.AddDependency(ctx, testProject, a.ID, b.ID, types.DepRelated, ""))
	require.NoError(t, s.AddDependency(ctx, testProject, b.ID, a.ID, types.DepRelated, ""))
}

func TestReadyTieBreakOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &types.Cell{ID: "cm-bbb", Title: "low priority", Priority: 2})
	mustCreate(t, s, &types.Cell{ID: "cm-zzz", Title: "high priority", Priority: 0})
	mustCreate(t, s, &types.Cell{ID: "cm-aaa", Title: "also high", Priority: 0})

	next, err := s.GetNextReadyCell(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, next)
	// cm-zzz and cm-aaa share priority 0; created_at may tie at
	// millisecond resolution, then the lexicographic ID decides.
	assert.Equal(t, 0, next.Priority)
}

func TestReadyExcludesTombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	only := mustCreate(t, s, &types.Cell{Title: "only"})
	require.NoError(t, s.DeleteCell(ctx, testProject, only.ID, "x", ""))

	next, err := s.GetNextReadyCell(ctx, testProject)
	require.NoError(t, err)
	assert.Nil(t, next, "a tombstone is never ready")
}

func TestResolvePartialID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &types.Cell{ID: "cm-alpha1", Title: "a"})
	mustCreate(t, s, &types.Cell{ID: "cm-alpha2", Title: "b"})
	mustCreate(t, s, &types.Cell{ID: "cm-beta11", Title: "c"})

	full, err := s.ResolvePartialID(ctx, testProject, "beta")
	require.NoError(t, err)
	assert.Equal(t, "cm-beta11", full)

	full, err = s.ResolvePartialID(ctx, testProject, "nothing")
	require.NoError(t, err)
	assert.Empty(t, full, "zero matches resolves to empty, not an error")

	_, err = s.ResolvePartialID(ctx, testProject, "alpha")
	require.True(t, errs.Is(err, errs.KindAmbiguousID))

	// An exact full-ID hit wins even when it is also a substring of others.
	full, err = s.ResolvePartialID(ctx, testProject, "cm-alpha1")
	require.NoError(t, err)
	assert.Equal(t, "cm-alpha1", full)
}

func TestUpdateCell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, s, &types.Cell{Title: "before"})
	title := "after"
	pri := 0
	require.NoError(t, s.UpdateCell(ctx, testProject, c.ID, CellUpdate{Title: &title, Priority: &pri}, "coord"))

	got, err := s.GetCell(ctx, testProject, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, 0, got.Priority)

	bad := 7
	err = s.UpdateCell(ctx, testProject, c.ID, CellUpdate{Priority: &bad}, "coord")
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestLabelsAndComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := mustCreate(t, s, &types.Cell{Title: "labeled"})

	require.NoError(t, s.AddLabel(ctx, testProject, c.ID, "backend", "coord"))
	require.NoError(t, s.AddLabel(ctx, testProject, c.ID, "auth", "coord"))
	require.NoError(t, s.AddLabel(ctx, testProject, c.ID, "backend", "coord")) // idempotent

	labels, err := s.GetLabels(ctx, testProject, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "backend"}, labels)

	require.NoError(t, s.RemoveLabel(ctx, testProject, c.ID, "auth", "coord"))
	err = s.RemoveLabel(ctx, testProject, c.ID, "auth", "coord")
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = s.AddComment(ctx, testProject, c.ID, "worker-1", "looks good")
	require.NoError(t, err)
	_, err = s.AddComment(ctx, testProject, c.ID, "worker-2", "second opinion")
	require.NoError(t, err)

	comments, err := s.GetComments(ctx, testProject, c.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "worker-1", comments[0].Author)
}

func TestDirtySetLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, &types.Cell{Title: "A"})
	b := mustCreate(t, s, &types.Cell{Title: "B"})

	dirty, err := s.GetDirtyCells(ctx, testProject)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, dirty, "creation marks dirty")

	require.NoError(t, s.ClearDirty(ctx, testProject, dirty))
	dirty, err = s.GetDirtyCells(ctx, testProject)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	require.NoError(t, s.CloseCell(ctx, testProject, a.ID, "w", "done", ""))
	dirty, err = s.GetDirtyCells(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, dirty, "status change re-marks dirty")
}

func TestProjectScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, &types.Cell{ID: "cm-shared", Title: "in proj 1"})
	_, err := s.CreateCell(ctx, "/tmp/other", &types.Cell{ID: "cm-shared", Title: "in proj 2"})
	require.NoError(t, err, "same ID in a different project is fine")

	_, err = s.GetCell(ctx, "/tmp/other", "cm-shared")
	require.NoError(t, err)

	cells, err := s.QueryCells(ctx, testProject, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, "in proj 1", cells[0].Title)
}
