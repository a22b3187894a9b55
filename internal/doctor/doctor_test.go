package doctor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

const testProject = "/tmp/proj"

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func findCheck(t *testing.T, report *Report, name string) CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q missing from report", name)
	return CheckResult{}
}

func TestCleanStorePasses(t *testing.T) {
	db := newTestDB(t)
	report, err := New(db).Run(context.Background(), testProject, Options{})
	require.NoError(t, err)
	require.Len(t, report.Checks, 6)
	assert.True(t, report.AllPassed())
	for _, c := range report.Checks {
		assert.Equal(t, StatusPass, c.Status, c.Name)
	}
}

// A blocked cell whose only blocker has closed is a zombie: doctor
// reports it fixable, fixes it with fix on, and a second fixing run
// finds nothing.
func TestZombieBlockedFixPoint(t *testing.T) {
	db := newTestDB(t)
	cells := cellstore.New(db)
	ctx := context.Background()

	blocker, err := cells.CreateCell(ctx, testProject, &types.Cell{Title: "blocker"})
	require.NoError(t, err)
	stuck, err := cells.CreateCell(ctx, testProject, &types.Cell{Title: "stuck"})
	require.NoError(t, err)

	require.NoError(t, cells.AddDependency(ctx, testProject, stuck.ID, blocker.ID, types.DepBlocks, ""))
	require.NoError(t, cells.ChangeCellStatus(ctx, testProject, stuck.ID, types.StatusBlocked, "", ""))
	require.NoError(t, cells.CloseCell(ctx, testProject, blocker.ID, "w", "done", ""))

	d := New(db)
	report, err := d.Run(ctx, testProject, Options{})
	require.NoError(t, err)
	check := findCheck(t, report, "zombie_blocked")
	assert.Equal(t, StatusFail, check.Status)
	assert.True(t, check.Fixable)
	assert.Equal(t, []string{stuck.ID}, check.Details)

	report, err = d.Run(ctx, testProject, Options{Fix: true})
	require.NoError(t, err)
	check = findCheck(t, report, "zombie_blocked")
	assert.Equal(t, 1, check.Fixed)

	got, err := cells.GetCell(ctx, testProject, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, got.Status)

	report, err = d.Run(ctx, testProject, Options{Fix: true})
	require.NoError(t, err)
	check = findCheck(t, report, "zombie_blocked")
	assert.Equal(t, StatusPass, check.Status)
	assert.Zero(t, check.Fixed, "fix-point: nothing left to fix")
}

func TestOrphanedCellFix(t *testing.T) {
	db := newTestDB(t)
	cells := cellstore.New(db)
	ctx := context.Background()

	parent, err := cells.CreateCell(ctx, testProject, &types.Cell{Title: "parent", CellType: types.TypeEpic})
	require.NoError(t, err)
	_, err = cells.CreateCell(ctx, testProject, &types.Cell{ID: "cm-kid", Title: "child", ParentID: parent.ID})
	require.NoError(t, err)

	// Orphan the child behind the store's back (FK is ON DELETE SET NULL,
	// so simulate a half-migrated row instead).
	_, err = db.DB().ExecContext(ctx, `PRAGMA foreign_keys=OFF`)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx,
		`UPDATE cells SET parent_id = 'cm-gone' WHERE project_key = ? AND id = 'cm-kid'`, testProject)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx, `PRAGMA foreign_keys=ON`)
	require.NoError(t, err)

	d := New(db)
	report, err := d.Run(ctx, testProject, Options{})
	require.NoError(t, err)
	check := findCheck(t, report, "orphaned_cells")
	assert.Equal(t, StatusFail, check.Status)

	report, err = d.Run(ctx, testProject, Options{Fix: true})
	require.NoError(t, err)
	check = findCheck(t, report, "orphaned_cells")
	assert.Equal(t, 1, check.Fixed)

	got, err := cells.GetCell(ctx, testProject, "cm-kid")
	require.NoError(t, err)
	assert.Empty(t, got.ParentID)
}

func TestStaleReservationFix(t *testing.T) {
	db := newTestDB(t)
	bus := mailbus.New(db)
	ctx := context.Background()

	_, err := bus.RegisterAgent(ctx, testProject, "alpha")
	require.NoError(t, err)
	_, err = bus.Reserve(ctx, testProject, "alpha", []string{"src/**"}, true, 5*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(15 * time.Millisecond)

	d := New(db)
	report, err := d.Run(ctx, testProject, Options{Fix: true})
	require.NoError(t, err)
	check := findCheck(t, report, "stale_reservations")
	assert.Equal(t, 1, check.Fixed)
}

func TestGhostWorkerWarns(t *testing.T) {
	db := newTestDB(t)
	cells := cellstore.New(db)
	bus := mailbus.New(db)
	ctx := context.Background()

	_, err := bus.RegisterAgent(ctx, testProject, "sleepy")
	require.NoError(t, err)
	c, err := cells.CreateCell(ctx, testProject, &types.Cell{Title: "abandoned", Assignee: "sleepy"})
	require.NoError(t, err)
	require.NoError(t, cells.ChangeCellStatus(ctx, testProject, c.ID, types.StatusInProgress, "sleepy", ""))

	// Push the agent's heartbeat three hours into the past.
	_, err = db.DB().ExecContext(ctx,
		`UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = 'sleepy'`,
		time.Now().Add(-3*time.Hour).UnixMilli(), testProject)
	require.NoError(t, err)

	report, err := New(db).Run(ctx, testProject, Options{})
	require.NoError(t, err)
	check := findCheck(t, report, "ghost_workers")
	assert.Equal(t, StatusWarn, check.Status)
	assert.False(t, check.Fixable)
	assert.True(t, report.AllPassed(), "warnings alone do not fail the run")
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags(nil)
	require.NoError(t, err)
	assert.False(t, flags.Fix)
	assert.False(t, flags.JSON)

	flags, err = ParseFlags([]string{"--json", "--fix"})
	require.NoError(t, err)
	assert.True(t, flags.Fix)
	assert.True(t, flags.JSON)

	flags, err = ParseFlags([]string{"--fix", "--json"})
	require.NoError(t, err)
	assert.True(t, flags.Fix)
	assert.True(t, flags.JSON)

	_, err = ParseFlags([]string{"--bogus"})
	require.Error(t, err)
}

func TestFormatReportTruncatesDetails(t *testing.T) {
	report := &Report{
		ProjectKey: testProject,
		Checks: []CheckResult{{
			Name:    "orphaned_cells",
			Status:  StatusFail,
			Message: "8 cells have a nonexistent parent",
			Fixable: true,
			Details: []string{"a", "b", "c", "d", "e", "f", "g", "h"},
		}},
	}
	text := FormatReport(report)
	assert.Contains(t, text, "… and 3 more")
	assert.NotContains(t, text, "\n      f\n")
	assert.Contains(t, text, "unfixed failures remain")
}
