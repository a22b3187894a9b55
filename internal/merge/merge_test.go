package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/types"
)

var baseTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func liveCell(id, title string) Cell {
	return Cell{Cell: types.Cell{
		ID:        id,
		Title:     title,
		Status:    types.StatusOpen,
		CellType:  types.TypeTask,
		Priority:  2,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}}
}

func tombstone(id string, deletedAt time.Time) Cell {
	c := liveCell(id, "deleted")
	c.Status = types.StatusTombstone
	c.DeletedAt = &deletedAt
	c.UpdatedAt = deletedAt
	return c
}

// Fresh tombstone beats a concurrent edit.
func TestMergeTombstoneWinsOverEdit(t *testing.T) {
	base := []Cell{liveCell("c1", "A")}

	left := []Cell{tombstone("c1", time.Now().UTC())}

	edited := liveCell("c1", "B")
	edited.UpdatedAt = baseTime.Add(time.Hour)
	right := []Cell{edited}

	result, conflicts := Merge3WayWithTTL(base, left, right, DefaultTombstoneTTL, false)
	assert.Empty(t, conflicts)
	require.Len(t, result, 1)
	assert.Equal(t, types.StatusTombstone, result[0].Status)
}

// An expired tombstone loses: the live edit is resurrected.
func TestMergeExpiredTombstoneResurrection(t *testing.T) {
	base := []Cell{liveCell("c1", "A")}
	left := []Cell{tombstone("c1", time.Now().UTC().Add(-31*24*time.Hour))}

	edited := liveCell("c1", "B")
	edited.UpdatedAt = baseTime.Add(time.Hour)
	right := []Cell{edited}

	result, conflicts := Merge3WayWithTTL(base, left, right, DefaultTombstoneTTL, false)
	assert.Empty(t, conflicts)
	require.Len(t, result, 1)
	assert.Equal(t, types.StatusOpen, result[0].Status)
	assert.Equal(t, "B", result[0].Title)
}

// The TTL boundary: TTL+grace+epsilon past is expired, one second
// younger is not.
func TestTombstoneTTLBoundary(t *testing.T) {
	justExpired := tombstone("c1", time.Now().UTC().Add(-(DefaultTombstoneTTL + ClockSkewGrace + 2*time.Second)))
	assert.True(t, IsExpiredTombstone(justExpired, DefaultTombstoneTTL))

	justAlive := tombstone("c2", time.Now().UTC().Add(-(DefaultTombstoneTTL + ClockSkewGrace - time.Second)))
	assert.False(t, IsExpiredTombstone(justAlive, DefaultTombstoneTTL))
}

func TestMergeTwoTombstonesLaterWins(t *testing.T) {
	earlier := time.Now().UTC().Add(-2 * time.Hour)
	later := time.Now().UTC().Add(-1 * time.Hour)

	leftT := tombstone("c1", earlier)
	leftT.DeletedBy = "left"
	rightT := tombstone("c1", later)
	rightT.DeletedBy = "right"

	result, _ := Merge3WayWithTTL([]Cell{liveCell("c1", "A")}, []Cell{leftT}, []Cell{rightT}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	assert.Equal(t, "right", result[0].DeletedBy)
}

func TestMergeDeletionWinsOverModification(t *testing.T) {
	base := []Cell{liveCell("c1", "A")}
	// Left dropped the record entirely (no tombstone); right modified it.
	edited := liveCell("c1", "B")
	result, _ := Merge3WayWithTTL(base, nil, []Cell{edited}, DefaultTombstoneTTL, false)
	assert.Empty(t, result, "plain deletion wins over modification")
}

func TestMergeAddedBothSides(t *testing.T) {
	left := liveCell("c1", "title")
	left.Labels = []string{"left-label"}
	right := liveCell("c1", "title")
	right.Labels = []string{"right-label"}
	right.Priority = 1

	result, _ := Merge3WayWithTTL(nil, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	assert.Equal(t, []string{"left-label", "right-label"}, result[0].Labels, "labels union, left first")
	assert.Equal(t, 1, result[0].Priority, "explicit priority beats the default")
}

func TestMergeFieldRules(t *testing.T) {
	base := liveCell("c1", "original")
	base.Description = "desc"
	base.Assignee = "nobody"

	left := base
	left.Title = "left title"
	left.UpdatedAt = baseTime.Add(2 * time.Hour)
	left.Assignee = "alice"

	right := base
	right.Title = "right title"
	right.UpdatedAt = baseTime.Add(1 * time.Hour)
	right.Assignee = "bob"

	result, _ := Merge3WayWithTTL([]Cell{base}, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	assert.Equal(t, "left title", result[0].Title, "later updated_at wins a true title conflict")
	assert.Equal(t, "alice", result[0].Assignee, "assignee conflict resolves left")
	assert.Equal(t, left.UpdatedAt, result[0].UpdatedAt, "updated_at is max(left, right)")
}

func TestMergeStatusClosedDominates(t *testing.T) {
	base := liveCell("c1", "x")

	left := base
	left.Status = types.StatusInProgress

	closedAt := baseTime.Add(time.Hour)
	right := base
	right.Status = types.StatusClosed
	right.ClosedAt = &closedAt
	right.CloseReason = "done"

	result, _ := Merge3WayWithTTL([]Cell{base}, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	assert.Equal(t, types.StatusClosed, result[0].Status)
	require.NotNil(t, result[0].ClosedAt)
	assert.Equal(t, "done", result[0].CloseReason)
}

func TestMergePriorityZeroIsUnset(t *testing.T) {
	cases := []struct {
		base, left, right, want int
	}{
		{0, 0, 3, 3},  // unset loses to an explicit priority
		{2, 0, 2, 2},  // base value plays no part: 0 is unset even when only left moved
		{2, 2, 0, 2},  // mirror image
		{0, 1, 2, 1},  // both explicit: lower (more urgent) wins
		{3, 2, 1, 1},
		{1, 0, 0, 0},  // both unset stays unset
		{2, 3, 3, 3},  // agreement wins regardless of base
	}
	for _, tc := range cases {
		base := liveCell("c1", "x")
		base.Priority = tc.base
		left := base
		left.Priority = tc.left
		right := base
		right.Priority = tc.right

		result, _ := Merge3WayWithTTL([]Cell{base}, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
		require.Len(t, result, 1)
		assert.Equal(t, tc.want, result[0].Priority,
			"base=%d left=%d right=%d", tc.base, tc.left, tc.right)
	}
}

func TestMergeDependencyUnion(t *testing.T) {
	base := liveCell("c1", "x")

	left := base
	left.Dependencies = []*types.Dependency{{DependsOnID: "c2", Type: types.DepBlocks}}
	right := base
	right.Dependencies = []*types.Dependency{
		{DependsOnID: "c2", Type: types.DepBlocks}, // duplicate
		{DependsOnID: "c3", Type: types.DepRelated},
	}

	result, _ := Merge3WayWithTTL([]Cell{base}, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	require.Len(t, result[0].Dependencies, 2, "dedup on depends_on_id:type")
	assert.Equal(t, "c2", result[0].Dependencies[0].DependsOnID)
	assert.Equal(t, "c3", result[0].Dependencies[1].DependsOnID)
}

// Dependencies are a pure union: a base edge dropped on one side but
// kept on the other survives, same as labels and comments.
func TestMergeDependencyKeptSideWins(t *testing.T) {
	base := liveCell("c1", "x")
	base.Dependencies = []*types.Dependency{{DependsOnID: "c2", Type: types.DepBlocks}}

	left := base
	left.Dependencies = nil // left removed the edge
	right := base           // right kept it

	result, _ := Merge3WayWithTTL([]Cell{base}, []Cell{left}, []Cell{right}, DefaultTombstoneTTL, false)
	require.Len(t, result, 1)
	require.Len(t, result[0].Dependencies, 1)
	assert.Equal(t, "c2", result[0].Dependencies[0].DependsOnID)
}

// Determinism: the same inputs merge identically run after run, and the
// output is sorted by ID.
func TestMergeDeterminism(t *testing.T) {
	base := []Cell{liveCell("c1", "one"), liveCell("c2", "two"), liveCell("c3", "three")}

	left := []Cell{liveCell("c1", "one-left"), liveCell("c2", "two"), liveCell("c3", "three")}
	left[0].UpdatedAt = baseTime.Add(time.Hour)

	right := []Cell{liveCell("c1", "one"), liveCell("c2", "two-right"), liveCell("c4", "four")}
	right[1].UpdatedAt = baseTime.Add(time.Hour)

	first, _ := Merge3WayWithTTL(base, left, right, DefaultTombstoneTTL, false)
	for i := 0; i < 10; i++ {
		again, _ := Merge3WayWithTTL(base, left, right, DefaultTombstoneTTL, false)
		require.Equal(t, first, again, "merge must be deterministic")
	}

	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].ID, first[i].ID, "output sorted by ID")
	}
}
