package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ev, err := l.Append(ctx, "/p1", types.EventCellCreated, map[string]any{"n": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i), ev.Sequence, "sequence is gapless within a session")
	}

	// A second project gets its own sequence.
	ev, err := l.Append(ctx, "/p2", types.EventCellCreated, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Sequence)

	latest, err := l.LatestSequence(ctx, "/p1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest)

	latest, err = l.LatestSequence(ctx, "/empty")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestReadFilters(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "/p", types.EventCellCreated, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "/p", types.EventCellStatusChanged, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, "/p", types.EventCellClosed, nil)
	require.NoError(t, err)

	events, err := l.Read(ctx, ReadFilter{ProjectKey: "/p"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}

	events, err = l.Read(ctx, ReadFilter{ProjectKey: "/p", SinceSequence: 1})
	require.NoError(t, err)
	require.Len(t, events, 2)

	events, err = l.Read(ctx, ReadFilter{ProjectKey: "/p", Types: []types.EventType{types.EventCellClosed}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCellClosed, events[0].Type)

	events, err = l.Read(ctx, ReadFilter{ProjectKey: "/p", Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}
