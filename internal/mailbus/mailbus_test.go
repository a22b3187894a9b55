package mailbus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
	"github.com/cellmesh/cellmesh/internal/types"
)

const testProject = "/tmp/proj"

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestRegisterAndTouchAgent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	agent, err := b.RegisterAgent(ctx, testProject, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", agent.Name)
	assert.False(t, agent.RegisteredAt.IsZero())

	// Re-registering refreshes last_active_at, does not error.
	_, err = b.RegisterAgent(ctx, testProject, "worker-1")
	require.NoError(t, err)

	require.NoError(t, b.TouchAgent(ctx, testProject, "worker-1"))
	err = b.TouchAgent(ctx, testProject, "ghost")
	require.True(t, errs.Is(err, errs.KindNotFound))

	_, err = b.RegisterAgent(ctx, testProject, "  ")
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestSendMessageAndInbox(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for _, name := range []string{"coordinator", "worker-1", "worker-2"} {
		_, err := b.RegisterAgent(ctx, testProject, name)
		require.NoError(t, err)
	}

	msg, err := b.SendMessage(ctx, testProject, SendInput{
		From:        "coordinator",
		To:          []string{"worker-1", "worker-2"},
		Subject:     "split the epic",
		Body:        "worker-1 takes auth, worker-2 takes storage",
		Importance:  types.ImportanceHigh,
		AckRequired: true,
	})
	require.NoError(t, err)
	require.NotZero(t, msg.ID)
	require.NotEmpty(t, msg.ThreadID)

	inbox, err := b.GetInbox(ctx, testProject, "worker-1", InboxFilter{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "split the epic", inbox[0].Message.Subject)
	assert.Nil(t, inbox[0].ReadAt)

	// Unacked projection holds the message until worker-1 acks.
	unacked, err := b.GetInbox(ctx, testProject, "worker-1", InboxFilter{UnackedOnly: true})
	require.NoError(t, err)
	require.Len(t, unacked, 1)

	require.NoError(t, b.Ack(ctx, testProject, msg.ID, "worker-1"))

	unacked, err = b.GetInbox(ctx, testProject, "worker-1", InboxFilter{UnackedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unacked)

	// Ack implies read.
	inbox, err = b.GetInbox(ctx, testProject, "worker-1", InboxFilter{})
	require.NoError(t, err)
	require.NotNil(t, inbox[0].ReadAt)
	require.NotNil(t, inbox[0].AckedAt)

	// worker-2 still owes an ack.
	unacked, err = b.GetInbox(ctx, testProject, "worker-2", InboxFilter{UnackedOnly: true})
	require.NoError(t, err)
	require.Len(t, unacked, 1)
}

func TestSendMessageToUnknownAgent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, testProject, "coordinator")
	require.NoError(t, err)

	_, err = b.SendMessage(ctx, testProject, SendInput{
		From: "coordinator",
		To:   []string{"nobody"},
	})
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestThreadOrdering(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := b.RegisterAgent(ctx, testProject, name)
		require.NoError(t, err)
	}

	first, err := b.SendMessage(ctx, testProject, SendInput{From: "a", To: []string{"b"}, Subject: "start"})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, testProject, SendInput{From: "b", To: []string{"a"}, Subject: "re: start", ThreadID: first.ThreadID})
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, testProject, SendInput{From: "a", To: []string{"b"}, Subject: "re: re: start", ThreadID: first.ThreadID})
	require.NoError(t, err)

	msgs, err := b.GetThreadMessages(ctx, testProject, first.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "start", msgs[0].Subject)
	assert.Equal(t, "re: re: start", msgs[2].Subject)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

// Reservation conflict: α holds src/auth/** exclusive; β's exclusive
// request on a file inside it conflicts, β's shared request does not.
func TestReservationConflict(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta"} {
		_, err := b.RegisterAgent(ctx, testProject, name)
		require.NoError(t, err)
	}

	granted, err := b.Reserve(ctx, testProject, "alpha", []string{"src/auth/**"}, true, time.Hour)
	require.NoError(t, err)
	require.Len(t, granted, 1)

	conflicts, err := b.CheckConflicts(ctx, testProject, "beta", []string{"src/auth/login.ts"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "alpha", conflicts[0].Holder.AgentName)

	_, err = b.Reserve(ctx, testProject, "beta", []string{"src/auth/login.ts"}, true, time.Hour)
	require.True(t, errs.Is(err, errs.KindConflict))

	// Non-exclusive on the same path succeeds.
	shared, err := b.Reserve(ctx, testProject, "beta", []string{"src/auth/login.ts"}, false, time.Hour)
	require.NoError(t, err)
	require.Len(t, shared, 1)

	// Disjoint exclusive path also succeeds.
	_, err = b.Reserve(ctx, testProject, "beta", []string{"src/storage/**"}, true, time.Hour)
	require.NoError(t, err)
}

func TestReservationReleaseAndExpiry(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, testProject, "alpha")
	require.NoError(t, err)

	granted, err := b.Reserve(ctx, testProject, "alpha", []string{"docs/**", "README.md"}, true, time.Hour)
	require.NoError(t, err)
	require.Len(t, granted, 2)

	active, err := b.GetActiveReservations(ctx, testProject, "alpha")
	require.NoError(t, err)
	require.Len(t, active, 2)

	released, err := b.Release(ctx, testProject, "alpha", []string{"docs/**"})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// Releasing by reservation ID works too.
	released, err = b.Release(ctx, testProject, "alpha", []string{granted[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	active, err = b.GetActiveReservations(ctx, testProject, "alpha")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestExpiredReservationInvisible(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	_, err := b.RegisterAgent(ctx, testProject, "alpha")
	require.NoError(t, err)

	// Shortest possible lease, then wait it out.
	_, err = b.Reserve(ctx, testProject, "alpha", []string{"src/**"}, true, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	conflicts, err := b.CheckConflicts(ctx, testProject, "beta", []string{"src/main.go"})
	require.NoError(t, err)
	assert.Empty(t, conflicts, "expired reservations do not conflict")

	swept, err := b.SweepExpired(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}
