package client

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/types"
)

func connectEmbedded(t *testing.T) Conn {
	t.Helper()
	t.Setenv(EnvSocketOptOut, "false")

	conn, err := Connect(context.Background(), Options{
		ProjectKey:  "/tmp/proj",
		ProjectPath: t.TempDir(),
		DBPath:      filepath.Join(t.TempDir(), "test.db"),
		Logger:      log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// With the socket opted out, Connect lands on the embedded engine and
// the full Conn surface works in-process.
func TestEmbeddedFallback(t *testing.T) {
	conn := connectEmbedded(t)
	ctx := context.Background()

	created, err := conn.CreateCell(ctx, &types.Cell{Title: "embedded work", Priority: 1})
	require.NoError(t, err)

	got, err := conn.GetCell(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "embedded work", got.Title)

	ready, err := conn.GetNextReadyCell(ctx)
	require.NoError(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, created.ID, ready.ID)

	require.NoError(t, conn.CloseCell(ctx, created.ID, "w", "done", ""))
	_, err = conn.GetCell(ctx, "cm-nope")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestEmbeddedMailFlow(t *testing.T) {
	conn := connectEmbedded(t)
	ctx := context.Background()

	_, err := conn.RegisterAgent(ctx, "coordinator")
	require.NoError(t, err)
	_, err = conn.RegisterAgent(ctx, "worker-1")
	require.NoError(t, err)

	msg, err := conn.SendMessage(ctx, mailbus.SendInput{
		From: "coordinator", To: []string{"worker-1"}, Subject: "hello",
	})
	require.NoError(t, err)

	inbox, err := conn.GetInbox(ctx, "worker-1", mailbus.InboxFilter{})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.NoError(t, conn.MarkRead(ctx, msg.ID, "worker-1"))

	granted, err := conn.Reserve(ctx, "worker-1", []string{"src/**"}, true, time.Hour)
	require.NoError(t, err)
	require.Len(t, granted, 1)

	conflicts, err := conn.CheckConflicts(ctx, "coordinator", []string{"src/main.go"})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
}
