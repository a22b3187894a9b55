package rpc

import (
	"context"
	"encoding/json"
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

// startTestServer brings up a server on a Unix socket in a temp dir and
// returns a connected client.
func startTestServer(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"), sqlite.Options{})
	require.NoError(t, err)

	endpoint := UnixEndpoint(filepath.Join(t.TempDir(), "test.sock"))
	listener, err := endpoint.Listen(ctx)
	require.NoError(t, err)

	server := NewServer(db)
	go func() { _ = server.Serve(ctx, listener) }()
	t.Cleanup(func() {
		server.Close()
		db.Close()
	})

	client, err := Dial(endpoint, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPingAndHealth(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	var pong string
	require.NoError(t, client.Call(ctx, "", OpPing, nil, &pong))
	assert.Equal(t, "pong", pong)

	assert.True(t, client.Healthy(ctx))
}

func TestCellLifecycleOverSocket(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	var created types.Cell
	require.NoError(t, client.Call(ctx, testProject, OpCreateCell, CreateCellArgs{
		Title:    "wire cell",
		CellType: types.TypeTask,
		Priority: 1,
	}, &created))
	require.NotEmpty(t, created.ID)

	var got types.Cell
	require.NoError(t, client.Call(ctx, testProject, OpGetCell, IDArgs{ID: created.ID}, &got))
	assert.Equal(t, "wire cell", got.Title)

	require.NoError(t, client.Call(ctx, testProject, OpCloseCell, StatusArgs{
		ID: created.ID, Actor: "w", Reason: "done",
	}, nil))

	require.NoError(t, client.Call(ctx, testProject, OpGetCell, IDArgs{ID: created.ID}, &got))
	assert.Equal(t, types.StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)

	// Ready selection over the wire: nothing left.
	var ready *types.Cell
	require.NoError(t, client.Call(ctx, testProject, OpNextReadyCell, nil, &ready))
	assert.Nil(t, ready)
}

func TestErrorKindsCrossTheWire(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	err := client.Call(ctx, testProject, OpGetCell, IDArgs{ID: "cm-missing"}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound), "NotFound survives serialization")

	err = client.Call(ctx, testProject, OpCreateCell, CreateCellArgs{Title: ""}, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))

	err = client.Call(ctx, testProject, "no_such_op", nil, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestEventsOverSocket(t *testing.T) {
	client := startTestServer(t)
	ctx := context.Background()

	var ev types.Event
	require.NoError(t, client.Call(ctx, testProject, OpAppendEvent, EventArgs{
		Type:    types.EventCellCreated,
		Payload: json.RawMessage(`{"cell_id":"cm-x"}`),
	}, &ev))
	assert.Equal(t, int64(1), ev.Sequence)

	var latest int64
	require.NoError(t, client.Call(ctx, testProject, OpLatestSequence, nil, &latest))
	assert.Equal(t, int64(1), latest)
}

func TestRequestResponseFraming(t *testing.T) {
	req := Request{
		Op:         OpCreateCell,
		Args:       json.RawMessage(`{"title":"x"}`),
		DeadlineMS: 1500,
		RequestID:  "req-1",
		ProjectKey: testProject,
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"op":"create_cell"`)
	assert.Contains(t, string(raw), `"deadline_ms":1500`)
	assert.Contains(t, string(raw), `"request_id":"req-1"`)

	resp := Response{RequestID: "req-1", OK: false, Error: &ErrorBody{Kind: "not_found", Message: "gone"}}
	raw, err = json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, "not_found", decoded.Error.Kind)
}
