package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellmesh/cellmesh/internal/errs"
)

// Client is a connection to a running daemon. One request is in flight
// per Client at a time; the daemon serializes writes anyway, so clients
// that need parallel reads open more connections.
type Client struct {
	endpoint Endpoint

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Scanner
}

// Dial connects to the daemon at endpoint.
func Dial(endpoint Endpoint, timeout time.Duration) (*Client, error) {
	conn, err := endpoint.Dial(timeout)
	if err != nil {
		return nil, errs.Transport("rpc.Dial", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Client{endpoint: endpoint, conn: conn, reader: scanner}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Call performs one request/response round trip. The context deadline is
// propagated on the wire as deadline_ms and mirrored on the socket, so a
// hung daemon cannot wedge the caller past its deadline.
func (c *Client) Call(ctx context.Context, projectKey, op string, args any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errs.Transport(op, fmt.Errorf("client closed"))
	}

	var rawArgs json.RawMessage
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return errs.Validation(op, "args", err.Error())
		}
		rawArgs = raw
	}

	req := Request{
		Op:         op,
		Args:       rawArgs,
		RequestID:  uuid.NewString(),
		ProjectKey: projectKey,
	}
	deadline, ok := ctx.Deadline()
	if ok {
		req.DeadlineMS = int(time.Until(deadline).Milliseconds())
		_ = c.conn.SetDeadline(deadline)
	} else {
		req.DeadlineMS = int(DefaultRequestTimeout.Milliseconds())
		_ = c.conn.SetDeadline(time.Now().Add(DefaultRequestTimeout))
	}
	defer c.conn.SetDeadline(time.Time{})

	line, err := json.Marshal(req)
	if err != nil {
		return errs.Validation(op, "request", err.Error())
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return errs.Transport(op, err)
	}

	if !c.reader.Scan() {
		scanErr := c.reader.Err()
		if scanErr == nil {
			scanErr = fmt.Errorf("connection closed by daemon")
		}
		return errs.Transport(op, scanErr)
	}

	var resp Response
	if err := json.Unmarshal(c.reader.Bytes(), &resp); err != nil {
		return errs.Transport(op, fmt.Errorf("malformed response: %w", err))
	}
	if resp.RequestID != req.RequestID {
		return errs.Transport(op, fmt.Errorf("response id %q does not match request %q", resp.RequestID, req.RequestID))
	}
	if resp.Error != nil {
		return &errs.Error{Kind: errs.Kind(resp.Error.Kind), Op: op, Message: resp.Error.Message}
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return errs.Transport(op, fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

// Healthy probes the daemon with the health op.
func (c *Client) Healthy(ctx context.Context) bool {
	var result map[string]any
	return c.Call(ctx, "", OpHealth, nil, &result) == nil
}

// ProbeEndpoint dials and health-checks an endpoint in one shot, for the
// daemon startup protocol.
func ProbeEndpoint(ctx context.Context, endpoint Endpoint) bool {
	client, err := Dial(endpoint, 2*time.Second)
	if err != nil {
		return false
	}
	defer client.Close()
	return client.Healthy(ctx)
}
