package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cellmesh/cellmesh/internal/cellstore"
	"github.com/cellmesh/cellmesh/internal/decision"
	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/eventlog"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/storage"
)

// DefaultRequestTimeout bounds a request that did not name its own
// deadline.
const DefaultRequestTimeout = 30 * time.Second

// maxLineBytes bounds one request line; large descriptions fit, runaway
// clients do not.
const maxLineBytes = 16 * 1024 * 1024

// Server is the single-writer daemon service: every mutating operation
// funnels through the write semaphore, reads run concurrently.
type Server struct {
	store     storage.Adapter
	cells     *cellstore.Store
	events    *eventlog.Log
	bus       *mailbus.Bus
	decisions *decision.Store

	listener net.Listener
	writeSem *semaphore.Weighted

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	shutdown  bool
	closeOnce sync.Once
	done      chan struct{}

	// OnShutdownRequest is invoked when a client sends the shutdown op.
	// The daemon wires this to its own teardown.
	OnShutdownRequest func()
}

// NewServer builds a Server over an opened storage adapter.
func NewServer(store storage.Adapter) *Server {
	return &Server{
		store:     store,
		cells:     cellstore.New(store),
		events:    eventlog.New(store),
		bus:       mailbus.New(store),
		decisions: decision.New(store),
		writeSem:  semaphore.NewWeighted(1),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// Serve accepts connections on l until Close. Each connection gets its
// own goroutine; requests on one connection are handled in order.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		resp := Response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = &ErrorBody{Kind: string(errs.KindValidation), Message: "malformed request: " + err.Error()}
		} else {
			resp = s.dispatch(ctx, &req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			// Result marshaling failed; report rather than drop the request.
			out, _ = json.Marshal(Response{
				RequestID: resp.RequestID,
				Error:     &ErrorBody{Kind: string(errs.KindExternal), Message: err.Error()},
			})
		}
		if _, err := writer.Write(append(out, '\n')); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// dispatch runs one request under its deadline and packages the outcome.
func (s *Server) dispatch(ctx context.Context, req *Request) Response {
	timeout := DefaultRequestTimeout
	if req.DeadlineMS > 0 {
		timeout = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.handle(opCtx, req)
	resp := Response{RequestID: req.RequestID}
	if err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			err = errs.Timeout(req.Op, int(timeout.Milliseconds()))
		}
		kind, ok := errs.KindOf(err)
		if !ok {
			kind = errs.KindExternal
		}
		resp.Error = &ErrorBody{Kind: string(kind), Message: err.Error()}
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &ErrorBody{Kind: string(errs.KindExternal), Message: err.Error()}
		return resp
	}
	resp.OK = true
	resp.Result = raw
	return resp
}

// serialized runs fn holding the write lock; the daemon is the single
// writer, so mutations across connections cannot interleave.
func (s *Server) serialized(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.writeSem.Release(1)
	return fn()
}

func decodeArgs[T any](req *Request) (T, error) {
	var args T
	if len(req.Args) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return args, errs.Validation(req.Op, "args", err.Error())
	}
	return args, nil
}
