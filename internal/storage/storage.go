// Package storage declares the DatabaseAdapter trait that every
// other layer (eventlog, cellstore, mailbus, decision) is built against, so
// a future non-sqlite backend only has to satisfy this interface. The only
// backend shipped today is internal/storage/sqlite.
package storage

import (
	"context"
	"database/sql"
	"time"
)

// Adapter is the capability surface every storage backend must provide.
// Domain packages (cellstore, eventlog, mailbus, decision) take an Adapter
// and issue SQL against its DB() handle directly — the adapter owns
// connection lifecycle, transaction semantics, and health reporting, not
// per-table query logic.
type Adapter interface {
	// DB returns the underlying *sql.DB for domain packages to query.
	DB() *sql.DB

	// WithTx runs fn inside a write transaction started with BEGIN
	// IMMEDIATE, retried with exponential backoff on SQLITE_BUSY. fn must
	// issue its statements against the supplied *sql.Conn;
	// the adapter commits on a nil return and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error

	// Checkpoint forces a WAL checkpoint, used by the daemon's clean-shutdown
	// path and by doctor check 1.
	Checkpoint(ctx context.Context) error

	// WALStats reports the current WAL file size and frame count.
	WALStats(ctx context.Context) (WALStats, error)

	// CheckWALHealth returns an error if the WAL has grown unboundedly,
	// which indicates a checkpoint is stuck (doctor check 1).
	CheckWALHealth(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// WALStats describes the write-ahead log's current size.
type WALStats struct {
	SizeBytes  int64
	FrameCount int
	Checkpoint time.Time
}

// Embedder is the capability interface for semantic-memory embedding
// generation. Spec.md's Non-goals exclude embedding *generation*; this
// interface exists only so a future embedding provider has a documented
// seam to implement against. No concrete implementation ships in this
// module.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
