// Package sqlite implements the storage.Adapter trait on top of
// github.com/ncruces/go-sqlite3, a pure-Go SQLite engine running inside a
// wazero Wasm runtime. Because the engine itself runs in Wasm, a corrupted
// database can surface as a runtime trap rather than an ordinary SQLite
// error code — internal/daemon's startup protocol recognizes such a trap
// as a corruption signal alongside a plain SQLITE_CORRUPT result code.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the "sqlite3" driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the Wasm build of SQLite

	"github.com/cellmesh/cellmesh/internal/storage"
)

// DB wraps a *sql.DB opened against a single SQLite file, implementing
// storage.Adapter.
type DB struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Options configures how a database file is opened.
type Options struct {
	ReadOnly    bool
	LockTimeout time.Duration // busy_timeout pragma; default 5s
}

// Open opens (creating if necessary) the SQLite database at path, sets the
// pragmas the rest of this package assumes (foreign keys on, WAL mode,
// busy_timeout), and runs all pending migrations.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	if opts.LockTimeout == 0 {
		opts.LockTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)",
		path, opts.LockTimeout.Milliseconds())
	if opts.ReadOnly {
		dsn += "&mode=ro"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// The Wasm-backed driver serializes all access through one OS-level
	// connection per *sql.DB; a pool wider than 1 just means database/sql
	// hands out connections that immediately contend on the same file lock.
	sqlDB.SetMaxOpenConns(1)

	if !opts.ReadOnly {
		if _, err := sqlDB.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	d := &DB{db: sqlDB, path: path, readOnly: opts.ReadOnly}

	if !opts.ReadOnly {
		if err := RunMigrations(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return d, nil
}

func (d *DB) DB() *sql.DB { return d.db }

func (d *DB) Close() error {
	return d.db.Close()
}

// Checkpoint forces a WAL checkpoint (daemon clean-shutdown step).
func (d *DB) Checkpoint(ctx context.Context) error {
	defer logIfSlow("checkpoint", time.Now())
	_, err := d.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return wrapDBError("checkpoint", err)
}

// WALStats reports the WAL's current frame count via PRAGMA wal_checkpoint,
// which returns (busy, log_frames, checkpointed_frames) without forcing a
// full checkpoint when called with PASSIVE mode.
func (d *DB) WALStats(ctx context.Context) (storage.WALStats, error) {
	row := d.db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(PASSIVE)`)
	var busy, logFrames, checkpointed int
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return storage.WALStats{}, wrapDBError("wal stats", err)
	}
	return storage.WALStats{
		FrameCount: logFrames,
		SizeBytes:  int64(logFrames) * 4096,
		Checkpoint: time.Now(),
	}, nil
}

// CheckWALHealth flags a WAL that has grown past a threshold suggesting a
// stuck checkpoint (doctor check 1).
const walUnhealthyFrameThreshold = 10000

func (d *DB) CheckWALHealth(ctx context.Context) error {
	stats, err := d.WALStats(ctx)
	if err != nil {
		return err
	}
	if stats.FrameCount > walUnhealthyFrameThreshold {
		return fmt.Errorf("wal has %d frames pending checkpoint, exceeds threshold of %d",
			stats.FrameCount, walUnhealthyFrameThreshold)
	}
	return nil
}

var _ storage.Adapter = (*DB)(nil)
