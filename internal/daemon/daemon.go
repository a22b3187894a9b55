// Package daemon implements the single-writer database service: exactly
// one process owns the store, identified by a PID file under the
// project's runtime directory, serving clients over a Unix socket or
// loopback TCP.
package daemon

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/configfile"
	"github.com/cellmesh/cellmesh/internal/consolidate"
	"github.com/cellmesh/cellmesh/internal/errs"
	"github.com/cellmesh/cellmesh/internal/lockfile"
	"github.com/cellmesh/cellmesh/internal/rpc"
	"github.com/cellmesh/cellmesh/internal/storage/sqlite"
)

// healthPollBudget bounds step 5 of the startup protocol: how long a
// freshly started server gets to answer its first health probe.
const healthPollBudget = 10 * time.Second

// Options configures a Daemon.
type Options struct {
	ProjectPath string
	DBPath      string       // defaults to the global store
	Endpoint    rpc.Endpoint // defaults to the project's Unix socket
	Logger      *log.Logger  // defaults to stderr
}

// Daemon owns the database handle and the RPC server.
type Daemon struct {
	opts     Options
	endpoint rpc.Endpoint
	store    *sqlite.DB
	server   *rpc.Server
	listener net.Listener
	pidFile  *lockfile.PIDFile
	logger   *log.Logger
}

// New prepares a daemon; Start runs the startup protocol.
func New(opts Options) (*Daemon, error) {
	if opts.DBPath == "" {
		path, err := configfile.GlobalDBPath()
		if err != nil {
			return nil, err
		}
		opts.DBPath = path
	}
	if opts.Endpoint == (rpc.Endpoint{}) {
		sock, err := configfile.SocketPath(opts.ProjectPath)
		if err != nil {
			return nil, err
		}
		opts.Endpoint = rpc.UnixEndpoint(sock)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "cellmeshd: ", log.LstdFlags)
	}
	return &Daemon{opts: opts, endpoint: opts.Endpoint, logger: logger}, nil
}

// Endpoint reports where the daemon (or the peer that beat it to the
// bind) is listening.
func (d *Daemon) Endpoint() rpc.Endpoint { return d.endpoint }

// Start runs the startup protocol:
//
//  1. Health-check the configured endpoint; a healthy answer means a
//     peer already owns this database — return its endpoint.
//  2. Remove a PID file naming a dead process.
//  3. Open the database; on a corruption signal, delete the database
//     file with its -wal/-shm files (the rest of its directory is left
//     in place) and retry exactly once (coordination state is
//     ephemeral — persistent data lives in the exported JSONL).
//  4. Bind the socket and write our PID.
//  5. Poll health until the server answers, up to 10 s; tear down on
//     timeout.
//
// The returned bool is true when a peer was already serving.
func (d *Daemon) Start(ctx context.Context) (rpc.Endpoint, bool, error) {
	if rpc.ProbeEndpoint(ctx, d.endpoint) {
		return d.endpoint, true, nil
	}

	pidPath, err := configfile.PIDPath(d.opts.ProjectPath)
	if err != nil {
		return rpc.Endpoint{}, false, err
	}
	d.pidFile = lockfile.NewPIDFile(pidPath)
	if stale, err := d.pidFile.IsStale(); err == nil && stale {
		d.logger.Printf("removing stale pid file %s", pidPath)
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Printf("warning: remove stale pid file: %v", err)
		}
	}

	store, err := d.openWithRecovery(ctx)
	if err != nil {
		return rpc.Endpoint{}, false, err
	}
	d.store = store

	// First access migrates any legacy project-local databases into the
	// store being served. Best-effort: a failed consolidation should not
	// keep the daemon down.
	if d.opts.ProjectPath != "" {
		report, err := consolidate.ConsolidateDatabases(ctx, d.opts.ProjectPath, d.opts.DBPath,
			consolidate.Options{Yes: true})
		if err != nil {
			d.logger.Printf("warning: consolidate legacy databases: %v", err)
		} else if len(report.Migrated) > 0 {
			d.logger.Printf("migrated %d legacy databases into %s", len(report.Migrated), d.opts.DBPath)
		}
	}

	listener, err := d.endpoint.Listen(ctx)
	if err != nil {
		// A peer may have bound between our probe and our listen.
		if rpc.ProbeEndpoint(ctx, d.endpoint) {
			d.store.Close()
			d.store = nil
			return d.endpoint, true, nil
		}
		d.store.Close()
		d.store = nil
		return rpc.Endpoint{}, false, errs.Transport("daemon.Start", err)
	}
	d.listener = listener

	d.server = rpc.NewServer(d.store)
	d.server.OnShutdownRequest = func() { d.Stop(context.Background()) }
	go func() {
		if err := d.server.Serve(ctx, listener); err != nil {
			d.logger.Printf("server stopped: %v", err)
		}
	}()

	if err := d.pidFile.Write(os.Getpid()); err != nil {
		d.teardown()
		return rpc.Endpoint{}, false, err
	}

	if err := d.awaitHealthy(ctx); err != nil {
		d.teardown()
		return rpc.Endpoint{}, false, err
	}

	d.logger.Printf("serving %s on %s", d.opts.DBPath, d.endpoint)
	return d.endpoint, false, nil
}

// openWithRecovery opens the database, treating a corruption signal
// (including a Wasm runtime abort from the embedded engine) as license
// to delete the database file and its -wal/-shm files and retry once.
// Other files in the database's directory are not removed.
func (d *Daemon) openWithRecovery(ctx context.Context) (*sqlite.DB, error) {
	if err := os.MkdirAll(filepath.Dir(d.opts.DBPath), 0o755); err != nil {
		return nil, err
	}

	store, err := sqlite.Open(ctx, d.opts.DBPath, sqlite.Options{})
	if err == nil {
		return store, nil
	}
	if !isCorruptionSignal(err) {
		return nil, err
	}

	d.logger.Printf("warning: database corrupt (%v), recreating %s", err, d.opts.DBPath)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(d.opts.DBPath + suffix); rmErr != nil && !os.IsNotExist(rmErr) {
			d.logger.Printf("warning: remove %s: %v", d.opts.DBPath+suffix, rmErr)
		}
	}

	store, err = sqlite.Open(ctx, d.opts.DBPath, sqlite.Options{})
	if err != nil {
		return nil, errs.Wrap(errs.KindCorruption, "daemon.openWithRecovery", err)
	}
	return store, nil
}

func isCorruptionSignal(err error) bool {
	if err == nil {
		return false
	}
	if errs.Is(err, errs.KindCorruption) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"SQLITE_CORRUPT", "SQLITE_NOTADB", "not a database", "malformed", "wasm", "trap", "unreachable"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (d *Daemon) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(healthPollBudget)
	for time.Now().Before(deadline) {
		if rpc.ProbeEndpoint(ctx, d.endpoint) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return errs.Timeout("daemon.awaitHealthy", int(healthPollBudget.Milliseconds()))
}

// Stop shuts down cleanly: checkpoint, close the server, close the
// database, remove the PID file. Every step is best-effort and logged.
func (d *Daemon) Stop(ctx context.Context) {
	if d.store != nil {
		if err := d.store.Checkpoint(ctx); err != nil {
			d.logger.Printf("warning: checkpoint on shutdown: %v", err)
		}
	}
	d.teardown()
	d.logger.Printf("stopped")
}

func (d *Daemon) teardown() {
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}
	if d.listener != nil {
		d.listener.Close()
		d.listener = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Printf("warning: close database: %v", err)
		}
		d.store = nil
	}
	if d.pidFile != nil {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Printf("warning: remove pid file: %v", err)
		}
	}
	if d.endpoint.Network == "unix" {
		if err := os.Remove(d.endpoint.Addr); err != nil && !os.IsNotExist(err) {
			d.logger.Printf("warning: remove socket file: %v", err)
		}
	}
}
