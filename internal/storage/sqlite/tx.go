package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// beginImmediateRetries bounds how many BEGIN IMMEDIATE attempts are made
// against SQLITE_BUSY before giving up (the first try included).
const beginImmediateRetries = 5

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn, retrying
// with exponential backoff on SQLITE_BUSY. IMMEDIATE acquires the RESERVED
// lock up front, which is what lets cellstore serialize writers (ID
// generation, dependency-cycle checks) without deferring to SQLite's
// optimistic DEFERRED default.
//
// This issues raw "BEGIN IMMEDIATE" rather than going through
// conn.BeginTx: database/sql's BeginTx has no portable way to request
// IMMEDIATE mode, and the ncruces driver's default (like most pure-Go
// drivers) is DEFERRED.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 400 * time.Millisecond
	bo := backoff.WithContext(b, ctx)

	attempt := 0
	operation := func() error {
		attempt++
		_, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
		if err == nil {
			return nil
		}
		if isBusy(err) && attempt < beginImmediateRetries {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(operation, bo)
}

// WithTx acquires a dedicated connection, starts a BEGIN IMMEDIATE
// transaction with retry, and runs fn against the raw connection. fn must
// use conn.ExecContext/QueryContext directly (not database/sql's *sql.Tx,
// which cannot be layered on top of a manually issued BEGIN). On any error
// the transaction is rolled back; otherwise it is committed.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) (err error) {
	defer logIfSlow("write transaction", time.Now())

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return wrapDBError("begin immediate", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(ctx, `ROLLBACK`)
			panic(p)
		}
	}()

	if err := fn(ctx, conn); err != nil {
		if _, rbErr := conn.ExecContext(ctx, `ROLLBACK`); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return wrapDBError("commit", err)
	}
	return nil
}
