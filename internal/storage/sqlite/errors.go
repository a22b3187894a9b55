package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cellmesh/cellmesh/internal/errs"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to errs.KindNotFound and SQLite constraint/busy errors to
// their corresponding Kind, per the errs taxonomy.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound(op, "no rows")
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed"):
		return errs.Conflict(op, msg)
	case strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked"):
		return errs.Wrap(errs.KindTimeout, op, err)
	case strings.Contains(msg, "SQLITE_CORRUPT") || strings.Contains(msg, "malformed") || strings.Contains(msg, "trap"):
		return errs.Corruption(op, msg)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// wrapDBErrorf is wrapDBError with a formatted operation label.
func wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrapDBError(fmt.Sprintf(format, args...), err)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
