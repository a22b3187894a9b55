// Package errs defines the typed error-kind taxonomy shared by every layer
// of cellmesh. A Kind lets callers — the RPC layer, the CLI, the
// client's fallback policy — decide whether an error should be reported to
// the user, logged and retried, or used to trigger a fallback path, without
// parsing error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies what went wrong, independent of which layer raised it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindDependencyCycle   Kind = "dependency_cycle"
	KindAmbiguousID       Kind = "ambiguous_id"
	KindTimeout           Kind = "timeout"
	KindConflict          Kind = "conflict"
	KindCorruption        Kind = "corruption"
	KindTransport         Kind = "transport"
	KindExternal          Kind = "external"
)

// Error is the concrete error type carrying a Kind plus structured detail.
// Field/Reason are populated for KindValidation; everything else uses
// Message for a human-readable summary.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "cellstore.CreateCell"
	Message string
	Field   string // set for KindValidation
	Reason  string // set for KindValidation
	Err     error  // wrapped cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindValidation && e.Field != "":
		return fmt.Sprintf("%s: validation: %s: %s", e.Op, e.Field, e.Reason)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.KindNotFound-carrying sentinel) work by
// comparing Kind, so callers can do errors.Is(err, &errs.Error{Kind: ...})
// style checks via the KindOf/Is helpers below instead.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New builds a plain Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a KindValidation error naming the offending field.
func Validation(op, field, reason string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, Reason: reason}
}

// NotFound builds a KindNotFound error for a missing entity.
func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// InvalidTransition builds a KindInvalidTransition error.
func InvalidTransition(op, message string) *Error {
	return &Error{Kind: KindInvalidTransition, Op: op, Message: message}
}

// DependencyCycle builds a KindDependencyCycle error.
func DependencyCycle(op, message string) *Error {
	return &Error{Kind: KindDependencyCycle, Op: op, Message: message}
}

// AmbiguousID builds a KindAmbiguousID error listing the candidate matches.
func AmbiguousID(op string, candidates []string) *Error {
	return &Error{Kind: KindAmbiguousID, Op: op, Message: fmt.Sprintf("ambiguous id, candidates: %v", candidates)}
}

// Timeout builds a KindTimeout error for an operation that exceeded its deadline.
func Timeout(op string, deadlineMS int) *Error {
	return &Error{Kind: KindTimeout, Op: op, Message: fmt.Sprintf("exceeded deadline of %dms", deadlineMS)}
}

// Conflict builds a KindConflict error.
func Conflict(op, message string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// Corruption builds a KindCorruption error.
func Corruption(op, message string) *Error {
	return &Error{Kind: KindCorruption, Op: op, Message: message}
}

// Transport builds a KindTransport error wrapping a network/socket cause.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// External builds a KindExternal error for a failure outside cellmesh's
// control (e.g. a hook script, an external tracker sync).
func External(op, message string) *Error {
	return &Error{Kind: KindExternal, Op: op, Message: message}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
