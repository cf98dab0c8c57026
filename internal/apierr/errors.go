// Package apierr defines the error kinds the core emits, per the error
// handling design: validation failures, missing entities, conflicts,
// timeouts, runtime-unavailability, state-integrity drift, and
// cancellation. Callers classify an error with errors.As against these
// types rather than matching strings.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the documented error categories an error belongs to.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindTimeout           Kind = "timeout"
	KindRuntimeUnavailable Kind = "runtime_unavailable"
	KindIntegrity          Kind = "integrity"
	KindCancelled          Kind = "cancelled"
)

// Error is a typed, wrapped error carrying one of the Kind values above.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, apierr.New(apierr.KindNotFound, "", nil)) style checks,
// but errors.As is the preferred way to recover the Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string, err error) *Error { return New(KindValidation, message, err) }
func NotFound(message string, err error) *Error   { return New(KindNotFound, message, err) }
func Conflict(message string, err error) *Error   { return New(KindConflict, message, err) }
func Timeout(message string, err error) *Error    { return New(KindTimeout, message, err) }
func RuntimeUnavailable(message string, err error) *Error {
	return New(KindRuntimeUnavailable, message, err)
}
func Integrity(message string, err error) *Error  { return New(KindIntegrity, message, err) }
func Cancelled(message string, err error) *Error  { return New(KindCancelled, message, err) }

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
