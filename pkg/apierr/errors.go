// Package apierr defines the typed errors the dispatcher surfaces,
// kept separate from their HTTP mapping so the core stays transport
// agnostic (§7: "HTTP translation lives in one place").
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the HTTP boundary to map to a status
// code.
type Kind int

const (
	// KindInternal is an unclassified internal failure (500).
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindConflict
	KindServiceUnavailable
)

// Error is a typed, wrapped error carrying a Kind the HTTP layer can
// switch on without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a 404-class error.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// BadRequest builds a 400-class error.
func BadRequest(format string, args ...any) *Error { return newf(KindBadRequest, format, args...) }

// Conflict builds a 409-class error.
func Conflict(format string, args ...any) *Error { return newf(KindConflict, format, args...) }

// ServiceUnavailable builds a 503-class error.
func ServiceUnavailable(format string, args ...any) *Error {
	return newf(KindServiceUnavailable, format, args...)
}

// Internal wraps an unexpected internal failure (fs error, lock
// contention, partial write) without leaking its detail to callers.
func Internal(context string, err error) *Error {
	return &Error{Kind: KindInternal, Msg: context, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// errors that were never classified.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
