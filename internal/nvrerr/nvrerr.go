// Package nvrerr defines the error taxonomy shared across the recording
// pipeline. Every long-running component classifies its failures into one
// of a small set of kinds so callers can decide retry/backoff/fatal
// behavior without string-matching error messages.
package nvrerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should respond to it.
type Kind int

const (
	// Unknown is the zero value; treated like TransientIO by callers that
	// don't special-case it.
	Unknown Kind = iota

	// TransientIO is a network hiccup, read/write EAGAIN, or mmap msync
	// failure. Retried locally with backoff.
	TransientIO

	// UpstreamGone is an RTSP disconnect or expired go2rtc session.
	// Reopen/recreate; never fatal to the process.
	UpstreamGone

	// InvalidInput is a malformed packet, missing file, magic mismatch, or
	// out-of-range parameter. Skipped with a rate-limited warning.
	InvalidInput

	// Capacity is a full detection pool, full buffer, or exhausted
	// timestamp-tracker table. Drop newest work, surface a counter; never
	// block.
	Capacity

	// PersistError is a DB open/prepare/step failure. Per-operation fail;
	// caller sees an error return; system continues.
	PersistError

	// ConfigurationError is an invalid network string, missing storage
	// path, or impossible quota. Fail the operation synchronously with a
	// structured error.
	ConfigurationError

	// Fatal is an unrecoverable allocation failure during pool init, or an
	// unopenable DB at startup. Abort the startup path; otherwise log and
	// continue.
	Fatal
)

// String returns the kind's name for logging.
func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case UpstreamGone:
		return "upstream_gone"
	case InvalidInput:
		return "invalid_input"
	case Capacity:
		return "capacity"
	case PersistError:
		return "persist_error"
	case ConfigurationError:
		return "configuration_error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified, wrapped error carrying the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name. If err is nil, New returns
// nil so callers can write `return nvrerr.New(...)` unconditionally after
// a fallible call without a nil check.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) was classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err, or Unknown if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
