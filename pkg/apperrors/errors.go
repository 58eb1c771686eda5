// Package apperrors implements the error taxonomy shared by every store,
// connector, and HTTP handler in the evaluation core.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error-taxonomy buckets from the error handling design.
// It is a classification, not a Go type — callers branch on Kind, never on
// concrete error types, so new internal error types can be introduced
// without breaking callers.
type Kind string

const (
	Invalid           Kind = "invalid"
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	Conflict          Kind = "conflict"
	StaleVersion      Kind = "stale_version"
	IllegalTransition Kind = "illegal_transition"
	Timeout           Kind = "timeout"
	Transport         Kind = "transport"
	RateLimited       Kind = "rate_limited"
	CircuitOpen       Kind = "circuit_open"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"

	// BadRequest and AuthFailed are Model Connector-specific kinds from
	// spec §4.3; they never reach the HTTP edge directly (Runner absorbs
	// them into CaseResult.error_kind per §7's propagation policy).
	BadRequest Kind = "bad_request"
	AuthFailed Kind = "auth_failed"
)

// Error is the concrete error type carried across component boundaries.
// Field is optional context (e.g. the validation field, the requested
// transition) used for logging and for the HTTP `details` body.
type Error struct {
	Kind          Kind
	Message       string
	Field         string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a taxonomy error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an underlying error, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// WithField returns a copy of the error annotated with a field name.
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}

// KindOf extracts the taxonomy Kind from err, defaulting to Internal for
// errors that were never classified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is reports whether err carries the given taxonomy kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
