// Package apierr defines the error-kind taxonomy shared by every component
// of the platform. Fallible operations return a *Error rather than relying
// on sentinel values or panics; callers compose with errors.Is/errors.As.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error classification
type Kind string

const (
	KindInvalidRequest  Kind = "InvalidRequest"
	KindUnauthorized    Kind = "Unauthorized"
	KindForbidden       Kind = "Forbidden"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindRateLimited     Kind = "RateLimited"
	KindTenantSuspended Kind = "TenantSuspended"
	KindLocked          Kind = "Locked"
	KindExpiredToken    Kind = "ExpiredToken"
	KindInvalidToken    Kind = "InvalidToken"
	KindMfaRequired     Kind = "MfaRequired"
	KindValidationError Kind = "ValidationError"
	KindInternalError   Kind = "InternalError"
	KindTimeout         Kind = "Timeout"
	KindUnavailable     Kind = "Unavailable"
)

// Error is the error type returned by every fallible operation in the
// platform. Cause is kept for logging only; Message is what a caller may
// surface to an end user.
type Error struct {
	Kind    Kind
	Message string
	Subcode string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that carries an underlying cause. The cause is
// logged with full context by the caller but never serialized to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithSubcode attaches a well-known subcode, used by the FGA engine to
// distinguish depth-exceeded/cycle-detected InternalErrors from generic
// infrastructure failures without inventing new top-level kinds.
func (e *Error) WithSubcode(subcode string) *Error {
	e.Subcode = subcode
	return e
}

// KindOf extracts the Kind of err, defaulting to KindInternalError for
// errors that were never classified (typically a library or driver error
// that escaped without being wrapped).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalError
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
