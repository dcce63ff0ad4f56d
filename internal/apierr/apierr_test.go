package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := New(KindNotFound, "identity not found")
	require.Equal(t, "NotFound: identity not found", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestWrapError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUnavailable, "query storage", cause)
	require.ErrorContains(t, err, "connection refused")
	require.Same(t, cause, err.Unwrap())
	require.ErrorIs(t, err, cause)
}

func TestWithSubcode(t *testing.T) {
	err := New(KindInternalError, "check failed").WithSubcode("depth_exceeded")
	require.Equal(t, "depth_exceeded", err.Subcode)
}

func TestKindOfClassifiedError(t *testing.T) {
	err := New(KindConflict, "already exists")
	require.Equal(t, KindConflict, KindOf(err))
}

func TestKindOfUnclassifiedErrorDefaultsInternal(t *testing.T) {
	require.Equal(t, KindInternalError, KindOf(errors.New("boom")))
}

func TestIs(t *testing.T) {
	err := New(KindLocked, "account locked")
	require.True(t, Is(err, KindLocked))
	require.False(t, Is(err, KindForbidden))
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := New(KindRateLimited, "too many attempts")
	outer := wrapWithContext(inner)
	require.Equal(t, KindRateLimited, KindOf(outer))
}

// wrapWithContext mimics a caller wrapping an *Error with fmt.Errorf("%w",
// ...), which errors.As must still see through.
func wrapWithContext(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
