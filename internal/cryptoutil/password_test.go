package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/model"
)

func TestHashPasswordVerifyRoundTrip(t *testing.T) {
	envelope, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	ok, err := VerifyPassword(envelope, "correct horse battery staple")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword(envelope, "wrong password")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPasswordNilEnvelope(t *testing.T) {
	ok, err := VerifyPassword(nil, "anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPasswordUnsupportedAlgorithm(t *testing.T) {
	envelope := &model.PasswordEnvelope{Algorithm: "bcrypt"}
	_, err := VerifyPassword(envelope, "anything")
	require.Error(t, err)
}

func TestNeedsRehash(t *testing.T) {
	current, err := HashPassword("pw")
	require.NoError(t, err)
	require.False(t, NeedsRehash(current))
	require.False(t, NeedsRehash(nil))

	weak := &model.PasswordEnvelope{Memory: currentMemoryKiB / 2, Time: currentTime, Threads: currentThreads}
	require.True(t, NeedsRehash(weak))
}

func TestDummyVerifyDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() { DummyVerify("whatever") })
}
