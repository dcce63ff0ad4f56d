package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsURLSafeAndUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
	for _, r := range a {
		require.True(t, (r >= 'a' && r <= 'z') || (r >= '2' && r <= '7'))
	}
}

func TestNewOpaqueTokenUnique(t *testing.T) {
	a, err := NewOpaqueToken()
	require.NoError(t, err)
	b, err := NewOpaqueToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Greater(t, len(a), 32)
}

func TestHashTokenDeterministic(t *testing.T) {
	require.Equal(t, HashToken("abc"), HashToken("abc"))
	require.NotEqual(t, HashToken("abc"), HashToken("abd"))
	require.Equal(t, HashTokenHex("abc"), HashTokenHex("abc"))
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("x"), []byte("x")))
	require.False(t, ConstantTimeEqual([]byte("x"), []byte("y")))
	require.False(t, ConstantTimeEqual([]byte("x"), []byte("xx")))
}

func TestConstantTimeEqualHash(t *testing.T) {
	hash := HashToken("secret")
	require.True(t, ConstantTimeEqualHash(hash, "secret"))
	require.False(t, ConstantTimeEqualHash(hash, "wrong"))
}

func TestNewOTPIsNumericOfRequestedLength(t *testing.T) {
	otp, err := NewOTP(6)
	require.NoError(t, err)
	require.Len(t, otp, 6)
	for _, r := range otp {
		require.True(t, r >= '0' && r <= '9')
	}
}
