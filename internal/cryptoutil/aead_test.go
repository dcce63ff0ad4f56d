package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)

	ciphertext, err := Seal([]byte("top secret totp seed"), key)
	require.NoError(t, err)

	plaintext, err := Open(ciphertext, key)
	require.NoError(t, err)
	require.Equal(t, "top secret totp seed", string(plaintext))
}

func TestSealRejectsWrongKeySize(t *testing.T) {
	_, err := Seal([]byte("x"), make([]byte, 10))
	require.Error(t, err)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)
	ciphertext, err := Seal([]byte("payload"), key)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Open(ciphertext, key)
	require.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, err := RandBytes(aesKeySize)
	require.NoError(t, err)
	other, err := RandBytes(aesKeySize)
	require.NoError(t, err)

	ciphertext, err := Seal([]byte("payload"), key)
	require.NoError(t, err)
	_, err = Open(ciphertext, other)
	require.Error(t, err)
}
