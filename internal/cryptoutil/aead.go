// Package cryptoutil provides the platform's field-encryption, password
// hashing, and random-token primitives. Seal/Open use a standard
// AES-GCM nonce‖ciphertext‖tag envelope.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
)

const aesKeySize = 32 // force 256-bit AES, matching FIELD_ENCRYPTION_KEY

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	got, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	if n != got {
		return nil, errors.New("unable to generate enough random data")
	}
	return b, nil
}

// Seal encrypts plaintext using 256-bit AES-GCM. Output takes the form
// nonce|ciphertext|tag where '|' indicates concatenation. Used to seal
// sensitive columns (TOTP secret, OIDC client secret, dedicated-tenant DSN)
// before they are persisted.
func Seal(plaintext, key []byte) (ciphertext []byte, err error) {
	if len(key) != aesKeySize {
		return nil, aes.KeySizeError(len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce, err := RandBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a ciphertext produced by Seal.
func Open(ciphertext, key []byte) (plaintext []byte, err error) {
	if len(key) != aesKeySize {
		return nil, aes.KeySizeError(len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	return gcm.Open(nil, ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():], nil)
}
