package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
)

// idEncoding is lower-case only so identifiers stay safe in places
// (Kubernetes names, URL paths) that forbid upper case.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random, URL-safe, lower-case identifier.
func NewID() string {
	return newSecureID(16)
}

func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// NewOpaqueToken returns a CSPRNG token with at least 256 bits of entropy,
// base64url-encoded, for refresh tokens, email-verification tokens,
// password-reset tokens, invitation tokens, and magic links. The caller
// stores HashToken(token) and delivers the plaintext out of band.
func NewOpaqueToken() (string, error) {
	b, err := RandBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the sha-256 digest of an opaque token, used both as
// the lookup key for stored one-time tokens and as the refresh-token
// family's "current token" fingerprint.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// HashTokenHex is HashToken hex-encoded, for use as a fast-KV key
// component (key names must be printable, unlike raw digest bytes).
func HashTokenHex(token string) string {
	return hex.EncodeToString(HashToken(token))
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of where they first differ. Used to compare stored-hash fingerprints
// (refresh-token digests, backup-code digests) against a freshly computed
// one without leaking a timing side channel.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ConstantTimeEqualHash reports whether plaintext hashes (via HashToken) to
// storedHash, in constant time. Used for single-use backup codes.
func ConstantTimeEqualHash(storedHash []byte, plaintext string) bool {
	return ConstantTimeEqual(storedHash, HashToken(plaintext))
}

// NewOTP returns a short numeric one-time code for SMS/passwordless
// delivery, drawn from a CSPRNG (not math/rand).
func NewOTP(digits int) (string, error) {
	const charset = "0123456789"
	b := make([]byte, digits)
	buf := make([]byte, digits)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i, c := range buf {
		b[i] = charset[int(c)%len(charset)]
	}
	return string(b), nil
}
