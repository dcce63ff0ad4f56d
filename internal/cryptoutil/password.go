package cryptoutil

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/ciamlabs/identity-core/internal/model"
)

// Argon2id parameters tuned so a single verification on reference
// hardware costs >= 50ms. These are the *current* policy defaults;
// historic verifiers may carry weaker parameters and are upgraded in
// place on successful login (see NeedsRehash).
const (
	currentMemoryKiB = 64 * 1024
	currentTime      = 3
	currentThreads   = 4
	saltLen          = 16
	keyLen           = 32

	algorithmID = "argon2id"
)

// HashPassword produces a PasswordEnvelope for the given plaintext using
// the current policy parameters.
func HashPassword(plaintext string) (*model.PasswordEnvelope, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return nil, err
	}
	hash := argon2.IDKey([]byte(plaintext), salt, currentTime, currentMemoryKiB, currentThreads, keyLen)
	return &model.PasswordEnvelope{
		Algorithm: algorithmID,
		Memory:    currentMemoryKiB,
		Time:      currentTime,
		Threads:   currentThreads,
		SaltB64:   base64.RawStdEncoding.EncodeToString(salt),
		HashB64:   base64.RawStdEncoding.EncodeToString(hash),
	}, nil
}

// VerifyPassword performs a constant-time Argon2id verification. A nil
// envelope (OIDC-only identity with no local password) always fails.
func VerifyPassword(envelope *model.PasswordEnvelope, plaintext string) (bool, error) {
	if envelope == nil {
		return false, nil
	}
	if envelope.Algorithm != algorithmID {
		return false, fmt.Errorf("unsupported password algorithm %q", envelope.Algorithm)
	}
	salt, err := base64.RawStdEncoding.DecodeString(envelope.SaltB64)
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(envelope.HashB64)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(plaintext), salt, envelope.Time, envelope.Memory, envelope.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// NeedsRehash reports whether envelope was hashed under weaker-than-current
// parameters, letting the login path upgrade it transparently on success
// without migrating every historic user at once.
func NeedsRehash(envelope *model.PasswordEnvelope) bool {
	if envelope == nil {
		return false
	}
	return envelope.Memory < currentMemoryKiB || envelope.Time < currentTime || envelope.Threads < currentThreads
}

// dummyEnvelope is used by the enumeration-mitigation dummy-verify path
// (internal/authn) so that looking up an unknown user and comparing a
// wrong password take statistically indistinguishable time.
var dummyEnvelope = &model.PasswordEnvelope{
	Algorithm: algorithmID,
	Memory:    currentMemoryKiB,
	Time:      currentTime,
	Threads:   currentThreads,
	SaltB64:   base64.RawStdEncoding.EncodeToString(make([]byte, saltLen)),
	HashB64:   base64.RawStdEncoding.EncodeToString(make([]byte, keyLen)),
}

// DummyVerify performs a real Argon2id verification against a fixed
// envelope so the unknown-user code path costs the same as a real one.
func DummyVerify(plaintext string) {
	_, _ = VerifyPassword(dummyEnvelope, plaintext)
}
