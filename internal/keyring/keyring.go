// Package keyring manages the RSA-2048 signing-key ring: one active key
// used to sign new tokens, zero or more retired keys kept around only to
// verify tokens signed before their rotation. Rotation is a compare-and-swap
// against the platform's tenant-agnostic persistent store gateway, so
// multiple replicas racing to rotate converge on exactly one winner.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	jose "gopkg.in/square/go-jose.v2"
)

// ErrAlreadyRotated is returned when another process rotated the ring
// first; the caller should simply reload.
var ErrAlreadyRotated = errors.New("keyring: already rotated by another instance")

// VerificationKey is a retired public key kept only to validate pre-existing
// signatures until Expiry.
type VerificationKey struct {
	PublicKey *jose.JSONWebKey
	Expiry    time.Time
}

// Keys is the persisted state of the ring.
type Keys struct {
	SigningKey       *jose.JSONWebKey
	SigningKeyPub    *jose.JSONWebKey
	VerificationKeys []VerificationKey
	NextRotation     time.Time
}

// Store is the persistence seam the ring rotates through. It is satisfied
// by internal/store's Storage gateway (global, not tenant-scoped: the
// signing key ring is shared across the whole deployment).
type Store interface {
	GetKeys() (Keys, error)
	UpdateKeys(updater func(old Keys) (Keys, error)) error
}

// Ring is a read-mostly, copy-on-write signing key ring: reads take only
// the read lock, and rotation swaps in a whole new Keys value
// rather than mutating fields in place.
type Ring struct {
	store             Store
	rotationFrequency time.Duration
	verifyRetention   time.Duration
	logger            *slog.Logger
	now               func() time.Time

	mu   sync.RWMutex
	keys Keys
}

// New constructs a Ring and performs an initial load from the store,
// rotating immediately if no signing key exists yet.
func New(store Store, rotationFrequency, verifyRetention time.Duration, logger *slog.Logger) (*Ring, error) {
	r := &Ring{
		store:             store,
		rotationFrequency: rotationFrequency,
		verifyRetention:   verifyRetention,
		logger:            logger,
		now:               time.Now,
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	if r.keys.SigningKey == nil {
		if err := r.RotateKey(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Refresh reloads the ring state from the store. Call after receiving a
// key-rotation invalidation over the fast-KV pub/sub channel.
func (r *Ring) Refresh() error {
	keys, err := r.store.GetKeys()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
	return nil
}

// Active returns the key currently used to sign new tokens.
func (r *Ring) Active() *jose.JSONWebKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys.SigningKey
}

// JWKS returns the public JWK Set of every key currently in the ring
// (active and retired), for GET /.well-known/jwks.json.
func (r *Ring) JWKS() jose.JSONWebKeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := jose.JSONWebKeySet{}
	if r.keys.SigningKeyPub != nil {
		set.Keys = append(set.Keys, *r.keys.SigningKeyPub)
	}
	for _, vk := range r.keys.VerificationKeys {
		set.Keys = append(set.Keys, *vk.PublicKey)
	}
	return set
}

// VerificationKeys returns every public key (active + retired) usable to
// verify an incoming signature: the active key first, then the retired
// keys oldest first.
func (r *Ring) VerificationKeys() []*jose.JSONWebKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]*jose.JSONWebKey, 0, len(r.keys.VerificationKeys)+1)
	if r.keys.SigningKeyPub != nil {
		keys = append(keys, r.keys.SigningKeyPub)
	}
	for _, vk := range r.keys.VerificationKeys {
		keys = append(keys, vk.PublicKey)
	}
	return keys
}

// NextRotation reports when the ring next needs RotateKey called.
func (r *Ring) NextRotation() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys.NextRotation
}

// Sign produces a compact JWS over payload using the active key and RS256.
func (r *Ring) Sign(payload []byte) (string, error) {
	active := r.Active()
	if active == nil {
		return "", errors.New("keyring: no active signing key")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Key: active, Algorithm: jose.RS256}, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return sig.CompactSerialize()
}

// RotateKey rotates active -> retired, generates a new active key, and
// drops retired keys past their verification retention window. It is a
// no-op if another instance already rotated past NextRotation (CAS-style).
func (r *Ring) RotateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return err
	}
	keyID := hex.EncodeToString(b)

	priv := &jose.JSONWebKey{Key: key, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	pub := &jose.JSONWebKey{Key: key.Public(), KeyID: keyID, Algorithm: "RS256", Use: "sig"}

	var nextRotation time.Time
	err = r.store.UpdateKeys(func(keys Keys) (Keys, error) {
		tNow := r.now()
		if tNow.Before(keys.NextRotation) {
			return Keys{}, ErrAlreadyRotated
		}

		kept := keys.VerificationKeys[:0]
		for _, vk := range keys.VerificationKeys {
			if tNow.Before(vk.Expiry) {
				kept = append(kept, vk)
			}
		}
		keys.VerificationKeys = kept

		if keys.SigningKeyPub != nil {
			keys.VerificationKeys = append(keys.VerificationKeys, VerificationKey{
				PublicKey: keys.SigningKeyPub,
				Expiry:    tNow.Add(r.verifyRetention),
			})
		}

		nextRotation = tNow.Add(r.rotationFrequency)
		keys.SigningKey = priv
		keys.SigningKeyPub = pub
		keys.NextRotation = nextRotation
		return keys, nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRotated) {
			return r.Refresh()
		}
		return err
	}

	r.logger.Info("signing key rotated", "key_id", keyID, "next_rotation", nextRotation)
	return r.Refresh()
}
