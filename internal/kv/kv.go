// Package kv defines the fast key-value gateway used for sessions,
// rate-limit counters, MFA challenge handles, and the FGA decision cache.
// Keys are namespaced "{purpose}:{tenant}:{subject}"; values are opaque
// JSON blobs the caller marshals itself. Create/Get/Set follow a
// SetNX-for-create-once, GET+CAS-by-rewrite-for-update idiom, with
// ErrNotFound/ErrAlreadyExists translated to the sentinels this package
// exports.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

// ErrAlreadyExists is returned by Create when the key is already set.
var ErrAlreadyExists = errors.New("kv: already exists")

// Store is the fast KV gateway interface. Every method is namespaced by the
// caller-supplied key; Key builds the "{purpose}:{tenant}:{subject}" form.
type Store interface {
	// Create sets key to value only if it does not already exist, with ttl
	// (0 = no expiry). Returns ErrAlreadyExists on a race.
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the raw bytes stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set unconditionally overwrites key with value and ttl (0 = keep
	// no expiry / no change if the key is new).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Returns ErrNotFound if it did not exist.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer counter at key by one,
	// creating it at 1 with ttl if absent, and returns the new value.
	// Used for login/password-reset rate-limit counters.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ScanPrefix returns every key (and its value) whose name starts with
	// prefix. Used for tenant-scoped session/challenge enumeration and GC.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Publish broadcasts payload on channel. Used for FGA decision-cache
	// and tenant-registry invalidation.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of payloads published to channel. The
	// returned func cancels the subscription and must always be called.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	Close() error
}

// Key builds the "{purpose}:{tenant}:{subject}" namespacing scheme.
func Key(purpose, tenantID, subject string) string {
	return purpose + ":" + tenantID + ":" + subject
}

// Prefix builds the prefix used to scan every key under one purpose+tenant.
func Prefix(purpose, tenantID string) string {
	return purpose + ":" + tenantID + ":"
}
