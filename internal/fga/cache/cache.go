// Package cache implements the FGA decision cache: a short-TTL memo of
// check() results keyed by the full query fingerprint, invalidated by
// tuple writes via the fast KV gateway's pub/sub channel so the cache
// stays correct across replicas without a shared TTL alone.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/fga/resolver"
	"github.com/ciamlabs/identity-core/internal/kv"
)

// DefaultTTL is the default decision-cache entry lifetime.
const DefaultTTL = 60 * time.Second

const (
	decisionPurpose         = "fga_decision"
	invalidationChannelName = "fga_invalidate"
)

const (
	allowByte = 1
	denyByte  = 0
)

// CachedChecker wraps a resolver.Resolver with the decision cache, probing
// before evaluating and storing terminal results on miss.
type CachedChecker struct {
	resolver *resolver.Resolver
	cache    kv.Store
	ttl      time.Duration
}

// New wraps resolver with a decision cache backed by cache, using ttl (0 =
// DefaultTTL).
func New(res *resolver.Resolver, c kv.Store, ttl time.Duration) *CachedChecker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedChecker{resolver: res, cache: c, ttl: ttl}
}

func decisionKey(tenantID, storeID, modelVersion string, object fgamodel.ObjectRef, relation string, subject fgamodel.Subject) string {
	return kv.Key(decisionPurpose, tenantID, storeID+"|"+modelVersion+"|"+object.String()+"|"+relation+"|"+subject.String())
}

// Resolver returns the underlying resolver, for callers (expand,
// list-objects) that don't go through the decision cache.
func (c *CachedChecker) Resolver() *resolver.Resolver {
	return c.resolver
}

// Check probes the decision cache before delegating to the resolver. Cache
// misses evaluate and then populate the cache with ttl. modelVersion is
// folded into the key so a model rewrite automatically invalidates every
// decision computed against the prior version.
func (c *CachedChecker) Check(ctx context.Context, tenantID, storeID, modelVersion string, object fgamodel.ObjectRef, relation string, subject fgamodel.Subject) (bool, error) {
	key := decisionKey(tenantID, storeID, modelVersion, object, relation, subject)

	if raw, err := c.cache.Get(ctx, key); err == nil && len(raw) == 1 {
		return raw[0] == allowByte, nil
	}

	allowed, err := c.resolver.Check(ctx, tenantID, storeID, object, relation, subject)
	if err != nil {
		return false, err
	}

	val := []byte{denyByte}
	if allowed {
		val = []byte{allowByte}
	}
	_ = c.cache.Set(ctx, key, val, c.ttl)
	return allowed, nil
}

// InvalidateObject evicts every decision cache entry that could be
// affected by a tuple write/delete touching object, then broadcasts the
// same invalidation so other replicas subscribed via WatchInvalidations
// drop their own copies. Decision keys embed the object id as a literal
// substring (decisionKey), so matching entries are found with a tenant-
// scoped prefix scan rather than a direct key lookup — a relation/subject
// pair isn't known here, only the object a write just touched.
func (c *CachedChecker) InvalidateObject(ctx context.Context, tenantID, storeID string, object fgamodel.ObjectRef) error {
	c.deleteObjectEntries(ctx, tenantID, storeID, object.String())
	return c.cache.Publish(ctx, invalidationChannelName, []byte(tenantID+"|"+storeID+"|"+object.String()))
}

func (c *CachedChecker) deleteObjectEntries(ctx context.Context, tenantID, storeID, object string) {
	entries, err := c.cache.ScanPrefix(ctx, kv.Prefix(decisionPurpose, tenantID))
	if err != nil {
		return
	}
	needle := storeID + "|"
	objectNeedle := "|" + object + "|"
	for key := range entries {
		if !strings.Contains(key, needle) || !strings.Contains(key, objectNeedle) {
			continue
		}
		_ = c.cache.Delete(ctx, key)
	}
}

// WatchInvalidations subscribes to cross-replica invalidation events
// published by InvalidateObject and evicts the matching decision cache
// entries locally. Intended to run for the lifetime of the process in its
// own goroutine (wired via oklog/run in cmd/ciamd), mirroring
// tenant.Registry.WatchInvalidations.
func (c *CachedChecker) WatchInvalidations(ctx context.Context) error {
	msgs, cancel, err := c.cache.Subscribe(ctx, invalidationChannelName)
	if err != nil {
		return fmt.Errorf("subscribe to fga invalidation channel: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			parts := strings.SplitN(string(msg), "|", 3)
			if len(parts) != 3 {
				continue
			}
			c.deleteObjectEntries(ctx, parts[0], parts[1], parts[2])
		}
	}
}
