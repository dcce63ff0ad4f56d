// Package tenant implements the tenant registry: slug-to-id resolution
// with a positive/negative-TTL cache, per-tenant security and rate-limit
// policy lookup, suspension enforcement, and the dedicated-pool DSN
// resolver consumed by internal/store/postgres.
//
// The slug cache is a get-or-populate-with-ttl idiom, generalized to a
// positive/negative two-outcome cache backed by internal/kv so lookups
// stay consistent across replicas.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store"
)

const (
	slugCachePurpose      = "tenant_slug"
	positiveTTL           = 5 * time.Minute
	negativeTTL           = 30 * time.Second
	invalidationChannel   = "tenant_invalidate"
	negativeCacheSentinel = "__absent__"
)

// Registry resolves tenants by slug or id, enforces suspension, and hands
// out the security/rate-limit policies attached to a tenant.
type Registry struct {
	storage store.Storage
	cache   kv.Store
	fek     []byte // field-encryption key for sealed dedicated-tenant DSNs
}

// New constructs a Registry. fek is the AES-256 key used to seal/open the
// DSNResolver's dedicated connection descriptors (internal/model.Tenant.Dedicated).
func New(storage store.Storage, cache kv.Store, fek []byte) *Registry {
	return &Registry{storage: storage, cache: cache, fek: fek}
}

// Resolve looks up a tenant by slug, consulting the positive/negative cache
// before falling back to the persistent store. Suspended tenants are
// returned (callers decide whether suspension matters for the operation);
// RequireActive wraps this for request paths that must reject suspension.
func (r *Registry) Resolve(ctx context.Context, slug string) (model.Tenant, error) {
	key := kv.Key(slugCachePurpose, "global", slug)

	if raw, err := r.cache.Get(ctx, key); err == nil {
		if string(raw) == negativeCacheSentinel {
			return model.Tenant{}, apierr.New(apierr.KindNotFound, "tenant not found")
		}
		var t model.Tenant
		if err := json.Unmarshal(raw, &t); err == nil {
			return t, nil
		}
	}

	t, err := r.storage.GetTenantBySlug(slug)
	if err != nil {
		if err == store.ErrNotFound {
			_ = r.cache.Set(ctx, key, []byte(negativeCacheSentinel), negativeTTL)
			return model.Tenant{}, apierr.New(apierr.KindNotFound, "tenant not found")
		}
		return model.Tenant{}, apierr.Wrap(apierr.KindInternalError, "resolve tenant", err)
	}

	if raw, err := json.Marshal(t); err == nil {
		_ = r.cache.Set(ctx, key, raw, positiveTTL)
	}
	return t, nil
}

// RequireActive resolves the tenant by slug and rejects suspended tenants
// with apierr.KindTenantSuspended.
func (r *Registry) RequireActive(ctx context.Context, slug string) (model.Tenant, error) {
	t, err := r.Resolve(ctx, slug)
	if err != nil {
		return model.Tenant{}, err
	}
	if t.Status == model.TenantSuspended {
		return model.Tenant{}, apierr.New(apierr.KindTenantSuspended, "tenant is suspended")
	}
	return t, nil
}

// Invalidate drops the cached slug entry and notifies other replicas via
// the fast KV gateway's pub/sub, so every replica's cache stays consistent.
func (r *Registry) Invalidate(ctx context.Context, slug string) error {
	key := kv.Key(slugCachePurpose, "global", slug)
	_ = r.cache.Delete(ctx, key)
	return r.cache.Publish(ctx, invalidationChannel, []byte(slug))
}

// WatchInvalidations subscribes to cross-replica invalidation events and
// drops the local cache entry for each slug received. Intended to run for
// the lifetime of the process in its own goroutine (wired via oklog/run in
// cmd/ciamd).
func (r *Registry) WatchInvalidations(ctx context.Context) error {
	msgs, cancel, err := r.cache.Subscribe(ctx, invalidationChannel)
	if err != nil {
		return fmt.Errorf("subscribe to tenant invalidation channel: %w", err)
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case slug, ok := <-msgs:
			if !ok {
				return nil
			}
			key := kv.Key(slugCachePurpose, "global", string(slug))
			_ = r.cache.Delete(ctx, key)
		}
	}
}

// SecurityPolicy returns the tenant's resolved security policy.
func (r *Registry) SecurityPolicy(ctx context.Context, slug string) (model.SecurityPolicy, error) {
	t, err := r.Resolve(ctx, slug)
	if err != nil {
		return model.SecurityPolicy{}, err
	}
	return t.Security, nil
}

// RateLimitPolicy returns the tenant's resolved rate-limit policy.
func (r *Registry) RateLimitPolicy(ctx context.Context, slug string) (model.RateLimitPolicy, error) {
	t, err := r.Resolve(ctx, slug)
	if err != nil {
		return model.RateLimitPolicy{}, err
	}
	return t.RateLimit, nil
}

// DSNResolver returns a postgres.DSNResolver closing over this registry's
// storage and field-encryption key, satisfying internal/store/postgres's
// dependency on tenant lookups without an import cycle (postgres never
// imports tenant; this package imports neither, it just produces the
// function value postgres.Config.ResolveDSN expects).
func (r *Registry) DSNResolver() func(tenantID string) (driver, dsn string, ok bool, err error) {
	return func(tenantID string) (string, string, bool, error) {
		t, err := r.storage.GetTenantByID(tenantID)
		if err != nil {
			if err == store.ErrNotFound {
				return "", "", false, nil
			}
			return "", "", false, err
		}
		if t.Isolation != model.IsolationDedicated || t.Dedicated == nil {
			return "", "", false, nil
		}
		plaintext, err := cryptoutil.Open(t.Dedicated.SealedDSN, r.fek)
		if err != nil {
			return "", "", false, fmt.Errorf("open sealed dsn for tenant %s: %w", tenantID, err)
		}
		return t.Dedicated.Driver, string(plaintext), true, nil
	}
}
