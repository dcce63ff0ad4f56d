package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/kv"
)

func TestSessionStoreCreateGetPutDelete(t *testing.T) {
	store := newSessionStore(kv.NewMemoryStore())
	ctx := context.Background()

	sess := Session{TenantID: "acme", IdentityID: "id-1", Email: "a@example.com", Role: "member", CSRFToken: "csrf-1"}
	cookie, err := store.create(ctx, "acme", sess)
	require.NoError(t, err)
	require.NotEmpty(t, cookie)

	got, err := store.get(ctx, "acme", cookie)
	require.NoError(t, err)
	require.Equal(t, sess, got)

	got.AccessToken = "refreshed-token"
	require.NoError(t, store.put(ctx, "acme", cookie, got))

	reGot, err := store.get(ctx, "acme", cookie)
	require.NoError(t, err)
	require.Equal(t, "refreshed-token", reGot.AccessToken)

	require.NoError(t, store.delete(ctx, "acme", cookie))
	_, err = store.get(ctx, "acme", cookie)
	require.Error(t, err)
}

func TestSessionStoreScopedByTenant(t *testing.T) {
	store := newSessionStore(kv.NewMemoryStore())
	ctx := context.Background()

	cookie, err := store.create(ctx, "acme", Session{TenantID: "acme", IdentityID: "id-1"})
	require.NoError(t, err)

	_, err = store.get(ctx, "other-tenant", cookie)
	require.Error(t, err, "a session cookie must not resolve under a different tenant's namespace")
}

func TestSessionTTLIsPositive(t *testing.T) {
	require.Greater(t, sessionTTL, time.Duration(0))
}
