package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/fga/resolver"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/store"
	"github.com/ciamlabs/identity-core/internal/store/memory"
)

const (
	testTenantID = "acme"
	testStoreID  = "store1"
)

func simpleModel() fgamodel.AuthorizationModel {
	return fgamodel.AuthorizationModel{
		SchemaVersion: "1.0",
		Types: []fgamodel.ObjectType{
			{
				Name: "document",
				Relations: []fgamodel.Relation{
					{Name: "viewer", Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis}},
				},
			},
		},
	}
}

func newTestCache(t *testing.T) (*CachedChecker, store.Storage, kv.Store) {
	t.Helper()
	storage := memory.New()
	require.NoError(t, storage.CreateFGAStore(testTenantID, testStoreID, "docs"))
	require.NoError(t, storage.CreateFGAModelVersion(testTenantID, testStoreID, store.FGAModelVersion{
		ID: "v1", Model: simpleModel(),
	}))
	cacheStore := kv.NewMemoryStore()
	res := resolver.New(storage, 0)
	return New(res, cacheStore, DefaultTTL), storage, cacheStore
}

func TestCheckPopulatesAndServesFromCache(t *testing.T) {
	c, storage, _ := newTestCache(t)
	ctx := context.Background()
	object := fgamodel.ObjectRef{Type: "document", ID: "doc1"}
	subj := fgamodel.Subject{Type: "user", ID: "alice"}

	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))

	ok, err := c.Check(ctx, testTenantID, testStoreID, "v1", object, "viewer", subj)
	require.NoError(t, err)
	require.True(t, ok)

	// Remove the backing tuple without invalidating: a cached hit must still
	// report the stale (but now wrong) decision, proving Check really did
	// memoize rather than always re-evaluating against the resolver.
	require.NoError(t, storage.DeleteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))
	ok, err = c.Check(ctx, testTenantID, testStoreID, "v1", object, "viewer", subj)
	require.NoError(t, err)
	require.True(t, ok, "a cached decision must be served until explicitly invalidated")
}

func TestInvalidateObjectEvictsCachedDecision(t *testing.T) {
	c, storage, _ := newTestCache(t)
	ctx := context.Background()
	object := fgamodel.ObjectRef{Type: "document", ID: "doc1"}
	subj := fgamodel.Subject{Type: "user", ID: "alice"}

	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))
	ok, err := c.Check(ctx, testTenantID, testStoreID, "v1", object, "viewer", subj)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, storage.DeleteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))
	require.NoError(t, c.InvalidateObject(ctx, testTenantID, testStoreID, object))

	ok, err = c.Check(ctx, testTenantID, testStoreID, "v1", object, "viewer", subj)
	require.NoError(t, err)
	require.False(t, ok, "InvalidateObject must evict the decision so the next Check re-resolves against the store")
}

func TestInvalidateObjectDoesNotEvictOtherObjects(t *testing.T) {
	c, storage, _ := newTestCache(t)
	ctx := context.Background()
	doc1 := fgamodel.ObjectRef{Type: "document", ID: "doc1"}
	doc2 := fgamodel.ObjectRef{Type: "document", ID: "doc2"}
	subj := fgamodel.Subject{Type: "user", ID: "alice"}

	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: doc1, Relation: "viewer", Subject: subj,
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: doc2, Relation: "viewer", Subject: subj,
	}))
	_, err := c.Check(ctx, testTenantID, testStoreID, "v1", doc1, "viewer", subj)
	require.NoError(t, err)
	_, err = c.Check(ctx, testTenantID, testStoreID, "v1", doc2, "viewer", subj)
	require.NoError(t, err)

	require.NoError(t, storage.DeleteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: doc2, Relation: "viewer", Subject: subj,
	}))
	require.NoError(t, c.InvalidateObject(ctx, testTenantID, testStoreID, doc2))

	// doc1's cached decision must survive: invalidation is scoped to doc2.
	require.NoError(t, storage.DeleteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: doc1, Relation: "viewer", Subject: subj,
	}))
	ok, err := c.Check(ctx, testTenantID, testStoreID, "v1", doc1, "viewer", subj)
	require.NoError(t, err)
	require.True(t, ok, "invalidating doc2 must not evict doc1's cached decision")
}

func TestWatchInvalidationsEvictsOnPublishedMessage(t *testing.T) {
	c, storage, cacheStore := newTestCache(t)
	object := fgamodel.ObjectRef{Type: "document", ID: "doc1"}
	subj := fgamodel.Subject{Type: "user", ID: "alice"}

	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))
	ok, err := c.Check(context.Background(), testTenantID, testStoreID, "v1", object, "viewer", subj)
	require.NoError(t, err)
	require.True(t, ok)

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.WatchInvalidations(watchCtx) }()

	// Give the subscriber goroutine a moment to register before publishing,
	// mirroring the cross-replica path InvalidateObject drives in production.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, storage.DeleteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: object, Relation: "viewer", Subject: subj,
	}))
	require.NoError(t, cacheStore.Publish(context.Background(), invalidationChannelName, []byte(testTenantID+"|"+testStoreID+"|"+object.String())))

	require.Eventually(t, func() bool {
		ok, err := c.Check(context.Background(), testTenantID, testStoreID, "v1", object, "viewer", subj)
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond, "watcher must evict the decision cache entry on a published invalidation")

	cancel()
	<-done
}
