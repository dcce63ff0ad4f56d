package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/store"
	"github.com/ciamlabs/identity-core/internal/store/memory"
)

const (
	testTenantID = "acme"
	testStoreID  = "store1"
)

// docModel is a small authorization model exercising direct assignment,
// computed usersets (role hierarchy: owner implies editor implies viewer),
// and tuple-to-userset (a document inherits viewer from its parent folder).
func docModel() fgamodel.AuthorizationModel {
	viewer := fgamodel.Relation{
		Name: "viewer",
		Rewrite: fgamodel.RewriteNode{
			Kind: fgamodel.NodeUnion,
			Children: []fgamodel.RewriteNode{
				{Kind: fgamodel.NodeThis},
				{Kind: fgamodel.NodeComputedUserset, Relation: "editor"},
				{Kind: fgamodel.NodeTupleToUserset, Tupleset: "parent", Relation: "viewer"},
			},
		},
	}
	editor := fgamodel.Relation{
		Name: "editor",
		Rewrite: fgamodel.RewriteNode{
			Kind: fgamodel.NodeUnion,
			Children: []fgamodel.RewriteNode{
				{Kind: fgamodel.NodeThis},
				{Kind: fgamodel.NodeComputedUserset, Relation: "owner"},
			},
		},
	}
	owner := fgamodel.Relation{
		Name:    "owner",
		Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis},
	}
	parent := fgamodel.Relation{
		Name:    "parent",
		Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis},
	}
	member := fgamodel.Relation{
		Name:    "member",
		Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis},
	}
	blocked := fgamodel.Relation{
		Name: "can_view",
		Rewrite: fgamodel.RewriteNode{
			Kind: fgamodel.NodeExclusion,
			Base: &fgamodel.RewriteNode{Kind: fgamodel.NodeComputedUserset, Relation: "viewer"},
			Subtract: &fgamodel.RewriteNode{
				Kind: fgamodel.NodeComputedUserset, Relation: "blocked",
			},
		},
	}
	blockedRel := fgamodel.Relation{
		Name:    "blocked",
		Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis},
	}

	return fgamodel.AuthorizationModel{
		SchemaVersion: "1.0",
		Types: []fgamodel.ObjectType{
			{Name: "document", Relations: []fgamodel.Relation{viewer, editor, owner, parent, blocked, blockedRel}},
			{Name: "folder", Relations: []fgamodel.Relation{viewer, editor, owner}},
			{Name: "group", Relations: []fgamodel.Relation{member}},
		},
	}
}

func newTestResolver(t *testing.T) (*Resolver, store.Storage) {
	t.Helper()
	storage := memory.New()
	require.NoError(t, storage.CreateFGAStore(testTenantID, testStoreID, "docs"))
	require.NoError(t, storage.CreateFGAModelVersion(testTenantID, testStoreID, store.FGAModelVersion{
		ID:    "v1",
		Model: docModel(),
	}))
	return New(storage, 0), storage
}

func obj(typ, id string) fgamodel.ObjectRef { return fgamodel.ObjectRef{Type: typ, ID: id} }
func sub(typ, id string) fgamodel.Subject    { return fgamodel.Subject{Type: typ, ID: id} }
func userset(typ, id, relation string) fgamodel.Subject {
	return fgamodel.Subject{Type: typ, ID: id, Relation: relation}
}

func TestCheckDirectAssignment(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "viewer", Subject: sub("user", "alice"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "alice"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "bob"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckRoleHierarchyOwnerImpliesViewer(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "owner", Subject: sub("user", "alice"),
	}))

	// owner -> editor -> viewer, via computed_userset chaining.
	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "editor", sub("user", "alice"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "alice"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckEditorDoesNotImplyOwner(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "editor", Subject: sub("user", "alice"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "owner", sub("user", "alice"))
	require.NoError(t, err)
	require.False(t, ok, "the hierarchy is one-directional: editor must not imply owner")
}

func TestCheckUsersetSubjectOnTuple(t *testing.T) {
	r, storage := newTestResolver(t)
	// group:eng#member is granted viewer on doc1; alice is a member of group:eng.
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "viewer", Subject: userset("group", "eng", "member"),
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("group", "eng"), Relation: "member", Subject: sub("user", "alice"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "alice"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "mallory"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckTupleToUsersetInheritsFromParent(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "parent", Subject: sub("folder", "shared"),
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("folder", "shared"), Relation: "viewer", Subject: sub("user", "alice"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "alice"))
	require.NoError(t, err)
	require.True(t, ok, "viewer access on a folder must be inherited by its child documents")
}

func TestCheckExclusionSubtractsBlockedSubject(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "viewer", Subject: sub("user", "alice"),
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "blocked", Subject: sub("user", "alice"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "can_view", sub("user", "alice"))
	require.NoError(t, err)
	require.False(t, ok, "blocked subtracts from viewer even though alice is a direct viewer")
}

func TestCheckCycleDoesNotInfiniteLoop(t *testing.T) {
	r, storage := newTestResolver(t)
	// A document and a folder each claim the other as parent: a real-world misconfiguration
	// the cycle guard (the visited-frame set) must survive without looping forever.
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "parent", Subject: sub("folder", "f1"),
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("folder", "f1"), Relation: "parent", Subject: sub("document", "doc1"),
	}))

	ok, err := r.Check(context.Background(), testTenantID, testStoreID, obj("document", "doc1"), "viewer", sub("user", "alice"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckDepthBoundExceeded(t *testing.T) {
	storage := memory.New()
	require.NoError(t, storage.CreateFGAStore(testTenantID, testStoreID, "docs"))

	// A long chain of tuple-to-userset hops, each redirecting viewer to the
	// next node's viewer via "parent" — deeper than the resolver's depth
	// bound so the recursion must be rejected rather than exhaust the stack.
	chainModel := fgamodel.AuthorizationModel{
		SchemaVersion: "1.0",
		Types: []fgamodel.ObjectType{
			{
				Name: "node",
				Relations: []fgamodel.Relation{
					{
						Name: "viewer",
						Rewrite: fgamodel.RewriteNode{
							Kind: fgamodel.NodeUnion,
							Children: []fgamodel.RewriteNode{
								{Kind: fgamodel.NodeThis},
								{Kind: fgamodel.NodeTupleToUserset, Tupleset: "parent", Relation: "viewer"},
							},
						},
					},
					{Name: "parent", Rewrite: fgamodel.RewriteNode{Kind: fgamodel.NodeThis}},
				},
			},
		},
	}
	require.NoError(t, storage.CreateFGAModelVersion(testTenantID, testStoreID, store.FGAModelVersion{ID: "v1", Model: chainModel}))

	r := New(storage, 5)
	const chainLen = 20
	for i := 0; i < chainLen; i++ {
		require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
			Object:   obj("node", nodeName(i)),
			Relation: "parent",
			Subject:  sub("node", nodeName(i+1)),
		}))
	}
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("node", nodeName(chainLen)), Relation: "viewer", Subject: sub("user", "alice"),
	}))

	_, err := r.Check(context.Background(), testTenantID, testStoreID, obj("node", nodeName(0)), "viewer", sub("user", "alice"))
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, SubcodeDepthExceeded, apiErr.Subcode)
}

func nodeName(i int) string {
	return "n" + string(rune('a'+i))
}

func TestListObjectsFiltersByAccess(t *testing.T) {
	r, storage := newTestResolver(t)
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc1"), Relation: "viewer", Subject: sub("user", "alice"),
	}))
	require.NoError(t, storage.WriteTuple(testTenantID, testStoreID, fgamodel.Tuple{
		Object: obj("document", "doc2"), Relation: "viewer", Subject: sub("user", "bob"),
	}))

	ids, err := r.ListObjects(context.Background(), testTenantID, testStoreID, "document", "viewer", sub("user", "alice"), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"doc1"}, ids)
}

func TestExpandReturnsModelRewrite(t *testing.T) {
	r, _ := newTestResolver(t)
	node, err := r.Expand(testTenantID, testStoreID, obj("document", "doc1"), "owner")
	require.NoError(t, err)
	require.Equal(t, fgamodel.NodeThis, node.Kind)

	_, err = r.Expand(testTenantID, testStoreID, obj("document", "doc1"), "nonexistent")
	require.Error(t, err)
}
