// Package fgamodel defines the Zanzibar-style relationship-graph document
// types shared by the FGA engine and the persistent-store gateway: the
// authorization model (types, relations, and their rewrite expression
// trees) and the relation tuple. Written fresh in the flat, doc-commented
// struct idiom used by this module's other storage-facing types
// (internal/store/store.go).
package fgamodel

import "fmt"

// NodeKind enumerates the relation-expression tree node kinds the rewrite
// evaluator understands.
type NodeKind string

const (
	NodeThis             NodeKind = "this"
	NodeComputedUserset   NodeKind = "computed_userset"
	NodeTupleToUserset    NodeKind = "tuple_to_userset"
	NodeUnion             NodeKind = "union"
	NodeIntersection      NodeKind = "intersection"
	NodeExclusion         NodeKind = "exclusion"
)

// RelationRef names a subject type a direct ("this") relation accepts,
// which may itself be a userset reference (type#relation), e.g. "group#member".
type RelationRef struct {
	Type     string `json:"type" yaml:"type"`
	Relation string `json:"relation,omitempty" yaml:"relation,omitempty"`
}

// RewriteNode is one node of a relation's expression tree. Exactly the
// fields relevant to Kind are populated; this mirrors a tagged union using
// this module's preference for plain structs over interface{}-heavy trees.
type RewriteNode struct {
	Kind NodeKind `json:"kind" yaml:"kind"`

	// NodeComputedUserset: the relation to redirect to on the same object.
	Relation string `json:"relation,omitempty" yaml:"relation,omitempty"`

	// NodeTupleToUserset: follow tuples of relation `Tupleset` to a parent
	// object, then evaluate `Relation` there.
	Tupleset string `json:"tupleset,omitempty" yaml:"tupleset,omitempty"`

	// NodeUnion / NodeIntersection: children evaluated left-to-right,
	// deterministic order for traces.
	Children []RewriteNode `json:"children,omitempty" yaml:"children,omitempty"`

	// NodeExclusion: Base && !Subtract.
	Base     *RewriteNode `json:"base,omitempty" yaml:"base,omitempty"`
	Subtract *RewriteNode `json:"subtract,omitempty" yaml:"subtract,omitempty"`
}

// Relation is a named, typed relation on an ObjectType.
type Relation struct {
	Name string `json:"name" yaml:"name"`

	// DirectlyAssignable lists the subject types (or usersets) a direct
	// tuple write may name for this relation. Empty if the relation is
	// purely computed.
	DirectlyAssignable []RelationRef `json:"directlyAssignable,omitempty" yaml:"directlyAssignable,omitempty"`

	Rewrite RewriteNode `json:"rewrite" yaml:"rewrite"`
}

// ObjectType declares the relations available on one object type.
type ObjectType struct {
	Name      string     `json:"name" yaml:"name"`
	Relations []Relation `json:"relations" yaml:"relations"`
}

// RelationByName looks up a relation by name, or ok=false.
func (t ObjectType) RelationByName(name string) (Relation, bool) {
	for _, r := range t.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// AuthorizationModel is an immutable versioned document describing a set
// of object types.
type AuthorizationModel struct {
	SchemaVersion string       `json:"schemaVersion" yaml:"schemaVersion"`
	Types         []ObjectType `json:"types" yaml:"types"`
}

// TypeByName looks up an object type by name, or ok=false.
func (m AuthorizationModel) TypeByName(name string) (ObjectType, bool) {
	for _, t := range m.Types {
		if t.Name == name {
			return t, true
		}
	}
	return ObjectType{}, false
}

// Subject is either a concrete id (user:alice) or a userset
// (group:eng#member).
type Subject struct {
	Type     string
	ID       string
	Relation string // non-empty for usersets
}

// IsUserset reports whether the subject refers to a computed set of
// subjects rather than one concrete id.
func (s Subject) IsUserset() bool { return s.Relation != "" }

func (s Subject) String() string {
	if s.IsUserset() {
		return fmt.Sprintf("%s:%s#%s", s.Type, s.ID, s.Relation)
	}
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// ObjectRef identifies an object instance: type + id.
type ObjectRef struct {
	Type string
	ID   string
}

func (o ObjectRef) String() string { return fmt.Sprintf("%s:%s", o.Type, o.ID) }

// Tuple is a single fact in the relation graph: object#relation@subject.
// Unique by all six (Type, ID, Relation, Subject.Type, Subject.ID,
// Subject.Relation) fields within one (store, model version).
type Tuple struct {
	Object   ObjectRef `json:"object"`
	Relation string    `json:"relation"`
	Subject  Subject   `json:"subject"`
}

// TupleFilter narrows a ListTuples query; zero-value fields are wildcards.
type TupleFilter struct {
	ObjectType string
	ObjectID   string
	Relation   string
	SubjectType string
	SubjectID   string
}

// Matches reports whether t satisfies the filter.
func (f TupleFilter) Matches(t Tuple) bool {
	if f.ObjectType != "" && f.ObjectType != t.Object.Type {
		return false
	}
	if f.ObjectID != "" && f.ObjectID != t.Object.ID {
		return false
	}
	if f.Relation != "" && f.Relation != t.Relation {
		return false
	}
	if f.SubjectType != "" && f.SubjectType != t.Subject.Type {
		return false
	}
	if f.SubjectID != "" && f.SubjectID != t.Subject.ID {
		return false
	}
	return true
}
