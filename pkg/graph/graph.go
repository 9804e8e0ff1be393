// Package graph defines the typed knowledge-graph memory model used by
// rtx-chat agents.
//
// The graph is a property graph: nodes carry a [Label] (Person, Event, Fact,
// Preference, …), a free-form property map and an optional embedding vector
// used for semantic retrieval. Edges are directed, typed and carry their own
// property map.
//
// Node identity is defined by (label, merge key): writing a node whose merge
// key already exists updates the existing node instead of creating a second
// one, the way a Cypher MERGE would. Every label has its own vector index so
// similarity search can be scoped per node type.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// rtx-chat internals.
//
// Every implementation must be safe for concurrent use.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MinSimilarity is the hard floor applied to every vector query. Hits whose
// cosine similarity falls below it are never returned, regardless of any
// caller-side threshold.
const MinSimilarity = 0.5

// ─────────────────────────────────────────────────────────────────────────────
// Read types
// ─────────────────────────────────────────────────────────────────────────────

// StoredNode is a node as persisted by a [Store]: its generated ID, label and
// property map. The embedding vector is intentionally not exposed.
type StoredNode struct {
	// ID is the store-generated unique identifier (a UUID).
	ID string

	// Label is the node's type label.
	Label Label

	// Props holds the node's properties. Values are JSON-typed: strings,
	// float64 numbers, bools, []any slices and nested maps.
	Props map[string]any

	// CreatedAt is when the node was first merged.
	CreatedAt time.Time

	// UpdatedAt is when the node was last written.
	UpdatedAt time.Time
}

// String renders the node in the canonical display form for its label, the
// same form shown to the model and returned by the memories API. Unknown
// labels render as an empty string.
func (n StoredNode) String() string {
	switch n.Label {
	case LabelUser:
		return formatNamed(PropString(n.Props, "name"), PropString(n.Props, "profile_summary"))
	case LabelPerson:
		return formatNamed(PropString(n.Props, "name"), PropString(n.Props, "description"))
	case LabelEvent:
		return formatEvent(PropString(n.Props, "date"), PropString(n.Props, "description"))
	case LabelFact:
		return formatFact(PropString(n.Props, "content"), PropString(n.Props, "category"))
	case LabelPreference:
		return PropString(n.Props, "instruction")
	case LabelKnowledgeChunk:
		return PropString(n.Props, "content")
	case LabelKnowledgeDocument:
		return PropString(n.Props, "filename")
	}
	return ""
}

// NodeHit pairs a retrieved node with its cosine similarity to the query
// embedding. Score is 1 - cosine distance, so 1.0 is an exact match.
type NodeHit struct {
	// Node is the retrieved node.
	Node StoredNode

	// Score is the cosine similarity in [0, 1], higher is more similar.
	Score float64
}

// LinkedNode is a node reached by following a single edge from an anchor node.
type LinkedNode struct {
	// Node is the node at the far end of the edge.
	Node StoredNode

	// RelType is the edge's type.
	RelType string

	// Outgoing reports the edge direction relative to the anchor:
	// true for anchor → node, false for node → anchor.
	Outgoing bool

	// Props holds the edge's properties.
	Props map[string]any
}

// Connection names a Person node linked to some other node, in either
// direction. It is the compact form used for participant and mention lists.
type Connection struct {
	// PersonID is the Person node's ID.
	PersonID string

	// Name is the person's display name.
	Name string

	// RelType is the type of the connecting edge.
	RelType string

	// Outgoing reports the edge direction relative to the queried node:
	// true for node → person, false for person → node.
	Outgoing bool
}

// Edge is a directed, typed edge between two stored nodes.
type Edge struct {
	// FromID is the source node ID. The node must already exist.
	FromID string

	// Type is the edge type. Stores pass it through [SanitizeRelType]
	// before writing, so a raw caller-supplied type is never stored.
	Type string

	// ToID is the target node ID. The node must already exist.
	ToID string

	// Props holds edge properties (relation_type, sentiment, since, role, …).
	Props map[string]any
}

// ─────────────────────────────────────────────────────────────────────────────
// Store interface
// ─────────────────────────────────────────────────────────────────────────────

// Store is the persistence contract for the knowledge graph.
//
// Node and edge writes are merges: MergeNode and UpsertEdge are idempotent,
// so re-saving the same node or edge never produces duplicates. Deletions of
// non-existent records are not errors.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// MergeNode upserts n by its (label, merge key) identity. When no node
	// with the same identity exists a new one is created and created is true.
	// Otherwise the existing node's properties and embedding are updated in
	// place and its ID is returned.
	//
	// embedding may be nil for nodes whose EmbeddingText is empty; such nodes
	// are excluded from vector queries.
	MergeNode(ctx context.Context, n Node, embedding []float32) (id string, created bool, err error)

	// UpdateNode merges props into the node's property map (keys present in
	// props overwrite, absent keys are kept) and, when embedding is non-nil,
	// replaces the stored embedding. Returns an error when the node does not
	// exist.
	UpdateNode(ctx context.Context, id string, props map[string]any, embedding []float32) error

	// GetNode retrieves a node by ID. Returns (nil, nil) when absent.
	GetNode(ctx context.Context, id string) (*StoredNode, error)

	// DeleteNode removes the node together with every edge attached to it and
	// reports whether a node was actually deleted. Deleting a missing node is
	// not an error.
	DeleteNode(ctx context.Context, id string) (bool, error)

	// FindNodes returns nodes of the given label whose properties contain
	// every key/value pair in match (JSON containment). A single-element list
	// value matches any node whose list property contains that element, which
	// is how alias lookups work. A nil or empty match returns all nodes of
	// the label; a limit of 0 applies no cap.
	// Returns an empty (non-nil) slice when nothing matches.
	FindNodes(ctx context.Context, label Label, match map[string]any, limit int) ([]StoredNode, error)

	// QueryByVector returns up to limit nodes of the given label ranked by
	// cosine similarity to embedding, most similar first. Hits scoring below
	// [MinSimilarity] are discarded. match optionally restricts candidates
	// the same way as in FindNodes.
	// Returns an empty (non-nil) slice when nothing qualifies.
	QueryByVector(ctx context.Context, label Label, embedding []float32, limit int, match map[string]any) ([]NodeHit, error)

	// UpsertEdge creates the edge or, when an edge with the same
	// (FromID, Type, ToID) already exists, merges e.Props into its properties.
	UpsertEdge(ctx context.Context, e Edge) error

	// Linked returns the nodes connected to nodeID by a single edge in either
	// direction. A limit of 0 returns all of them.
	// Returns an empty (non-nil) slice when the node has no edges.
	Linked(ctx context.Context, nodeID string, limit int) ([]LinkedNode, error)

	// ConnectedPersons returns, for each given node ID, the Person nodes
	// linked to it by a single edge in either direction. IDs with no person
	// connections are absent from the result map.
	ConnectedPersons(ctx context.Context, nodeIDs []string) (map[string][]Connection, error)
}

// MergeKeyString returns the canonical serialised form of a merge key, used
// by stores as the uniqueness value for a node identity. encoding/json sorts
// map keys, so equal merge keys always serialise identically.
func MergeKeyString(key map[string]any) string {
	b, err := json.Marshal(key)
	if err != nil {
		return fmt.Sprintf("%v", key)
	}
	return string(b)
}
