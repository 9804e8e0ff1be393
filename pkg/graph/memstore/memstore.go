// Package memstore provides an in-memory implementation of [graph.Store].
//
// It mirrors the PostgreSQL store closely enough to stand in for it in tests
// and single-process development setups: property maps are normalised through
// JSON the same way JSONB round-trips them, match filters use containment
// semantics, and vector queries apply the [graph.MinSimilarity] floor. It is
// not durable; every process restart starts empty.
//
// All methods are safe for concurrent use.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// Compile-time assertion that Store satisfies the graph.Store interface.
var _ graph.Store = (*Store)(nil)

type node struct {
	stored    graph.StoredNode
	mergeKey  string
	embedding []float32
	seq       int64
}

type edge struct {
	props map[string]any
	seq   int64
}

type edgeKey struct {
	fromID  string
	relType string
	toID    string
}

// Store is a thread-safe, in-memory implementation of [graph.Store].
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	identity map[string]string // label + NUL + merge key → node ID
	edges    map[edgeKey]*edge
	seq      int64
}

// New returns an initialised, empty [Store].
func New() *Store {
	return &Store{
		nodes:    make(map[string]*node),
		identity: make(map[string]string),
		edges:    make(map[edgeKey]*edge),
	}
}

func identityKey(label graph.Label, mergeKey string) string {
	return string(label) + "\x00" + mergeKey
}

// MergeNode implements [graph.Store.MergeNode].
func (s *Store) MergeNode(ctx context.Context, n graph.Node, embedding []float32) (string, bool, error) {
	props, err := normaliseProps(n.Props())
	if err != nil {
		return "", false, fmt.Errorf("graph memstore: merge node: %w", err)
	}
	mergeKey := graph.MergeKeyString(n.MergeKey())

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if id, ok := s.identity[identityKey(n.Label(), mergeKey)]; ok {
		existing := s.nodes[id]
		for k, v := range props {
			existing.stored.Props[k] = v
		}
		if len(embedding) > 0 {
			existing.embedding = slices.Clone(embedding)
		}
		existing.stored.UpdatedAt = now
		return id, false, nil
	}

	id := uuid.NewString()
	s.seq++
	s.nodes[id] = &node{
		stored: graph.StoredNode{
			ID:        id,
			Label:     n.Label(),
			Props:     props,
			CreatedAt: now,
			UpdatedAt: now,
		},
		mergeKey:  mergeKey,
		embedding: slices.Clone(embedding),
		seq:       s.seq,
	}
	s.identity[identityKey(n.Label(), mergeKey)] = id
	return id, true, nil
}

// UpdateNode implements [graph.Store.UpdateNode]. Like the PostgreSQL store,
// an update that rewrites a merge-key property also rewrites the node's
// identity, and an update that would collide with another node's identity
// fails.
func (s *Store) UpdateNode(ctx context.Context, id string, props map[string]any, embedding []float32) error {
	update, err := normaliseProps(props)
	if err != nil {
		return fmt.Errorf("graph memstore: update node: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("graph memstore: update node: node %q not found", id)
	}

	merged := cloneProps(n.stored.Props)
	for k, v := range update {
		merged[k] = v
	}

	if key := graph.MergeKeyFromProps(n.stored.Label, merged); key != nil {
		newKey := graph.MergeKeyString(key)
		if newKey != n.mergeKey {
			if other, exists := s.identity[identityKey(n.stored.Label, newKey)]; exists && other != id {
				return fmt.Errorf("graph memstore: update node: identity collides with node %q", other)
			}
			delete(s.identity, identityKey(n.stored.Label, n.mergeKey))
			s.identity[identityKey(n.stored.Label, newKey)] = id
			n.mergeKey = newKey
		}
	}

	n.stored.Props = merged
	if len(embedding) > 0 {
		n.embedding = slices.Clone(embedding)
	}
	n.stored.UpdatedAt = time.Now()
	return nil
}

// GetNode implements [graph.Store.GetNode].
func (s *Store) GetNode(ctx context.Context, id string) (*graph.StoredNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	stored := copyStored(n.stored)
	return &stored, nil
}

// DeleteNode implements [graph.Store.DeleteNode]. Edges touching the node are
// removed with it.
func (s *Store) DeleteNode(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false, nil
	}

	delete(s.identity, identityKey(n.stored.Label, n.mergeKey))
	delete(s.nodes, id)
	for key := range s.edges {
		if key.fromID == id || key.toID == id {
			delete(s.edges, key)
		}
	}
	return true, nil
}

// FindNodes implements [graph.Store.FindNodes]. Nodes are returned in
// creation order.
func (s *Store) FindNodes(ctx context.Context, label graph.Label, match map[string]any, limit int) ([]graph.StoredNode, error) {
	m, err := normaliseProps(match)
	if err != nil {
		return nil, fmt.Errorf("graph memstore: find nodes: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*node
	for _, n := range s.nodes {
		if n.stored.Label != label || !containsMatch(n.stored.Props, m) {
			continue
		}
		found = append(found, n)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	result := make([]graph.StoredNode, 0, len(found))
	for _, n := range found {
		result = append(result, copyStored(n.stored))
	}
	return result, nil
}

// QueryByVector implements [graph.Store.QueryByVector]. Hits are ordered by
// descending cosine similarity, ties broken by node ID.
func (s *Store) QueryByVector(ctx context.Context, label graph.Label, embedding []float32, limit int, match map[string]any) ([]graph.NodeHit, error) {
	m, err := normaliseProps(match)
	if err != nil {
		return nil, fmt.Errorf("graph memstore: query by vector: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		n     *node
		score float64
	}
	var candidates []scored
	for _, n := range s.nodes {
		if n.stored.Label != label || len(n.embedding) == 0 {
			continue
		}
		if !containsMatch(n.stored.Props, m) {
			continue
		}
		score := cosineSimilarity(embedding, n.embedding)
		if score < graph.MinSimilarity {
			continue
		}
		candidates = append(candidates, scored{n, score})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].n.stored.ID < candidates[j].n.stored.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hits := make([]graph.NodeHit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, graph.NodeHit{Node: copyStored(c.n.stored), Score: c.score})
	}
	return hits, nil
}

// UpsertEdge implements [graph.Store.UpsertEdge]. Both endpoints must exist.
// The edge type is sanitised before it is stored.
func (s *Store) UpsertEdge(ctx context.Context, e graph.Edge) error {
	e.Type = graph.SanitizeRelType(e.Type)
	props, err := normaliseProps(e.Props)
	if err != nil {
		return fmt.Errorf("graph memstore: upsert edge: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[e.FromID]; !ok {
		return fmt.Errorf("graph memstore: upsert edge: node %q not found", e.FromID)
	}
	if _, ok := s.nodes[e.ToID]; !ok {
		return fmt.Errorf("graph memstore: upsert edge: node %q not found", e.ToID)
	}

	key := edgeKey{fromID: e.FromID, relType: e.Type, toID: e.ToID}
	if existing, ok := s.edges[key]; ok {
		for k, v := range props {
			existing.props[k] = v
		}
		return nil
	}
	s.seq++
	s.edges[key] = &edge{props: props, seq: s.seq}
	return nil
}

// Linked implements [graph.Store.Linked]. Edges are walked oldest first.
func (s *Store) Linked(ctx context.Context, nodeID string, limit int) ([]graph.LinkedNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		linked graph.LinkedNode
		seq    int64
	}
	var hits []hit
	for key, e := range s.edges {
		var otherID string
		var outgoing bool
		switch nodeID {
		case key.fromID:
			otherID, outgoing = key.toID, true
		case key.toID:
			otherID, outgoing = key.fromID, false
		default:
			continue
		}
		other, ok := s.nodes[otherID]
		if !ok {
			continue
		}
		hits = append(hits, hit{
			linked: graph.LinkedNode{
				Node:     copyStored(other.stored),
				RelType:  key.relType,
				Outgoing: outgoing,
				Props:    cloneProps(e.props),
			},
			seq: e.seq,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	linked := make([]graph.LinkedNode, 0, len(hits))
	for _, h := range hits {
		linked = append(linked, h.linked)
	}
	return linked, nil
}

// ConnectedPersons implements [graph.Store.ConnectedPersons]. Connections are
// sorted by person name.
func (s *Store) ConnectedPersons(ctx context.Context, nodeIDs []string) (map[string][]graph.Connection, error) {
	result := make(map[string][]graph.Connection)
	if len(nodeIDs) == 0 {
		return result, nil
	}

	wanted := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	appendConn := func(nodeID, otherID, relType string, outgoing bool) {
		other, ok := s.nodes[otherID]
		if !ok || other.stored.Label != graph.LabelPerson {
			return
		}
		result[nodeID] = append(result[nodeID], graph.Connection{
			PersonID: otherID,
			Name:     graph.PropString(other.stored.Props, "name"),
			RelType:  relType,
			Outgoing: outgoing,
		})
	}
	for key := range s.edges {
		if _, ok := wanted[key.fromID]; ok {
			appendConn(key.fromID, key.toID, key.relType, true)
		}
		if _, ok := wanted[key.toID]; ok {
			appendConn(key.toID, key.fromID, key.relType, false)
		}
	}

	for _, conns := range result {
		sort.Slice(conns, func(i, j int) bool {
			if conns[i].Name != conns[j].Name {
				return conns[i].Name < conns[j].Name
			}
			if conns[i].RelType != conns[j].RelType {
				return conns[i].RelType < conns[j].RelType
			}
			return conns[i].PersonID < conns[j].PersonID
		})
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// normaliseProps round-trips a property map through JSON so that stored
// values carry the same types a JSONB column would return ([]string becomes
// []any, ints become float64). A nil map normalises to an empty one.
func normaliseProps(props map[string]any) (map[string]any, error) {
	if len(props) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal props: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal props: %w", err)
	}
	return out, nil
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneProps(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}

func copyStored(n graph.StoredNode) graph.StoredNode {
	n.Props = cloneProps(n.Props)
	return n
}

// containsMatch mirrors JSONB containment: every entry of match must be
// contained in props. Slice values match when the property's slice contains
// every element of the match slice.
func containsMatch(props, match map[string]any) bool {
	for k, want := range match {
		got, ok := props[k]
		if !ok || !containsValue(got, want) {
			return false
		}
	}
	return true
}

func containsValue(got, want any) bool {
	switch w := want.(type) {
	case []any:
		g, ok := got.([]any)
		if !ok {
			return false
		}
		for _, elem := range w {
			found := false
			for _, candidate := range g {
				if containsValue(candidate, elem) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return false
		}
		return containsMatch(g, w)
	default:
		return reflect.DeepEqual(got, want)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
