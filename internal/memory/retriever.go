package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"github.com/miskibin/rtx-chat/pkg/graph"
	"golang.org/x/sync/errgroup"
)

// DefaultRetrieveLimit caps retrieval results when the caller does not set
// one.
const DefaultRetrieveLimit = 5

const (
	// structuralScore is assigned to memories reached through the detected
	// entity's subgraph rather than vector similarity.
	structuralScore = 0.9

	// overlapBoost is added when a memory is found both semantically and
	// structurally; agreement between the two signals outranks either alone.
	overlapBoost = 0.05

	// candidatePoolLimit caps the per-label vector pool and the entity
	// neighbourhood walk. It is fixed rather than derived from the result
	// limit so the candidate set, and with it the ranking, does not shift
	// when a caller asks for one more result; the result limit only
	// truncates the ranked list.
	candidatePoolLimit = 50

	// fuzzyThreshold is the minimum normalised edit-distance ratio for a
	// query token to count as a person-name match.
	fuzzyThreshold = 0.8

	// embedEntityThreshold is the minimum cosine similarity for the
	// short-query embedding fallback to accept a person.
	embedEntityThreshold = 0.85

	// shortQueryWords bounds the embedding fallback to queries that are
	// plausibly just a name; longer queries dilute the signal.
	shortQueryWords = 4
)

// Result provenance, used for ranking tie-breaks.
const (
	sourceGraph    = "graph"
	sourceSemantic = "semantic"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// RetrievedMemory is one ranked retrieval result. Summary is the node's
// display string, prefixed with its person connections when any exist.
type RetrievedMemory struct {
	ID      string  `json:"-"`
	Type    string  `json:"type"` // lowercase node label
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
	Source  string  `json:"-"` // sourceGraph or sourceSemantic
}

// RetrieveOptions bound a retrieval pass.
type RetrieveOptions struct {
	// Limit caps the merged, ranked result. Zero or negative applies
	// DefaultRetrieveLimit.
	Limit int

	// MinSimilarity drops vector hits scoring below it. Structural hits are
	// not subject to it.
	MinSimilarity float64

	// Labels restricts the search; empty means all memory labels.
	Labels []graph.Label
}

// Retriever ranks stored memories against a query by combining per-label
// vector search with subgraph expansion around a person detected in the
// query. A memory confirmed by both signals is boosted above either alone.
type Retriever struct {
	store    graph.Store
	embedder Embedder
}

// NewRetriever returns a Retriever over store and embedder.
func NewRetriever(store graph.Store, embedder Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// candidate accumulates a node's scoring state across the two search legs.
type candidate struct {
	node       graph.StoredNode
	score      float64
	source     string
	relType    string // edge type linking the node to the detected entity
	fromVector bool
	boosted    bool
}

// Retrieve runs the hybrid search. When the embedder fails the vector leg is
// skipped and retrieval proceeds on entity detection and graph structure
// alone.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedMemory, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultRetrieveLimit
	}
	labels := opts.Labels
	if len(labels) == 0 {
		labels = graph.MemoryLabels()
	}

	queryEmb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, falling back to graph-only retrieval",
			"error", err)
		queryEmb = nil
	}

	entity, err := r.detectEntity(ctx, query, queryEmb)
	if err != nil {
		return nil, err
	}

	candidates := map[string]*candidate{}

	if len(queryEmb) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, label := range labels {
			g.Go(func() error {
				hits, err := r.store.QueryByVector(gctx, label, queryEmb, candidatePoolLimit, nil)
				if err != nil {
					return fmt.Errorf("memory: retrieve: search %s: %w", label, err)
				}
				mu.Lock()
				defer mu.Unlock()
				for _, hit := range hits {
					if hit.Score < opts.MinSimilarity {
						continue
					}
					candidates[hit.Node.ID] = &candidate{
						node:       hit.Node,
						score:      hit.Score,
						source:     sourceSemantic,
						fromVector: true,
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if entity != nil {
		if err := r.expandEntity(ctx, entity, labels, candidates); err != nil {
			return nil, err
		}
	}

	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.source != b.source {
			return a.source == sourceGraph
		}
		return a.node.ID < b.node.ID
	})
	if len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}

	results := make([]RetrievedMemory, 0, len(ranked))
	for _, c := range ranked {
		summary, err := r.annotate(ctx, c, entity)
		if err != nil {
			return nil, err
		}
		results = append(results, RetrievedMemory{
			ID:      c.node.ID,
			Type:    strings.ToLower(string(c.node.Label)),
			Summary: summary,
			Score:   c.score,
			Source:  c.source,
		})
	}
	return results, nil
}

// expandEntity folds the detected entity's neighbourhood into candidates.
// New nodes enter with the structural score; nodes already found by vector
// search are boosted once and re-attributed to the graph.
func (r *Retriever) expandEntity(ctx context.Context, entity *graph.StoredNode, labels []graph.Label, candidates map[string]*candidate) error {
	wanted := make(map[graph.Label]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	linked, err := r.store.Linked(ctx, entity.ID, candidatePoolLimit)
	if err != nil {
		return fmt.Errorf("memory: retrieve: expand %q: %w", entity.ID, err)
	}
	for _, l := range linked {
		if l.Node.Label == graph.LabelUser || !wanted[l.Node.Label] {
			continue
		}
		existing, ok := candidates[l.Node.ID]
		if !ok {
			candidates[l.Node.ID] = &candidate{
				node:    l.Node,
				score:   structuralScore,
				source:  sourceGraph,
				relType: l.RelType,
			}
			continue
		}
		if existing.fromVector && !existing.boosted {
			existing.score = max(existing.score, structuralScore) + overlapBoost
			existing.source = sourceGraph
			existing.relType = l.RelType
			existing.boosted = true
		}
	}
	return nil
}

// annotate prefixes the node's display string with its person context:
// the linking relationship for entity-derived hits, otherwise the node's
// outgoing person edges.
func (r *Retriever) annotate(ctx context.Context, c *candidate, entity *graph.StoredNode) (string, error) {
	summary := c.node.String()

	if c.relType != "" && entity != nil {
		return fmt.Sprintf("[%s %s] %s", c.relType, graph.PropString(entity.Props, "name"), summary), nil
	}

	conns, err := r.store.ConnectedPersons(ctx, []string{c.node.ID})
	if err != nil {
		return "", fmt.Errorf("memory: retrieve: annotate %q: %w", c.node.ID, err)
	}
	var parts []string
	for _, conn := range conns[c.node.ID] {
		if conn.Outgoing {
			parts = append(parts, conn.RelType+" "+conn.Name)
		}
	}
	if len(parts) == 0 {
		return summary, nil
	}
	return fmt.Sprintf("[%s] %s", strings.Join(parts, ", "), summary), nil
}

// detectEntity finds the person a query is about, if any. Query tokens are
// compared to every person's name and aliases: a case-insensitive exact match
// wins outright, otherwise the best fuzzy match at or above fuzzyThreshold.
// Short queries with no token match fall back to embedding similarity, so
// that a bare misspelt name ("kasia?") still resolves.
func (r *Retriever) detectEntity(ctx context.Context, query string, queryEmb []float32) (*graph.StoredNode, error) {
	tokens := queryWords(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	persons, err := r.store.FindNodes(ctx, graph.LabelPerson, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: list persons: %w", err)
	}

	var best *graph.StoredNode
	bestScore := 0.0
	for i, person := range persons {
		names := append([]string{graph.PropString(person.Props, "name")}, graph.PropStrings(person.Props, "aliases")...)
		for _, name := range names {
			lower := strings.ToLower(name)
			if lower == "" {
				continue
			}
			for _, token := range tokens {
				if token == lower {
					return &persons[i], nil
				}
				if ratio := similarityRatio(token, lower); ratio >= fuzzyThreshold && ratio > bestScore {
					best = &persons[i]
					bestScore = ratio
				}
			}
		}
	}
	if best != nil {
		return best, nil
	}

	if len(tokens) > shortQueryWords || len(queryEmb) == 0 {
		return nil, nil
	}
	hits, err := r.store.QueryByVector(ctx, graph.LabelPerson, queryEmb, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: entity fallback: %w", err)
	}
	if len(hits) > 0 && hits[0].Score >= embedEntityThreshold {
		return &hits[0].Node, nil
	}
	return nil, nil
}

// queryWords lowercases text and splits it into Unicode word tokens.
func queryWords(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// similarityRatio is the Levenshtein distance between a and b normalised to
// [0, 1] by the longer rune length, 1 meaning identical.
func similarityRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}
