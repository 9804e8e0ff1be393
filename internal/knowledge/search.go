package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// Hit is one scored chunk returned by Search.
type Hit struct {
	Content string   `json:"content"`
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
	Source  string   `json:"source"`
	Score   float64  `json:"score"`
}

// SearchOptions bounds a knowledge search. Zero values take the package
// defaults.
type SearchOptions struct {
	// Limit caps the number of hits returned.
	Limit int

	// MinSimilarity is the similarity floor. Callers normally pass the
	// agent's configured knowledge threshold here.
	MinSimilarity float64
}

// Search returns the chunks in scope most similar to query, best first.
// Hits below the similarity floor are dropped. Source is the filename of the
// chunk's document.
func (s *Service) Search(ctx context.Context, scope, query string, opts SearchOptions) ([]Hit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	threshold := opts.MinSimilarity
	if threshold <= 0 {
		threshold = DefaultMinSimilarity
	}

	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: embed query: %w", err)
	}

	// Over-fetch so the threshold filter still leaves a full page.
	nodeHits, err := s.store.QueryByVector(ctx, graph.LabelKnowledgeChunk, emb, limit*2, map[string]any{"scope": scope})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	sources := make(map[string]string, 4)
	hits := make([]Hit, 0, limit)
	for _, nh := range nodeHits {
		if nh.Score < threshold {
			continue
		}
		hits = append(hits, Hit{
			Content: graph.PropString(nh.Node.Props, "content"),
			Summary: graph.PropString(nh.Node.Props, "summary"),
			Topics:  graph.PropStrings(nh.Node.Props, "topics"),
			Source:  s.sourceName(ctx, sources, graph.PropString(nh.Node.Props, "document_id")),
			Score:   nh.Score,
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// PromptText renders the best-matching chunks as a block for system-prompt
// injection, or "" when nothing in scope matches.
func (s *Service) PromptText(ctx context.Context, scope, query string, opts SearchOptions) (string, error) {
	hits, err := s.Search(ctx, scope, query, opts)
	if err != nil {
		return "", err
	}
	return PromptBlock(hits), nil
}

// PromptBlock renders hits as the system-prompt injection block, or "" when
// hits is empty. Callers that already hold hits from Search use this to
// avoid a second vector query.
func PromptBlock(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	entries := make([]string, 0, len(hits))
	for _, h := range hits {
		var b strings.Builder
		b.WriteString("[" + h.Source + "]")
		if h.Summary != "" {
			b.WriteString(" " + h.Summary)
		}
		if len(h.Topics) > 0 {
			b.WriteString(" Topics: " + strings.Join(h.Topics, ", "))
		}
		b.WriteString("\n" + clip(h.Content, 500))
		entries = append(entries, b.String())
	}
	return strings.Join(entries, "\n\n")
}

// FormatHits renders hits as the tool-facing result text, or "" when hits is
// empty. Each entry shows the source, similarity, summary, topics and up to
// 600 characters of content.
func FormatHits(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	entries := make([]string, 0, len(hits))
	for _, h := range hits {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] (sim: %.2f)", h.Source, h.Score)
		if h.Summary != "" {
			b.WriteString("\nSummary: " + h.Summary)
		}
		if len(h.Topics) > 0 {
			b.WriteString("\nTopics: " + strings.Join(h.Topics, ", "))
		}
		b.WriteString("\nContent: " + clip(h.Content, 600))
		entries = append(entries, b.String())
	}
	return strings.Join(entries, "\n\n---\n\n")
}

// sourceName resolves a document ID to its filename, caching lookups across
// one search. Unknown documents render as "unknown".
func (s *Service) sourceName(ctx context.Context, cache map[string]string, docID string) string {
	if name, ok := cache[docID]; ok {
		return name
	}
	name := "unknown"
	if node, err := s.store.GetNode(ctx, docID); err == nil && node != nil {
		if fn := graph.PropString(node.Props, "filename"); fn != "" {
			name = fn
		}
	}
	cache[docID] = name
	return name
}
