// Package knowledgetool exposes the document knowledge base to the model as
// the "search_mode_knowledge" tool.
//
// The knowledge scope is not a model-supplied argument: the engine stamps the
// active agent's scope onto the call context via [WithScope] before tool
// execution, so the model can only ever search the knowledge base of the
// agent it is running as.
package knowledgetool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miskibin/rtx-chat/internal/knowledge"
	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// DefaultMinSimilarity is the search similarity floor applied when no
// threshold source is wired in.
const DefaultMinSimilarity = 0.7

// scopeKey carries the active knowledge scope through the call context.
type scopeKey struct{}

// WithScope returns a context carrying the knowledge scope searched by
// search_mode_knowledge. An empty scope means the active agent has no
// knowledge base.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// scopeFrom extracts the knowledge scope stamped by [WithScope].
func scopeFrom(ctx context.Context) string {
	scope, _ := ctx.Value(scopeKey{}).(string)
	return scope
}

// searchArgs is the JSON-decoded input for the "search_mode_knowledge" tool.
type searchArgs struct {
	// Query is the free-text search phrase.
	Query string `json:"query"`

	// Limit caps the number of results. Defaults to 5 when ≤ 0.
	Limit int `json:"limit,omitempty"`
}

func makeSearchHandler(svc *knowledge.Service, minSimilarity func() float64) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a searchArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("knowledge tool: search_mode_knowledge: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("knowledge tool: search_mode_knowledge: query must not be empty")
		}

		scope := scopeFrom(ctx)
		if scope == "" {
			return "No mode context available", nil
		}

		hits, err := svc.Search(ctx, scope, a.Query, knowledge.SearchOptions{
			Limit:         a.Limit,
			MinSimilarity: minSimilarity(),
		})
		if err != nil {
			return "", fmt.Errorf("knowledge tool: search_mode_knowledge: %w", err)
		}
		if len(hits) == 0 {
			return "No relevant knowledge found in the mode's knowledge base.", nil
		}
		return knowledge.FormatHits(hits), nil
	}
}

// NewTools constructs the knowledge tool set backed by svc.
//
// minSimilarity supplies the similarity floor at call time (wired to the
// knowledge_min_similarity setting); a nil source applies
// [DefaultMinSimilarity].
func NewTools(svc *knowledge.Service, minSimilarity func() float64) []tools.Tool {
	if minSimilarity == nil {
		minSimilarity = func() float64 { return DefaultMinSimilarity }
	}

	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name: "search_mode_knowledge",
				Description: "Search the current mode's knowledge base for relevant information.\n\n" +
					"Use this when you need to find specific information from uploaded documents, " +
					"PDFs, or URLs that were added to this mode's knowledge base.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "What to search for - be descriptive",
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results (default 5)",
						},
					},
					"required": []string{"query"},
				},
			},
			Category: tools.CategoryKnowledge,
			Handler:  makeSearchHandler(svc, minSimilarity),
		},
	}
}
