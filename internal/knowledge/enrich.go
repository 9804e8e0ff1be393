package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// Enrichment caps, in characters.
const (
	enrichInputLimit     = 1500
	summaryLimit         = 500
	fallbackSummaryLimit = 200
	maxTopics            = 10
)

// topicVocabulary is the closed set of content-type tags a chunk may carry.
// Tags outside the vocabulary are dropped at parse time.
var topicVocabulary = []string{
	"api-reference", "architecture", "best-practices", "changelog",
	"code-example", "concept", "configuration", "data-model", "example",
	"faq", "glossary", "guide", "installation", "overview", "performance",
	"policy", "reference", "research", "security", "troubleshooting",
}

const enrichPrompt = `Analyze this text and return JSON with exactly this format:
{"summary": "1-2 sentence summary of the main points", "topics": ["topic1", "topic2", "topic3"]}

Topics must come from this list: %s.

Text:
%s

Return ONLY valid JSON, no other text.`

// Enrichment is the LLM-generated metadata for one chunk.
type Enrichment struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// Enricher generates a short summary and topic tags for a chunk via an LLM.
type Enricher struct {
	llm llm.Provider
}

// NewEnricher returns an Enricher backed by the given provider. Small local
// models work fine; the task is extraction, not generation.
func NewEnricher(provider llm.Provider) *Enricher {
	return &Enricher{llm: provider}
}

// Enrich summarises and tags content. It never fails: when the model call or
// the JSON parse goes wrong, the chunk's own opening text becomes the summary
// and no topics are tagged.
func (e *Enricher) Enrich(ctx context.Context, content string) Enrichment {
	prompt := fmt.Sprintf(enrichPrompt, strings.Join(topicVocabulary, ", "), clip(content, enrichInputLimit))

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		slog.Warn("chunk enrichment failed, using fallback", "error", err)
		return fallbackEnrichment(content)
	}

	enrichment, ok := parseEnrichment(resp.Content)
	if !ok {
		slog.Warn("chunk enrichment returned unparseable JSON, using fallback",
			"response_length", len(resp.Content))
		return fallbackEnrichment(content)
	}

	enrichment.Summary = clip(strings.TrimSpace(enrichment.Summary), summaryLimit)
	enrichment.Topics = filterTopics(enrichment.Topics)
	return enrichment
}

// parseEnrichment extracts an Enrichment from a model response. Models wrap
// JSON in prose or emit almost-JSON often enough that we try, in order: the
// raw text, the text between the outermost braces, and a repaired version of
// each.
func parseEnrichment(raw string) (Enrichment, bool) {
	candidates := []string{raw}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}

	for _, candidate := range candidates {
		var enrichment Enrichment
		if err := json.Unmarshal([]byte(candidate), &enrichment); err == nil {
			return enrichment, true
		}
	}
	for _, candidate := range candidates {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			continue
		}
		var enrichment Enrichment
		if err := json.Unmarshal([]byte(repaired), &enrichment); err == nil {
			return enrichment, true
		}
	}
	return Enrichment{}, false
}

// fallbackEnrichment uses the chunk's opening text as its summary.
func fallbackEnrichment(content string) Enrichment {
	return Enrichment{Summary: clip(strings.TrimSpace(content), fallbackSummaryLimit)}
}

// filterTopics normalises tags and keeps only vocabulary members.
func filterTopics(topics []string) []string {
	var out []string
	seen := make(map[string]bool, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] || !inVocabulary(t) {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

func inVocabulary(topic string) bool {
	for _, v := range topicVocabulary {
		if v == topic {
			return true
		}
	}
	return false
}

// clip truncates s to at most n runes.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
