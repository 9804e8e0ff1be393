package knowledge_test

import (
	"context"
	"strings"
	"testing"

	"github.com/miskibin/rtx-chat/internal/knowledge"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
	llmmock "github.com/miskibin/rtx-chat/pkg/provider/llm/mock"
)

func enrichmentProvider(response string) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: response},
	}
}

func TestEnrich(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("parses a clean response", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{"summary": "Explains cheap process spawning.", "topics": ["concept", "performance"]}`)
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "Erlang processes are cheap to spawn.")
		if got.Summary != "Explains cheap process spawning." {
			t.Fatalf("Summary: expected parsed value, got %q", got.Summary)
		}
		if len(got.Topics) != 2 || got.Topics[0] != "concept" || got.Topics[1] != "performance" {
			t.Fatalf("Topics: expected [concept performance], got %v", got.Topics)
		}
	})

	t.Run("sends the chunk and the vocabulary in the prompt", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{"summary": "s", "topics": []}`)
		enricher := knowledge.NewEnricher(provider)

		enricher.Enrich(ctx, "The gearbox uses a planetary design.")

		if len(provider.CompleteCalls) != 1 {
			t.Fatalf("expected 1 completion call, got %d", len(provider.CompleteCalls))
		}
		req := provider.CompleteCalls[0].Req
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Fatalf("expected a single user message, got %+v", req.Messages)
		}
		prompt := req.Messages[0].Content
		for _, want := range []string{
			"Analyze this text and return JSON",
			"The gearbox uses a planetary design.",
			"api-reference",
			"troubleshooting",
			"Return ONLY valid JSON",
		} {
			if !strings.Contains(prompt, want) {
				t.Fatalf("prompt missing %q:\n%s", want, prompt)
			}
		}
	})

	t.Run("clips long chunks before prompting", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{"summary": "s", "topics": []}`)
		enricher := knowledge.NewEnricher(provider)

		enricher.Enrich(ctx, strings.Repeat("a", 1600))

		prompt := provider.CompleteCalls[0].Req.Messages[0].Content
		if !strings.Contains(prompt, strings.Repeat("a", 1500)) {
			t.Fatal("prompt should contain the first 1500 characters")
		}
		if strings.Contains(prompt, strings.Repeat("a", 1501)) {
			t.Fatal("prompt should not contain more than 1500 characters of the chunk")
		}
	})

	t.Run("extracts JSON wrapped in prose", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider("Sure! Here is the JSON:\n\n" +
			`{"summary": "Covers index tuning.", "topics": ["performance"]}` +
			"\n\nLet me know if you need anything else.")
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "content")
		if got.Summary != "Covers index tuning." {
			t.Fatalf("Summary: expected extracted value, got %q", got.Summary)
		}
		if len(got.Topics) != 1 || got.Topics[0] != "performance" {
			t.Fatalf("Topics: expected [performance], got %v", got.Topics)
		}
	})

	t.Run("repairs almost-JSON", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{'summary': 'Single quotes everywhere', 'topics': ['guide',]}`)
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "content")
		if got.Summary != "Single quotes everywhere" {
			t.Fatalf("Summary: expected repaired value, got %q", got.Summary)
		}
		if len(got.Topics) != 1 || got.Topics[0] != "guide" {
			t.Fatalf("Topics: expected [guide], got %v", got.Topics)
		}
	})

	t.Run("falls back on an unparseable response", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider("I cannot produce structured output for this text.")
		enricher := knowledge.NewEnricher(provider)

		content := strings.Repeat("b", 250)
		got := enricher.Enrich(ctx, content)
		if got.Summary != strings.Repeat("b", 200) {
			t.Fatalf("Summary: expected first 200 chars of the chunk, got %d chars", len(got.Summary))
		}
		if len(got.Topics) != 0 {
			t.Fatalf("Topics: expected none, got %v", got.Topics)
		}
	})

	t.Run("falls back when the model call fails", func(t *testing.T) {
		t.Parallel()
		provider := &llmmock.Provider{CompleteErr: context.DeadlineExceeded}
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "short chunk text")
		if got.Summary != "short chunk text" {
			t.Fatalf("Summary: expected the chunk itself, got %q", got.Summary)
		}
	})

	t.Run("keeps only vocabulary topics", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{"summary": "s", "topics": ["Guide", "quantum-vibes", " SECURITY ", "guide", ""]}`)
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "content")
		if len(got.Topics) != 2 || got.Topics[0] != "guide" || got.Topics[1] != "security" {
			t.Fatalf("Topics: expected normalised [guide security], got %v", got.Topics)
		}
	})

	t.Run("caps the summary at 500 characters", func(t *testing.T) {
		t.Parallel()
		provider := enrichmentProvider(`{"summary": "` + strings.Repeat("s", 600) + `", "topics": []}`)
		enricher := knowledge.NewEnricher(provider)

		got := enricher.Enrich(ctx, "content")
		if len(got.Summary) != 500 {
			t.Fatalf("Summary: expected 500 chars, got %d", len(got.Summary))
		}
	})
}
