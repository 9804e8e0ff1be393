package memorytool

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/graph"
	"github.com/miskibin/rtx-chat/pkg/graph/memstore"
	"github.com/miskibin/rtx-chat/pkg/provider/embeddings/mock"
)

// vectors hand-assigns embeddings to exact texts so a test controls the
// cosine similarity between them.
type vectors map[string][]float32

// unitVec returns a 4-dim unit vector whose cosine similarity to unitVec(1)
// is sim.
func unitVec(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim)), 0, 0}
}

// newEmbedder returns a deterministic test embedder. Texts present in vecs
// get exactly those vectors; every other text gets its own stable vector
// dissimilar to all others.
func newEmbedder(vecs vectors) *mock.Provider {
	var mu sync.Mutex
	auto := map[string][]float32{}
	return &mock.Provider{
		EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
			if v, ok := vecs[text]; ok {
				return v, nil
			}
			mu.Lock()
			defer mu.Unlock()
			if v, ok := auto[text]; ok {
				return v, nil
			}
			v := make([]float32, 8+len(auto))
			v[len(v)-1] = 1
			auto[text] = v
			return v, nil
		},
	}
}

// newToolSet builds the memory tool set over a fresh in-memory store and
// returns the tools keyed by name.
func newToolSet(vecs vectors, minSimilarity func() float64) (map[string]tools.Tool, graph.Store) {
	store := memstore.New()
	svc := memory.NewService(store, newEmbedder(vecs))
	byName := map[string]tools.Tool{}
	for _, t := range NewTools(svc, minSimilarity) {
		byName[t.Definition.Name] = t
	}
	return byName, store
}

// call invokes a tool handler with args marshalled from v.
func call(t *testing.T, tool tools.Tool, v any) string {
	t.Helper()
	args, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	out, err := tool.Handler(context.Background(), string(args))
	if err != nil {
		t.Fatalf("%s: %v", tool.Definition.Name, err)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool set shape
// ─────────────────────────────────────────────────────────────────────────────

func TestNewTools(t *testing.T) {
	t.Parallel()
	ts, _ := newToolSet(nil, nil)

	want := []string{
		"retrieve_context",
		"get_user_preferences",
		"check_relationship",
		"add_or_update_person",
		"add_event",
		"add_fact",
		"add_preference",
		"add_or_update_relationship",
		"update_fact_or_preference",
		"delete_memory",
	}
	if len(ts) != len(want) {
		t.Fatalf("NewTools returned %d tools, want %d", len(ts), len(want))
	}
	for _, name := range want {
		tool, ok := ts[name]
		if !ok {
			t.Errorf("missing tool %q", name)
			continue
		}
		if tool.Handler == nil {
			t.Errorf("tool %q has nil Handler", name)
		}
		if tool.Category != tools.CategoryMemory {
			t.Errorf("tool %q category = %q, want %q", name, tool.Category, tools.CategoryMemory)
		}
	}

	gated := 0
	for name := range ts {
		if tools.RequiresConfirmation(name) {
			gated++
		}
	}
	if gated != 7 {
		t.Errorf("%d tools require confirmation, want 7 (all writes)", gated)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Write + read round trips
// ─────────────────────────────────────────────────────────────────────────────

func TestPersonAndRelationship(t *testing.T) {
	t.Parallel()
	ts, _ := newToolSet(nil, nil)

	out := call(t, ts["add_or_update_person"], map[string]any{
		"name":          "Oliwka",
		"description":   "colleague",
		"relation_type": "coworker",
		"sentiment":     "positive",
	})
	if out != "Person added: Oliwka | coworker (positive)" {
		t.Fatalf("add_or_update_person = %q", out)
	}

	rel := call(t, ts["check_relationship"], map[string]any{"person_name": "Oliwka"})
	if !strings.HasPrefix(rel, "coworker | positive | since: ") {
		t.Errorf("check_relationship = %q, want coworker | positive | since: ...", rel)
	}

	missing := call(t, ts["check_relationship"], map[string]any{"person_name": "Nobody"})
	if missing != "No relationship with Nobody" {
		t.Errorf("check_relationship for unknown = %q", missing)
	}
}

func TestLinkTwoPeople(t *testing.T) {
	t.Parallel()
	ts, _ := newToolSet(nil, nil)

	call(t, ts["add_or_update_person"], map[string]any{"name": "Jan"})
	call(t, ts["add_or_update_person"], map[string]any{"name": "Oliwka"})

	out := call(t, ts["add_or_update_relationship"], map[string]any{
		"start_person":  "Jan",
		"end_person":    "Oliwka",
		"relation_type": "married",
	})
	if out != "Relationship: Jan -[married]-> Oliwka" {
		t.Errorf("add_or_update_relationship = %q", out)
	}
}

func TestEventLinksParticipants(t *testing.T) {
	t.Parallel()
	ts, store := newToolSet(nil, nil)

	call(t, ts["add_or_update_person"], map[string]any{"name": "Jan"})

	out := call(t, ts["add_event"], map[string]any{
		"description":  "Trip to Kraków",
		"participants": []string{"Jan", "Unknown Person"},
		"date":         "2024-03-15",
	})
	if out != "Event added: Trip to Kraków" {
		t.Fatalf("add_event = %q", out)
	}

	events, err := store.FindNodes(context.Background(), graph.LabelEvent, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	linked, err := store.Linked(context.Background(), events[0].ID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	// Only the known participant is linked; the unknown name is skipped.
	if len(linked) != 1 {
		t.Fatalf("expected 1 participant link, got %d", len(linked))
	}
	if linked[0].RelType != graph.EdgeParticipatedIn {
		t.Errorf("RelType = %q, want %q", linked[0].RelType, graph.EdgeParticipatedIn)
	}
}

func TestFactLifecycle(t *testing.T) {
	t.Parallel()
	ts, store := newToolSet(nil, nil)
	ctx := context.Background()

	out := call(t, ts["add_fact"], map[string]any{"content": "Has dog named Rex", "category": "personal"})
	if out != "Fact added: Has dog named Rex" {
		t.Fatalf("add_fact = %q", out)
	}

	facts, err := store.FindNodes(ctx, graph.LabelFact, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	id := facts[0].ID

	updated := call(t, ts["update_fact_or_preference"], map[string]any{
		"item_id":   id,
		"new_value": "Has two dogs",
	})
	if updated != "Fact updated: Has two dogs" {
		t.Errorf("update = %q", updated)
	}

	deleted := call(t, ts["delete_memory"], map[string]any{"item_id": id})
	if deleted != "Memory deleted" {
		t.Errorf("delete = %q", deleted)
	}

	again := call(t, ts["delete_memory"], map[string]any{"item_id": id})
	if again != "Memory not found" {
		t.Errorf("second delete = %q", again)
	}
}

func TestDuplicateFactRejected(t *testing.T) {
	t.Parallel()
	// Both facts embed to nearly the same vector.
	ts, _ := newToolSet(vectors{
		"Works as programmer work":          unitVec(1),
		"Works as a software developer work": unitVec(0.96),
	}, nil)

	call(t, ts["add_fact"], map[string]any{"content": "Works as programmer", "category": "work"})
	out := call(t, ts["add_fact"], map[string]any{"content": "Works as a software developer", "category": "work"})

	if !strings.HasPrefix(out, "Similar fact already exists (similarity: ") {
		t.Fatalf("duplicate add_fact = %q", out)
	}
	if !strings.Contains(out, "Use update_fact_or_preference with ID: ") {
		t.Errorf("duplicate message should point at the existing ID, got %q", out)
	}
}

func TestPreferences(t *testing.T) {
	t.Parallel()
	ts, _ := newToolSet(nil, nil)

	empty := call(t, ts["get_user_preferences"], map[string]any{})
	if empty != "No preferences" {
		t.Fatalf("get_user_preferences on empty store = %q", empty)
	}

	out := call(t, ts["add_preference"], map[string]any{"instruction": "Always respond in Polish"})
	if out != "Preference added: Always respond in Polish" {
		t.Fatalf("add_preference = %q", out)
	}

	listed := call(t, ts["get_user_preferences"], map[string]any{})
	if listed != "- Always respond in Polish" {
		t.Errorf("get_user_preferences = %q", listed)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// retrieve_context
// ─────────────────────────────────────────────────────────────────────────────

func TestRetrieveContext(t *testing.T) {
	t.Parallel()
	vecs := vectors{
		"user's work":              unitVec(1),
		"Works as programmer work": unitVec(0.9),
	}

	t.Run("semantic hit above threshold", func(t *testing.T) {
		t.Parallel()
		ts, _ := newToolSet(vecs, nil)
		call(t, ts["add_fact"], map[string]any{"content": "Works as programmer", "category": "work"})

		out := call(t, ts["retrieve_context"], map[string]any{"query": "user's work"})
		if !strings.Contains(out, "Works as programmer") {
			t.Errorf("retrieve_context = %q, want the fact", out)
		}
		if !strings.Contains(out, "[ID: ") {
			t.Errorf("retrieve_context = %q, want [ID: ...] marker", out)
		}
	})

	t.Run("threshold source is read per call", func(t *testing.T) {
		t.Parallel()
		threshold := 0.65
		ts, _ := newToolSet(vecs, func() float64 { return threshold })
		call(t, ts["add_fact"], map[string]any{"content": "Works as programmer", "category": "work"})

		out := call(t, ts["retrieve_context"], map[string]any{"query": "user's work"})
		if !strings.Contains(out, "Works as programmer") {
			t.Fatalf("retrieve_context below threshold = %q", out)
		}

		threshold = 0.95
		out = call(t, ts["retrieve_context"], map[string]any{"query": "user's work"})
		if out != "No results" {
			t.Errorf("retrieve_context above threshold = %q, want %q", out, "No results")
		}
	})

	t.Run("entity lookup by name", func(t *testing.T) {
		t.Parallel()
		ts, _ := newToolSet(nil, nil)
		call(t, ts["add_or_update_person"], map[string]any{
			"name":          "Oliwka",
			"relation_type": "coworker",
			"sentiment":     "positive",
		})

		out := call(t, ts["retrieve_context"], map[string]any{
			"query":        "anything",
			"entity_names": []string{"Oliwka"},
		})
		if !strings.Contains(out, "Oliwka") {
			t.Errorf("entity lookup = %q, want Oliwka", out)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Argument validation
// ─────────────────────────────────────────────────────────────────────────────

func TestArgumentValidation(t *testing.T) {
	t.Parallel()
	ts, _ := newToolSet(nil, nil)
	ctx := context.Background()

	cases := []struct {
		tool string
		args string
	}{
		{"retrieve_context", `{bad`},
		{"retrieve_context", `{}`},
		{"check_relationship", `{}`},
		{"add_or_update_person", `{}`},
		{"add_event", `{"participants":["Jan"]}`},
		{"add_fact", `{"content":"x"}`},
		{"add_fact", `{"category":"work"}`},
		{"add_preference", `{}`},
		{"add_or_update_relationship", `{"start_person":"Jan"}`},
		{"add_or_update_relationship", `{"start_person":"Jan","end_person":"Ola"}`},
		{"update_fact_or_preference", `{"new_value":"x"}`},
		{"update_fact_or_preference", `{"item_id":"abc"}`},
		{"delete_memory", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.tool+" "+tc.args, func(t *testing.T) {
			_, err := ts[tc.tool].Handler(ctx, tc.args)
			if err == nil {
				t.Errorf("expected error for %s with args %s", tc.tool, tc.args)
			}
		})
	}
}
