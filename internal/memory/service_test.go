package memory_test

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/pkg/graph"
	"github.com/miskibin/rtx-chat/pkg/graph/memstore"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// newService builds a Service over a fresh in-memory store with hand-assigned
// embeddings for the given texts.
func newService(vecs vectors, opts ...memory.Option) (*memory.Service, graph.Store) {
	store := memstore.New()
	return memory.NewService(store, newEmbedder(vecs), opts...), store
}

func findOne(t *testing.T, store graph.Store, label graph.Label, match map[string]any) graph.StoredNode {
	t.Helper()
	nodes, err := store.FindNodes(context.Background(), label, match, 1)
	if err != nil {
		t.Fatalf("FindNodes %s: %v", label, err)
	}
	if len(nodes) == 0 {
		t.Fatalf("FindNodes %s: no node matching %v", label, match)
	}
	return nodes[0]
}

func TestAddPerson(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("with relationship links the user", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive")
		if err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if out != "Person added: Kasia | family (positive)" {
			t.Fatalf("AddPerson: unexpected output %q", out)
		}

		person := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Kasia"})
		if got := graph.PropString(person.Props, "description"); got != "sister" {
			t.Fatalf("expected description %q, got %q", "sister", got)
		}

		linked, err := store.Linked(ctx, person.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 1 {
			t.Fatalf("expected 1 edge, got %d", len(linked))
		}
		edge := linked[0]
		if edge.Outgoing || edge.RelType != graph.EdgeKnows || edge.Node.Label != graph.LabelUser {
			t.Fatalf("expected incoming KNOWS from User, got %+v", edge)
		}
		if got := graph.PropString(edge.Props, "relation_type"); got != "family" {
			t.Fatalf("expected relation_type family, got %q", got)
		}
		if got := graph.PropString(edge.Props, "sentiment"); got != "positive" {
			t.Fatalf("expected sentiment positive, got %q", got)
		}
		if got := graph.PropString(edge.Props, "since"); got != time.Now().Format(time.DateOnly) {
			t.Fatalf("expected since today, got %q", got)
		}
	})

	t.Run("without relationship creates no user node", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddPerson(ctx, "Tomek", "", "", "")
		if err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if out != "Person added: Tomek" {
			t.Fatalf("AddPerson: unexpected output %q", out)
		}
		users, err := store.FindNodes(ctx, graph.LabelUser, nil, 0)
		if err != nil {
			t.Fatalf("FindNodes: %v", err)
		}
		if len(users) != 0 {
			t.Fatalf("expected no user node, got %d", len(users))
		}
	})

	t.Run("relation without sentiment omits the edge", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddPerson(ctx, "Piotr", "", "friend", "")
		if err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if out != "Person added: Piotr" {
			t.Fatalf("AddPerson: unexpected output %q", out)
		}
		person := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Piotr"})
		linked, err := store.Linked(ctx, person.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 0 {
			t.Fatalf("expected no edges, got %d", len(linked))
		}
	})

	t.Run("empty description keeps the stored one", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		if _, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive"); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddPerson(ctx, "Kasia", "", "", ""); err != nil {
			t.Fatalf("AddPerson again: %v", err)
		}

		person := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Kasia"})
		if got := graph.PropString(person.Props, "description"); got != "sister" {
			t.Fatalf("expected description preserved, got %q", got)
		}
		persons, _ := store.FindNodes(ctx, graph.LabelPerson, nil, 0)
		if len(persons) != 1 {
			t.Fatalf("expected 1 person, got %d", len(persons))
		}
	})

	t.Run("blank name is an error", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddPerson(ctx, "  ", "", "", ""); err == nil {
			t.Fatal("AddPerson: expected error for blank name")
		}
	})
}

func TestAddEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("links participants and mentions", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPerson(ctx, "Alek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddPerson(ctx, "Magda", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}

		out, err := svc.AddEvent(ctx, "Deal fell through", "2026-03-01", []string{"Alek"}, []string{"Magda"})
		if err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		if out != "Event added: Deal fell through" {
			t.Fatalf("AddEvent: unexpected output %q", out)
		}

		event := findOne(t, store, graph.LabelEvent, map[string]any{"description": "Deal fell through"})
		linked, err := store.Linked(ctx, event.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		var participated, mentioned bool
		for _, l := range linked {
			switch l.RelType {
			case graph.EdgeParticipatedIn:
				participated = true
				if l.Outgoing || graph.PropString(l.Node.Props, "name") != "Alek" {
					t.Fatalf("expected incoming PARTICIPATED_IN from Alek, got %+v", l)
				}
				if got := graph.PropString(l.Props, "role"); got != "participant" {
					t.Fatalf("expected role participant, got %q", got)
				}
			case graph.EdgeMentions:
				mentioned = true
				if !l.Outgoing || graph.PropString(l.Node.Props, "name") != "Magda" {
					t.Fatalf("expected outgoing MENTIONS to Magda, got %+v", l)
				}
				if got := graph.PropString(l.Props, "sentiment"); got != "neutral" {
					t.Fatalf("expected sentiment neutral, got %q", got)
				}
			}
		}
		if !participated || !mentioned {
			t.Fatalf("expected both edge kinds, got participated=%v mentioned=%v", participated, mentioned)
		}
	})

	t.Run("date defaults to today", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		if _, err := svc.AddEvent(ctx, "Coffee with nobody", "", nil, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		event := findOne(t, store, graph.LabelEvent, map[string]any{"description": "Coffee with nobody"})
		if got := graph.PropString(event.Props, "date"); got != time.Now().Format(time.DateOnly) {
			t.Fatalf("expected today's date, got %q", got)
		}
	})

	t.Run("unknown participant is skipped, not created", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddEvent(ctx, "Solo trip", "2026-01-01", []string{"Nobody"}, nil)
		if err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		if out != "Event added: Solo trip" {
			t.Fatalf("AddEvent: unexpected output %q", out)
		}
		persons, _ := store.FindNodes(ctx, graph.LabelPerson, nil, 0)
		if len(persons) != 0 {
			t.Fatalf("expected no person created, got %d", len(persons))
		}
		event := findOne(t, store, graph.LabelEvent, map[string]any{"description": "Solo trip"})
		linked, _ := store.Linked(ctx, event.ID, 0)
		if len(linked) != 0 {
			t.Fatalf("expected no edges, got %d", len(linked))
		}
	})

	t.Run("participant resolves through alias", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		personID, _, err := store.MergeNode(ctx, graph.Person{Name: "Aleksander", Aliases: []string{"Olek"}}, nil)
		if err != nil {
			t.Fatalf("seed MergeNode: %v", err)
		}

		if _, err := svc.AddEvent(ctx, "Poker night", "2026-02-02", []string{"Olek"}, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		linked, err := store.Linked(ctx, personID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 1 || linked[0].RelType != graph.EdgeParticipatedIn {
			t.Fatalf("expected alias to resolve to Aleksander's PARTICIPATED_IN edge, got %+v", linked)
		}
	})
}

func TestAddFact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("stores and links to the user", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddFact(ctx, "User owns a white Mazda", "possession")
		if err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		if out != "Fact added: User owns a white Mazda" {
			t.Fatalf("AddFact: unexpected output %q", out)
		}

		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User owns a white Mazda"})
		if got := graph.PropString(fact.Props, "category"); got != "possession" {
			t.Fatalf("expected category possession, got %q", got)
		}
		linked, err := store.Linked(ctx, fact.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 1 || linked[0].Outgoing || linked[0].RelType != graph.EdgeHasFact {
			t.Fatalf("expected incoming HAS_FACT edge, got %+v", linked)
		}
	})

	t.Run("restating the same fact is rejected", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User owns a white Mazda"})

		out, err := svc.AddFact(ctx, "User owns a white Mazda", "possession")
		if err != nil {
			t.Fatalf("AddFact duplicate: %v", err)
		}
		want := fmt.Sprintf("Similar fact already exists (similarity: 1.00): 'User owns a white Mazda'. Use update_fact_or_preference with ID: %s", fact.ID)
		if out != want {
			t.Fatalf("AddFact duplicate:\n got %q\nwant %q", out, want)
		}
	})

	t.Run("near duplicate is rejected with the existing ID", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(vectors{
			"User owns a white Mazda possession": unitVec(1),
			"User has a white Mazda possession":  unitVec(0.95),
		})

		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User owns a white Mazda"})

		out, err := svc.AddFact(ctx, "User has a white Mazda", "possession")
		if err != nil {
			t.Fatalf("AddFact near duplicate: %v", err)
		}
		if !strings.HasPrefix(out, "Similar fact already exists (similarity: 0.95): 'User owns a white Mazda'") {
			t.Fatalf("AddFact near duplicate: unexpected output %q", out)
		}
		if !strings.HasSuffix(out, "ID: "+fact.ID) {
			t.Fatalf("AddFact near duplicate: expected pointer to %s, got %q", fact.ID, out)
		}
		facts, _ := store.FindNodes(ctx, graph.LabelFact, nil, 0)
		if len(facts) != 1 {
			t.Fatalf("expected 1 fact, got %d", len(facts))
		}
	})

	t.Run("below the threshold both facts are kept", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(vectors{
			"User owns a white Mazda possession": unitVec(1),
			"User drives to work by car habit":   unitVec(0.9),
		})

		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		out, err := svc.AddFact(ctx, "User drives to work by car", "habit")
		if err != nil {
			t.Fatalf("AddFact second: %v", err)
		}
		if out != "Fact added: User drives to work by car" {
			t.Fatalf("AddFact second: unexpected output %q", out)
		}
		facts, _ := store.FindNodes(ctx, graph.LabelFact, nil, 0)
		if len(facts) != 2 {
			t.Fatalf("expected 2 facts, got %d", len(facts))
		}
	})

	t.Run("threshold is configurable", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(vectors{
			"User owns a white Mazda possession": unitVec(1),
			"User has a white Mazda possession":  unitVec(0.95),
		}, memory.WithDuplicateThreshold(0.97))

		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		out, err := svc.AddFact(ctx, "User has a white Mazda", "possession")
		if err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		if out != "Fact added: User has a white Mazda" {
			t.Fatalf("expected 0.95 similarity to pass a 0.97 threshold, got %q", out)
		}
	})
}

func TestAddPreference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("stores and links to the user", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		out, err := svc.AddPreference(ctx, "answer in Polish")
		if err != nil {
			t.Fatalf("AddPreference: %v", err)
		}
		if out != "Preference added: answer in Polish" {
			t.Fatalf("AddPreference: unexpected output %q", out)
		}
		pref := findOne(t, store, graph.LabelPreference, map[string]any{"instruction": "answer in Polish"})
		linked, err := store.Linked(ctx, pref.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 1 || linked[0].RelType != graph.EdgeHasPreference {
			t.Fatalf("expected HAS_PREFERENCE edge, got %+v", linked)
		}
	})

	t.Run("restatement is rejected", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)

		if _, err := svc.AddPreference(ctx, "answer in Polish"); err != nil {
			t.Fatalf("AddPreference: %v", err)
		}
		pref := findOne(t, store, graph.LabelPreference, map[string]any{"instruction": "answer in Polish"})

		out, err := svc.AddPreference(ctx, "answer in Polish")
		if err != nil {
			t.Fatalf("AddPreference duplicate: %v", err)
		}
		want := fmt.Sprintf("Similar preference already exists (similarity: 1.00): 'answer in Polish'. Use update_fact_or_preference with ID: %s", pref.ID)
		if out != want {
			t.Fatalf("AddPreference duplicate:\n got %q\nwant %q", out, want)
		}
	})
}

func TestAddRelationship(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("links two existing people", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPerson(ctx, "Alek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddPerson(ctx, "Magda", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}

		out, err := svc.AddRelationship(ctx, "Alek", "Magda", "coworker", "neutral")
		if err != nil {
			t.Fatalf("AddRelationship: %v", err)
		}
		if out != "Relationship: Alek -[coworker]-> Magda" {
			t.Fatalf("AddRelationship: unexpected output %q", out)
		}

		alek := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Alek"})
		linked, err := store.Linked(ctx, alek.ID, 0)
		if err != nil {
			t.Fatalf("Linked: %v", err)
		}
		if len(linked) != 1 {
			t.Fatalf("expected 1 edge, got %d", len(linked))
		}
		edge := linked[0]
		if !edge.Outgoing || edge.RelType != graph.EdgeKnows {
			t.Fatalf("expected outgoing KNOWS, got %+v", edge)
		}
		if got := graph.PropString(edge.Props, "relation_type"); got != "coworker" {
			t.Fatalf("expected relation_type coworker, got %q", got)
		}
	})

	t.Run("missing person reports a sentinel", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddPerson(ctx, "Alek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}

		out, err := svc.AddRelationship(ctx, "Alek", "Ghost", "friend", "")
		if err != nil {
			t.Fatalf("AddRelationship: %v", err)
		}
		if out != "Person not found: Ghost" {
			t.Fatalf("AddRelationship: unexpected output %q", out)
		}
	})

	t.Run("omitted sentiment keeps the stored one", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPerson(ctx, "Alek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddPerson(ctx, "Magda", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}

		if _, err := svc.AddRelationship(ctx, "Alek", "Magda", "coworker", "neutral"); err != nil {
			t.Fatalf("AddRelationship: %v", err)
		}
		if _, err := svc.AddRelationship(ctx, "Alek", "Magda", "boss", ""); err != nil {
			t.Fatalf("AddRelationship update: %v", err)
		}

		alek := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Alek"})
		linked, _ := store.Linked(ctx, alek.ID, 0)
		if len(linked) != 1 {
			t.Fatalf("expected the edge to merge, got %d edges", len(linked))
		}
		if got := graph.PropString(linked[0].Props, "relation_type"); got != "boss" {
			t.Fatalf("expected relation_type boss, got %q", got)
		}
		if got := graph.PropString(linked[0].Props, "sentiment"); got != "neutral" {
			t.Fatalf("expected sentiment preserved, got %q", got)
		}
	})
}

func TestUpdateMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("rewrites a fact and keeps its category", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddFact(ctx, "User lives in Warsaw", "location"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User lives in Warsaw"})

		out, err := svc.UpdateMemory(ctx, fact.ID, "User lives in Kraków")
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if out != "Fact updated: User lives in Kraków" {
			t.Fatalf("UpdateMemory: unexpected output %q", out)
		}

		node, err := store.GetNode(ctx, fact.ID)
		if err != nil || node == nil {
			t.Fatalf("GetNode: node=%v err=%v", node, err)
		}
		if got := node.String(); got != "User lives in Kraków (location)" {
			t.Fatalf("expected updated display form, got %q", got)
		}
	})

	t.Run("re-embeds the new text", func(t *testing.T) {
		t.Parallel()
		store := memstore.New()
		embedder := newEmbedder(nil)
		svc := memory.NewService(store, embedder)

		if _, err := svc.AddFact(ctx, "User lives in Warsaw", "location"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User lives in Warsaw"})
		if _, err := svc.UpdateMemory(ctx, fact.ID, "User lives in Kraków"); err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}

		probe, err := embedder.Embed(ctx, "User lives in Kraków location")
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		hits, err := store.QueryByVector(ctx, graph.LabelFact, probe, 1, nil)
		if err != nil {
			t.Fatalf("QueryByVector: %v", err)
		}
		if len(hits) != 1 || !near(hits[0].Score, 1.0) {
			t.Fatalf("expected the updated fact at similarity 1.0, got %+v", hits)
		}
	})

	t.Run("rewrites a preference", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPreference(ctx, "answer in English"); err != nil {
			t.Fatalf("AddPreference: %v", err)
		}
		pref := findOne(t, store, graph.LabelPreference, map[string]any{"instruction": "answer in English"})

		out, err := svc.UpdateMemory(ctx, pref.ID, "answer in Polish")
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if out != "Preference updated: answer in Polish" {
			t.Fatalf("UpdateMemory: unexpected output %q", out)
		}
	})

	t.Run("unknown id reports not found", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		out, err := svc.UpdateMemory(ctx, "no-such-id", "whatever")
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if out != "Memory not found" {
			t.Fatalf("UpdateMemory: unexpected output %q", out)
		}
	})

	t.Run("non-editable label reports not found", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPerson(ctx, "Alek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		alek := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Alek"})

		out, err := svc.UpdateMemory(ctx, alek.ID, "new text")
		if err != nil {
			t.Fatalf("UpdateMemory: %v", err)
		}
		if out != "Memory not found" {
			t.Fatalf("UpdateMemory: unexpected output %q", out)
		}
	})
}

func TestDeleteMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, store := newService(nil)
	if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User owns a white Mazda"})

	out, err := svc.DeleteMemory(ctx, fact.ID)
	if err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if out != "Memory deleted" {
		t.Fatalf("DeleteMemory: unexpected output %q", out)
	}
	node, err := store.GetNode(ctx, fact.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node != nil {
		t.Fatal("expected node gone after delete")
	}

	out, err = svc.DeleteMemory(ctx, fact.ID)
	if err != nil {
		t.Fatalf("DeleteMemory second: %v", err)
	}
	if out != "Memory not found" {
		t.Fatalf("DeleteMemory second: unexpected output %q", out)
	}
}

func TestListPreferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		out, err := svc.ListPreferences(ctx)
		if err != nil {
			t.Fatalf("ListPreferences: %v", err)
		}
		if out != "No preferences" {
			t.Fatalf("ListPreferences: unexpected output %q", out)
		}
	})

	t.Run("bullet list in creation order", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddPreference(ctx, "answer in Polish"); err != nil {
			t.Fatalf("AddPreference: %v", err)
		}
		if _, err := svc.AddPreference(ctx, "be concise"); err != nil {
			t.Fatalf("AddPreference: %v", err)
		}

		out, err := svc.ListPreferences(ctx)
		if err != nil {
			t.Fatalf("ListPreferences: %v", err)
		}
		if out != "- answer in Polish\n- be concise" {
			t.Fatalf("ListPreferences: unexpected output %q", out)
		}
	})
}

func TestGetRelationship(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown person", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		out, err := svc.GetRelationship(ctx, "Ghost")
		if err != nil {
			t.Fatalf("GetRelationship: %v", err)
		}
		if out != "No relationship with Ghost" {
			t.Fatalf("GetRelationship: unexpected output %q", out)
		}
	})

	t.Run("person without a user edge", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddPerson(ctx, "Tomek", "", "", ""); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		out, err := svc.GetRelationship(ctx, "Tomek")
		if err != nil {
			t.Fatalf("GetRelationship: %v", err)
		}
		if out != "No relationship with Tomek" {
			t.Fatalf("GetRelationship: unexpected output %q", out)
		}
	})

	t.Run("relationship with events", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive"); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", []string{"Kasia"}, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}

		out, err := svc.GetRelationship(ctx, "Kasia")
		if err != nil {
			t.Fatalf("GetRelationship: %v", err)
		}
		want := fmt.Sprintf("family | positive | since: %s\nEvents:\n  - Went hiking", time.Now().Format(time.DateOnly))
		if out != want {
			t.Fatalf("GetRelationship:\n got %q\nwant %q", out, want)
		}
	})
}

func TestRetrieveContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("entity lookup renders relationship and events", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(nil)
		if _, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive"); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", []string{"Kasia"}, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		kasia := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Kasia"})

		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{EntityNames: []string{"Kasia"}})
		if err != nil {
			t.Fatalf("RetrieveContext: %v", err)
		}
		want := fmt.Sprintf("Kasia: sister [family, positive] [ID: %s]\n  → [2026-05-05] Went hiking", kasia.ID)
		if out != want {
			t.Fatalf("RetrieveContext:\n got %q\nwant %q", out, want)
		}
	})

	t.Run("entity lookup misses", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{EntityNames: []string{"Ghost"}})
		if err != nil {
			t.Fatalf("RetrieveContext: %v", err)
		}
		if out != "No results" {
			t.Fatalf("RetrieveContext: unexpected output %q", out)
		}
	})

	t.Run("semantic search merges labels by score", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(vectors{
			"weekend plans":                      unitVec(1),
			"Went hiking 2026-05-05":             unitVec(0.95),
			"User owns a white Mazda possession": unitVec(0.9),
			"Kasia sister":                       unitVec(0.85),
		})
		if _, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive"); err != nil {
			t.Fatalf("AddPerson: %v", err)
		}
		if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", []string{"Kasia"}, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		kasia := findOne(t, store, graph.LabelPerson, map[string]any{"name": "Kasia"})
		event := findOne(t, store, graph.LabelEvent, map[string]any{"description": "Went hiking"})
		fact := findOne(t, store, graph.LabelFact, map[string]any{"content": "User owns a white Mazda"})

		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{Query: "weekend plans", MinSimilarity: 0.65})
		if err != nil {
			t.Fatalf("RetrieveContext: %v", err)
		}
		want := strings.Join([]string{
			fmt.Sprintf("Event: [2026-05-05] Went hiking | 👥 Kasia [ID: %s]", event.ID),
			fmt.Sprintf("Fact: User owns a white Mazda (possession) [ID: %s]", fact.ID),
			fmt.Sprintf("Person: Kasia: sister → family (positive) [ID: %s]", kasia.ID),
		}, "\n")
		if out != want {
			t.Fatalf("RetrieveContext:\n got %q\nwant %q", out, want)
		}
	})

	t.Run("label filter restricts the search", func(t *testing.T) {
		t.Parallel()
		svc, store := newService(vectors{
			"weekend plans":                      unitVec(1),
			"Went hiking 2026-05-05":             unitVec(0.95),
			"User owns a white Mazda possession": unitVec(0.9),
		})
		if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", nil, nil); err != nil {
			t.Fatalf("AddEvent: %v", err)
		}
		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		event := findOne(t, store, graph.LabelEvent, map[string]any{"description": "Went hiking"})

		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{
			Query:         "weekend plans",
			NodeLabels:    []string{"Event"},
			MinSimilarity: 0.65,
		})
		if err != nil {
			t.Fatalf("RetrieveContext: %v", err)
		}
		want := fmt.Sprintf("Event: [2026-05-05] Went hiking [ID: %s]", event.ID)
		if out != want {
			t.Fatalf("RetrieveContext:\n got %q\nwant %q", out, want)
		}
	})

	t.Run("nothing above the threshold", func(t *testing.T) {
		t.Parallel()
		svc, _ := newService(nil)
		if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
			t.Fatalf("AddFact: %v", err)
		}
		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{Query: "unrelated", MinSimilarity: 0.65})
		if err != nil {
			t.Fatalf("RetrieveContext: %v", err)
		}
		if out != "No results" {
			t.Fatalf("RetrieveContext: unexpected output %q", out)
		}
	})
}

func TestListMemories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(nil)
	if _, err := svc.AddPerson(ctx, "Kasia", "sister", "", ""); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", nil, nil); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if _, err := svc.AddPreference(ctx, "answer in Polish"); err != nil {
		t.Fatalf("AddPreference: %v", err)
	}

	items, err := svc.ListMemories(ctx)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	wantTypes := []string{"Person", "Event", "Fact", "Preference"}
	wantContents := []string{
		"Kasia: sister",
		"[2026-05-05] Went hiking",
		"User owns a white Mazda (possession)",
		"answer in Polish",
	}
	for i, item := range items {
		if item.Type != wantTypes[i] {
			t.Fatalf("item %d: expected type %q, got %q", i, wantTypes[i], item.Type)
		}
		if item.Content != wantContents[i] {
			t.Fatalf("item %d: expected content %q, got %q", i, wantContents[i], item.Content)
		}
		if item.ID == "" {
			t.Fatalf("item %d: missing ID", i)
		}
	}
}

func TestSearchMemories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(vectors{
		"car":                                unitVec(1),
		"User owns a white Mazda possession": unitVec(0.9),
		"User rides a bike habit":            unitVec(0.7),
	})
	if _, err := svc.AddFact(ctx, "User rides a bike", "habit"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if _, err := svc.AddFact(ctx, "User owns a white Mazda", "possession"); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	hits, err := svc.SearchMemories(ctx, "car")
	if err != nil {
		t.Fatalf("SearchMemories: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Content != "User owns a white Mazda (possession)" || !near(hits[0].Score, 0.9) {
		t.Fatalf("expected Mazda fact first at 0.9, got %+v", hits[0])
	}
	if hits[1].Content != "User rides a bike (habit)" || !near(hits[1].Score, 0.7) {
		t.Fatalf("expected bike fact second at 0.7, got %+v", hits[1])
	}
	if hits[0].Type != "Fact" {
		t.Fatalf("expected type Fact, got %q", hits[0].Type)
	}
}

func TestListPeople(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(nil)
	if _, err := svc.AddPerson(ctx, "Kasia", "sister", "family", "positive"); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if _, err := svc.AddPerson(ctx, "Tomek", "neighbour", "", ""); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}

	people, err := svc.ListPeople(ctx)
	if err != nil {
		t.Fatalf("ListPeople: %v", err)
	}
	if len(people) != 2 {
		t.Fatalf("expected 2 people, got %d", len(people))
	}
	if people[0].Name != "Kasia" || people[0].Relation != "family" || people[0].Sentiment != "positive" {
		t.Fatalf("unexpected first person: %+v", people[0])
	}
	if people[1].Name != "Tomek" || people[1].Relation != "" || people[1].Sentiment != "" {
		t.Fatalf("unexpected second person: %+v", people[1])
	}
	if people[1].Description != "neighbour" {
		t.Fatalf("expected description neighbour, got %q", people[1].Description)
	}
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newService(nil)
	if _, err := svc.AddPerson(ctx, "Kasia", "", "", ""); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if _, err := svc.AddPerson(ctx, "Magda", "", "", ""); err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if _, err := svc.AddEvent(ctx, "Went hiking", "2026-05-05", []string{"Kasia"}, []string{"Magda"}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if _, err := svc.AddEvent(ctx, "Quiet day", "2026-05-06", nil, nil); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	events, err := svc.ListEvents(ctx)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Description != "Went hiking" || events[0].Date != "2026-05-05" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if len(events[0].Participants) != 1 || events[0].Participants[0] != "Kasia" {
		t.Fatalf("expected participants [Kasia], mentions excluded, got %v", events[0].Participants)
	}
	if len(events[1].Participants) != 0 {
		t.Fatalf("expected no participants, got %v", events[1].Participants)
	}
}
