package memstore_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/miskibin/rtx-chat/pkg/graph"
	"github.com/miskibin/rtx-chat/pkg/graph/memstore"
)

func mustMerge(t *testing.T, ctx context.Context, s *memstore.Store, n graph.Node, emb []float32) string {
	t.Helper()
	id, _, err := s.MergeNode(ctx, n, emb)
	if err != nil {
		t.Fatalf("MergeNode: unexpected error: %v", err)
	}
	return id
}

func TestMergeNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("create then update", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()

		id1, created, err := s.MergeNode(ctx, graph.Person{Name: "Ania", Description: "sister"}, []float32{1, 0, 0})
		if err != nil {
			t.Fatalf("MergeNode: unexpected error: %v", err)
		}
		if !created {
			t.Fatal("MergeNode: expected created=true on first merge")
		}

		id2, created, err := s.MergeNode(ctx, graph.Person{Name: "Ania", Description: "older sister"}, nil)
		if err != nil {
			t.Fatalf("MergeNode second: unexpected error: %v", err)
		}
		if created {
			t.Fatal("MergeNode second: expected created=false")
		}
		if id1 != id2 {
			t.Fatalf("MergeNode: expected same ID, got %q and %q", id1, id2)
		}

		got, err := s.GetNode(ctx, id1)
		if err != nil {
			t.Fatalf("GetNode: unexpected error: %v", err)
		}
		if got == nil {
			t.Fatal("GetNode: expected node, got nil")
		}
		if graph.PropString(got.Props, "description") != "older sister" {
			t.Fatalf("GetNode: expected merged description, got %q", graph.PropString(got.Props, "description"))
		}
	})

	t.Run("merge without embedding keeps the old one", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()

		id := mustMerge(t, ctx, s, graph.Fact{Content: "drinks oat milk"}, []float32{0, 1, 0})
		if _, _, err := s.MergeNode(ctx, graph.Fact{Content: "drinks oat milk", Category: "habit"}, nil); err != nil {
			t.Fatalf("MergeNode second: unexpected error: %v", err)
		}

		hits, err := s.QueryByVector(ctx, graph.LabelFact, []float32{0, 1, 0}, 10, nil)
		if err != nil {
			t.Fatalf("QueryByVector: unexpected error: %v", err)
		}
		if len(hits) != 1 || hits[0].Node.ID != id {
			t.Fatalf("QueryByVector: expected the merged node to stay searchable, got %+v", hits)
		}
	})

	t.Run("distinct merge keys create distinct nodes", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()

		id1 := mustMerge(t, ctx, s, graph.Event{Description: "went hiking", Date: "2026-08-01"}, nil)
		id2 := mustMerge(t, ctx, s, graph.Event{Description: "went hiking", Date: "2026-08-15"}, nil)
		if id1 == id2 {
			t.Fatal("MergeNode: events with different dates must not collapse")
		}
	})
}

func TestGetNode_Missing(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	got, err := s.GetNode(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("GetNode: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("GetNode: expected nil for missing node, got %+v", got)
	}
}

func TestUpdateNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("missing node errors", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		err := s.UpdateNode(ctx, "no-such-id", map[string]any{"content": "x"}, nil)
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("UpdateNode: expected not-found error, got %v", err)
		}
	})

	t.Run("rewriting a merge-key property rewrites identity", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()

		id := mustMerge(t, ctx, s, graph.Fact{Content: "owns a red Tesla", Category: "possession"}, nil)
		if err := s.UpdateNode(ctx, id, map[string]any{"content": "owns a blue Tesla"}, nil); err != nil {
			t.Fatalf("UpdateNode: unexpected error: %v", err)
		}

		// The old content is free again: merging it creates a new node.
		oldID, created, err := s.MergeNode(ctx, graph.Fact{Content: "owns a red Tesla"}, nil)
		if err != nil {
			t.Fatalf("MergeNode old content: unexpected error: %v", err)
		}
		if !created || oldID == id {
			t.Fatalf("MergeNode old content: expected a fresh node, created=%v id=%q", created, oldID)
		}

		// The new content resolves to the updated node.
		newID, created, err := s.MergeNode(ctx, graph.Fact{Content: "owns a blue Tesla"}, nil)
		if err != nil {
			t.Fatalf("MergeNode new content: unexpected error: %v", err)
		}
		if created || newID != id {
			t.Fatalf("MergeNode new content: expected the updated node, created=%v id=%q want %q", created, newID, id)
		}
	})

	t.Run("identity collision errors", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()

		mustMerge(t, ctx, s, graph.Preference{Instruction: "answer briefly"}, nil)
		id := mustMerge(t, ctx, s, graph.Preference{Instruction: "answer in Polish"}, nil)

		err := s.UpdateNode(ctx, id, map[string]any{"instruction": "answer briefly"}, nil)
		if err == nil || !strings.Contains(err.Error(), "collides") {
			t.Fatalf("UpdateNode: expected collision error, got %v", err)
		}
	})
}

func TestDeleteNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	personID := mustMerge(t, ctx, s, graph.Person{Name: "Marek"}, nil)
	eventID := mustMerge(t, ctx, s, graph.Event{Description: "board game night", Date: "2026-08-20"}, nil)
	if err := s.UpsertEdge(ctx, graph.Edge{FromID: personID, Type: "PARTICIPATED_IN", ToID: eventID}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}

	deleted, err := s.DeleteNode(ctx, personID)
	if err != nil {
		t.Fatalf("DeleteNode: unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("DeleteNode: expected deleted=true")
	}

	// Edges pointing at the deleted node are gone too.
	linked, err := s.Linked(ctx, eventID, 0)
	if err != nil {
		t.Fatalf("Linked: unexpected error: %v", err)
	}
	if len(linked) != 0 {
		t.Fatalf("Linked: expected no edges after cascade, got %d", len(linked))
	}

	deleted, err = s.DeleteNode(ctx, personID)
	if err != nil {
		t.Fatalf("DeleteNode second: unexpected error: %v", err)
	}
	if deleted {
		t.Fatal("DeleteNode second: expected deleted=false")
	}

	// Identity is released: the same name creates a fresh node.
	id2, created, err := s.MergeNode(ctx, graph.Person{Name: "Marek"}, nil)
	if err != nil {
		t.Fatalf("MergeNode after delete: unexpected error: %v", err)
	}
	if !created || id2 == personID {
		t.Fatalf("MergeNode after delete: expected fresh node, created=%v id=%q", created, id2)
	}
}

func TestFindNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	first := mustMerge(t, ctx, s, graph.Person{Name: "Aleksander", Aliases: []string{"Alek", "Olek"}}, nil)
	second := mustMerge(t, ctx, s, graph.Person{Name: "Basia"}, nil)
	mustMerge(t, ctx, s, graph.Fact{Content: "lives in Gdańsk"}, nil)

	t.Run("scalar match", func(t *testing.T) {
		t.Parallel()
		got, err := s.FindNodes(ctx, graph.LabelPerson, map[string]any{"name": "Basia"}, 0)
		if err != nil {
			t.Fatalf("FindNodes: unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].ID != second {
			t.Fatalf("FindNodes: expected only Basia, got %+v", got)
		}
	})

	t.Run("alias membership via single-element list", func(t *testing.T) {
		t.Parallel()
		got, err := s.FindNodes(ctx, graph.LabelPerson, map[string]any{"aliases": []string{"Olek"}}, 0)
		if err != nil {
			t.Fatalf("FindNodes: unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].ID != first {
			t.Fatalf("FindNodes: expected alias match on Aleksander, got %+v", got)
		}
	})

	t.Run("no match on absent alias", func(t *testing.T) {
		t.Parallel()
		got, err := s.FindNodes(ctx, graph.LabelPerson, map[string]any{"aliases": []string{"Zbyszek"}}, 0)
		if err != nil {
			t.Fatalf("FindNodes: unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("FindNodes: expected no match, got %+v", got)
		}
	})

	t.Run("nil match lists the label in creation order", func(t *testing.T) {
		t.Parallel()
		got, err := s.FindNodes(ctx, graph.LabelPerson, nil, 0)
		if err != nil {
			t.Fatalf("FindNodes: unexpected error: %v", err)
		}
		if len(got) != 2 || got[0].ID != first || got[1].ID != second {
			t.Fatalf("FindNodes: expected creation order [%s %s], got %+v", first, second, got)
		}
	})

	t.Run("limit caps the result", func(t *testing.T) {
		t.Parallel()
		got, err := s.FindNodes(ctx, graph.LabelPerson, nil, 1)
		if err != nil {
			t.Fatalf("FindNodes: unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].ID != first {
			t.Fatalf("FindNodes: expected oldest node only, got %+v", got)
		}
	})
}

func TestQueryByVector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	near := mustMerge(t, ctx, s, graph.Fact{Content: "plays tennis"}, []float32{1, 0.1, 0})
	mid := mustMerge(t, ctx, s, graph.Fact{Content: "plays chess"}, []float32{0.7, 0.7, 0})
	mustMerge(t, ctx, s, graph.Fact{Content: "afraid of spiders"}, []float32{-1, 0, 0})
	mustMerge(t, ctx, s, graph.Fact{Content: "no embedding"}, nil)
	mustMerge(t, ctx, s, graph.Preference{Instruction: "wrong label"}, []float32{1, 0, 0})

	hits, err := s.QueryByVector(ctx, graph.LabelFact, []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("QueryByVector: unexpected error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("QueryByVector: expected 2 hits above the similarity floor, got %d", len(hits))
	}
	if hits[0].Node.ID != near || hits[1].Node.ID != mid {
		t.Fatalf("QueryByVector: expected order [near mid], got [%s %s]", hits[0].Node.ID, hits[1].Node.ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("QueryByVector: scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
	if hits[1].Score < graph.MinSimilarity {
		t.Fatalf("QueryByVector: hit below floor leaked through: %v", hits[1].Score)
	}

	t.Run("limit", func(t *testing.T) {
		got, err := s.QueryByVector(ctx, graph.LabelFact, []float32{1, 0, 0}, 1, nil)
		if err != nil {
			t.Fatalf("QueryByVector: unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Node.ID != near {
			t.Fatalf("QueryByVector: expected best hit only, got %+v", got)
		}
	})

	t.Run("match filter", func(t *testing.T) {
		scoped := memstore.New()
		a := mustMerge(t, ctx, scoped, graph.KnowledgeChunk{DocumentID: "d1", Scope: "tutor", Content: "alpha", ChunkIndex: 0}, []float32{1, 0})
		mustMerge(t, ctx, scoped, graph.KnowledgeChunk{DocumentID: "d2", Scope: "coach", Content: "beta", ChunkIndex: 0}, []float32{1, 0})

		got, err := scoped.QueryByVector(ctx, graph.LabelKnowledgeChunk, []float32{1, 0}, 10, map[string]any{"scope": "tutor"})
		if err != nil {
			t.Fatalf("QueryByVector: unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].Node.ID != a {
			t.Fatalf("QueryByVector: expected scope filter to keep one hit, got %+v", got)
		}
	})
}

func TestUpsertEdge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("merges props on repeat upsert", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		user := mustMerge(t, ctx, s, graph.User{Name: "User"}, nil)
		person := mustMerge(t, ctx, s, graph.Person{Name: "Tomek"}, nil)

		err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "KNOWS", ToID: person, Props: map[string]any{
			"relation_type": "friend", "sentiment": "positive", "since": "2026-08-01",
		}})
		if err != nil {
			t.Fatalf("UpsertEdge: unexpected error: %v", err)
		}
		err = s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "KNOWS", ToID: person, Props: map[string]any{
			"sentiment": "complicated",
		}})
		if err != nil {
			t.Fatalf("UpsertEdge second: unexpected error: %v", err)
		}

		linked, err := s.Linked(ctx, user, 0)
		if err != nil {
			t.Fatalf("Linked: unexpected error: %v", err)
		}
		if len(linked) != 1 {
			t.Fatalf("Linked: expected a single edge, got %d", len(linked))
		}
		props := linked[0].Props
		if props["sentiment"] != "complicated" || props["relation_type"] != "friend" || props["since"] != "2026-08-01" {
			t.Fatalf("Linked: expected merged edge props, got %+v", props)
		}
	})

	t.Run("missing endpoint errors", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		user := mustMerge(t, ctx, s, graph.User{Name: "User"}, nil)
		err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "KNOWS", ToID: "no-such-id"})
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("UpsertEdge: expected not-found error, got %v", err)
		}
	})

	t.Run("sanitises the edge type", func(t *testing.T) {
		t.Parallel()
		s := memstore.New()
		user := mustMerge(t, ctx, s, graph.User{Name: "User"}, nil)
		person := mustMerge(t, ctx, s, graph.Person{Name: "Tomek"}, nil)

		if err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "works with; drop", ToID: person}); err != nil {
			t.Fatalf("UpsertEdge: unexpected error: %v", err)
		}
		linked, err := s.Linked(ctx, user, 0)
		if err != nil {
			t.Fatalf("Linked: unexpected error: %v", err)
		}
		if len(linked) != 1 || linked[0].RelType != "WORKSWITHDROP" {
			t.Fatalf("Linked: expected sanitised edge type, got %+v", linked)
		}

		// A repeat upsert of the raw type lands on the same edge.
		if err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "works with; drop", ToID: person, Props: map[string]any{"role": "colleague"}}); err != nil {
			t.Fatalf("UpsertEdge second: unexpected error: %v", err)
		}
		linked, err = s.Linked(ctx, user, 0)
		if err != nil {
			t.Fatalf("Linked: unexpected error: %v", err)
		}
		if len(linked) != 1 || linked[0].Props["role"] != "colleague" {
			t.Fatalf("Linked: expected one merged edge, got %+v", linked)
		}
	})
}

func TestLinked_Directions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	person := mustMerge(t, ctx, s, graph.Person{Name: "Kasia"}, nil)
	event := mustMerge(t, ctx, s, graph.Event{Description: "wedding", Date: "2026-06-06"}, nil)
	user := mustMerge(t, ctx, s, graph.User{Name: "User"}, nil)

	if err := s.UpsertEdge(ctx, graph.Edge{FromID: person, Type: "PARTICIPATED_IN", ToID: event, Props: map[string]any{"role": "participant"}}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}
	if err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "KNOWS", ToID: person, Props: map[string]any{"relation_type": "friend", "sentiment": "positive"}}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}

	linked, err := s.Linked(ctx, person, 0)
	if err != nil {
		t.Fatalf("Linked: unexpected error: %v", err)
	}
	if len(linked) != 2 {
		t.Fatalf("Linked: expected 2 edges, got %d", len(linked))
	}

	// Oldest edge first: the outgoing PARTICIPATED_IN, then the incoming KNOWS.
	if !linked[0].Outgoing || linked[0].RelType != "PARTICIPATED_IN" || linked[0].Node.ID != event {
		t.Fatalf("Linked[0]: expected outgoing PARTICIPATED_IN to event, got %+v", linked[0])
	}
	if linked[1].Outgoing || linked[1].RelType != "KNOWS" || linked[1].Node.ID != user {
		t.Fatalf("Linked[1]: expected incoming KNOWS from user, got %+v", linked[1])
	}
}

func TestConnectedPersons(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	event := mustMerge(t, ctx, s, graph.Event{Description: "climbing trip", Date: "2026-07-12"}, nil)
	zofia := mustMerge(t, ctx, s, graph.Person{Name: "Zofia"}, nil)
	adam := mustMerge(t, ctx, s, graph.Person{Name: "Adam"}, nil)
	user := mustMerge(t, ctx, s, graph.User{Name: "User"}, nil)

	// Mixed directions: one person points at the event, the event mentions the other.
	if err := s.UpsertEdge(ctx, graph.Edge{FromID: zofia, Type: "PARTICIPATED_IN", ToID: event}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}
	if err := s.UpsertEdge(ctx, graph.Edge{FromID: event, Type: "MENTIONS", ToID: adam}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}
	// Non-person neighbour must not appear.
	if err := s.UpsertEdge(ctx, graph.Edge{FromID: user, Type: "ATTENDED", ToID: event}); err != nil {
		t.Fatalf("UpsertEdge: unexpected error: %v", err)
	}

	conns, err := s.ConnectedPersons(ctx, []string{event})
	if err != nil {
		t.Fatalf("ConnectedPersons: unexpected error: %v", err)
	}
	got := conns[event]
	if len(got) != 2 {
		t.Fatalf("ConnectedPersons: expected 2 persons, got %+v", got)
	}
	if got[0].Name != "Adam" || got[0].RelType != "MENTIONS" || got[0].PersonID != adam || !got[0].Outgoing {
		t.Fatalf("ConnectedPersons[0]: expected Adam via outgoing MENTIONS, got %+v", got[0])
	}
	if got[1].Name != "Zofia" || got[1].RelType != "PARTICIPATED_IN" || got[1].PersonID != zofia || got[1].Outgoing {
		t.Fatalf("ConnectedPersons[1]: expected Zofia via incoming PARTICIPATED_IN, got %+v", got[1])
	}

	t.Run("empty input yields empty map", func(t *testing.T) {
		conns, err := s.ConnectedPersons(ctx, nil)
		if err != nil {
			t.Fatalf("ConnectedPersons: unexpected error: %v", err)
		}
		if len(conns) != 0 {
			t.Fatalf("ConnectedPersons: expected empty map, got %+v", conns)
		}
	})
}

func TestMergeNode_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.MergeNode(ctx, graph.Fact{Content: "same fact"}, nil); err != nil {
				t.Errorf("MergeNode: unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.FindNodes(ctx, graph.LabelFact, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes: unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("FindNodes: expected a single node after concurrent merges, got %d", len(got))
	}
}

func TestPropIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := memstore.New()

	id := mustMerge(t, ctx, s, graph.Person{Name: "Iwona", Aliases: []string{"Iwa"}}, nil)

	got, err := s.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode: unexpected error: %v", err)
	}
	got.Props["name"] = "mutated"

	again, err := s.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode second: unexpected error: %v", err)
	}
	if graph.PropString(again.Props, "name") != "Iwona" {
		t.Fatal("GetNode: returned props must not alias the stored map")
	}
}
