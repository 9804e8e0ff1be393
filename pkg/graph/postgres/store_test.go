package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/miskibin/rtx-chat/pkg/graph"
	"github.com/miskibin/rtx-chat/pkg/graph/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if RTXCHAT_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RTXCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RTXCHAT_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS edges CASCADE",
		"DROP TABLE IF EXISTS nodes CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// mustMerge saves a node and returns its ID.
func mustMerge(t *testing.T, ctx context.Context, store *postgres.Store, n graph.Node, emb []float32) string {
	t.Helper()
	id, _, err := store.MergeNode(ctx, n, emb)
	if err != nil {
		t.Fatalf("MergeNode %s: %v", n.Label(), err)
	}
	return id
}

// ─────────────────────────────────────────────────────────────────────────────
// Nodes
// ─────────────────────────────────────────────────────────────────────────────

func TestMergeNode_CreateThenUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, created, err := store.MergeNode(ctx, graph.Person{Name: "Alek", Description: "friend"}, []float32{1, 0, 0, 0})
	if err != nil {
		t.Fatalf("MergeNode: %v", err)
	}
	if !created {
		t.Error("first merge: want created=true")
	}

	// Same merge key: must update in place, not create a second node.
	id2, created, err := store.MergeNode(ctx, graph.Person{Name: "Alek", Description: "close friend"}, []float32{0, 1, 0, 0})
	if err != nil {
		t.Fatalf("MergeNode update: %v", err)
	}
	if created {
		t.Error("second merge: want created=false")
	}
	if id1 != id2 {
		t.Errorf("merge identity: want same ID, got %s and %s", id1, id2)
	}

	got, err := store.GetNode(ctx, id1)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got == nil {
		t.Fatal("GetNode: want node, got nil")
	}
	if desc := graph.PropString(got.Props, "description"); desc != "close friend" {
		t.Errorf("description: want updated value, got %q", desc)
	}

	all, err := store.FindNodes(ctx, graph.LabelPerson, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("after double merge: want 1 person, got %d", len(all))
	}
}

func TestMergeNode_PreservesUnlistedProps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustMerge(t, ctx, store, graph.Person{Name: "Ala", Description: "sister"}, []float32{1, 0, 0, 0})
	if err := store.UpdateNode(ctx, id, map[string]any{"aliases": []string{"Alicja"}}, nil); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	// Re-merging without aliases must not wipe them.
	mustMerge(t, ctx, store, graph.Person{Name: "Ala", Description: "older sister"}, []float32{1, 0, 0, 0})

	got, err := store.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if aliases := graph.PropStrings(got.Props, "aliases"); len(aliases) != 1 || aliases[0] != "Alicja" {
		t.Errorf("aliases after re-merge: want [Alicja], got %v", aliases)
	}
	if desc := graph.PropString(got.Props, "description"); desc != "older sister" {
		t.Errorf("description after re-merge: want %q, got %q", "older sister", desc)
	}
}

func TestGetNode_Missing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetNode(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetNode missing: unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("GetNode missing: want nil, got %+v", got)
	}
}

func TestUpdateNode_Missing(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateNode(context.Background(), "does-not-exist", map[string]any{"x": 1}, nil)
	if err == nil {
		t.Error("UpdateNode missing: want error, got nil")
	}
}

func TestUpdateNode_RewritesIdentity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := mustMerge(t, ctx, store, graph.Fact{Content: "owns a red Tesla", Category: "possession"}, []float32{1, 0, 0, 0})
	if err := store.UpdateNode(ctx, id, map[string]any{"content": "owns a blue Tesla"}, []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	// A merge under the old content must create a fresh node, not clobber
	// the rewritten one.
	otherID, created, err := store.MergeNode(ctx, graph.Fact{Content: "owns a red Tesla", Category: "possession"}, []float32{1, 0, 0, 0})
	if err != nil {
		t.Fatalf("MergeNode old content: %v", err)
	}
	if !created {
		t.Error("merge under old content: want created=true")
	}
	if otherID == id {
		t.Error("merge under old content: want a new node, got the updated one")
	}

	// A merge under the new content must hit the updated node.
	sameID, created, err := store.MergeNode(ctx, graph.Fact{Content: "owns a blue Tesla", Category: "possession"}, []float32{0, 1, 0, 0})
	if err != nil {
		t.Fatalf("MergeNode new content: %v", err)
	}
	if created {
		t.Error("merge under new content: want created=false")
	}
	if sameID != id {
		t.Errorf("merge under new content: want %s, got %s", id, sameID)
	}
}

func TestDeleteNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	personID := mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{1, 0, 0, 0})
	eventID := mustMerge(t, ctx, store, graph.Event{Description: "met for coffee", Date: "2025-06-01"}, []float32{0, 1, 0, 0})
	if err := store.UpsertEdge(ctx, graph.Edge{FromID: personID, Type: graph.EdgeParticipatedIn, ToID: eventID}); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	deleted, err := store.DeleteNode(ctx, personID)
	if err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if !deleted {
		t.Error("DeleteNode: want deleted=true")
	}

	// Delete again: not an error, just false.
	deleted, err = store.DeleteNode(ctx, personID)
	if err != nil {
		t.Fatalf("DeleteNode repeat: %v", err)
	}
	if deleted {
		t.Error("DeleteNode repeat: want deleted=false")
	}

	// Edges must have been detached.
	linked, err := store.Linked(ctx, eventID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(linked) != 0 {
		t.Errorf("after delete: want 0 edges on event, got %d", len(linked))
	}
}

func TestFindNodes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{1, 0, 0, 0})
	alaID := mustMerge(t, ctx, store, graph.Person{Name: "Aleksandra", Description: "coworker", Aliases: []string{"Ala"}}, []float32{0, 1, 0, 0})
	mustMerge(t, ctx, store, graph.Fact{Content: "owns a bike", Category: "possession"}, []float32{0, 0, 1, 0})

	all, err := store.FindNodes(ctx, graph.LabelPerson, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all persons: want 2, got %d", len(all))
	}

	byName, err := store.FindNodes(ctx, graph.LabelPerson, map[string]any{"name": "Alek"}, 0)
	if err != nil {
		t.Fatalf("FindNodes by name: %v", err)
	}
	if len(byName) != 1 || graph.PropString(byName[0].Props, "name") != "Alek" {
		t.Errorf("by name: want exactly Alek, got %d results", len(byName))
	}

	// Alias membership via single-element list containment.
	byAlias, err := store.FindNodes(ctx, graph.LabelPerson, map[string]any{"aliases": []string{"Ala"}}, 0)
	if err != nil {
		t.Fatalf("FindNodes by alias: %v", err)
	}
	if len(byAlias) != 1 || byAlias[0].ID != alaID {
		t.Errorf("by alias: want Aleksandra, got %d results", len(byAlias))
	}

	limited, err := store.FindNodes(ctx, graph.LabelPerson, nil, 1)
	if err != nil {
		t.Fatalf("FindNodes limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1: want 1, got %d", len(limited))
	}

	none, err := store.FindNodes(ctx, graph.LabelEvent, nil, 0)
	if err != nil {
		t.Fatalf("FindNodes none: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("no events stored: want 0, got %d", len(none))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Vector queries
// ─────────────────────────────────────────────────────────────────────────────

func TestQueryByVector(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Orthogonal vectors score 0 against each other and fall under the
	// similarity floor; only aligned and 45-degree vectors survive.
	aID := mustMerge(t, ctx, store, graph.Fact{Content: "fact a", Category: "test"}, []float32{1, 0, 0, 0})
	bID := mustMerge(t, ctx, store, graph.Fact{Content: "fact b", Category: "test"}, []float32{1, 1, 0, 0})
	mustMerge(t, ctx, store, graph.Fact{Content: "fact c", Category: "test"}, []float32{0, 0, 1, 0})
	mustMerge(t, ctx, store, graph.Preference{Instruction: "other label"}, []float32{1, 0, 0, 0})

	hits, err := store.QueryByVector(ctx, graph.LabelFact, []float32{1, 0, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("QueryByVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("want 2 hits above floor, got %d", len(hits))
	}
	if hits[0].Node.ID != aID || hits[1].Node.ID != bID {
		t.Errorf("order: want [a b], got [%s %s]", hits[0].Node.ID, hits[1].Node.ID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("exact match score: want ~1.0, got %f", hits[0].Score)
	}
	if hits[1].Score < 0.70 || hits[1].Score > 0.72 {
		t.Errorf("45 degree score: want ~0.707, got %f", hits[1].Score)
	}

	limited, err := store.QueryByVector(ctx, graph.LabelFact, []float32{1, 0, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("QueryByVector limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1: want 1, got %d", len(limited))
	}
}

func TestQueryByVector_MatchFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustMerge(t, ctx, store, graph.KnowledgeChunk{DocumentID: "d1", Scope: "research", Content: "alpha", ChunkIndex: 0}, []float32{1, 0, 0, 0})
	mustMerge(t, ctx, store, graph.KnowledgeChunk{DocumentID: "d2", Scope: "cooking", Content: "beta", ChunkIndex: 0}, []float32{1, 0, 0, 0})

	hits, err := store.QueryByVector(ctx, graph.LabelKnowledgeChunk, []float32{1, 0, 0, 0}, 10, map[string]any{"scope": "research"})
	if err != nil {
		t.Fatalf("QueryByVector scoped: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("scoped: want 1 hit, got %d", len(hits))
	}
	if got := graph.PropString(hits[0].Node.Props, "content"); got != "alpha" {
		t.Errorf("scoped: want alpha, got %q", got)
	}
}

func TestQueryByVector_SkipsNodesWithoutEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustMerge(t, ctx, store, graph.KnowledgeDocument{Scope: "research", Filename: "doc.txt", DocType: "text"}, nil)
	hits, err := store.QueryByVector(ctx, graph.LabelKnowledgeDocument, []float32{1, 0, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("QueryByVector: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("document nodes carry no embedding: want 0 hits, got %d", len(hits))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Edges
// ─────────────────────────────────────────────────────────────────────────────

func TestUpsertEdge_MergesProps(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID := mustMerge(t, ctx, store, graph.User{Name: "User"}, []float32{1, 0, 0, 0})
	personID := mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{0, 1, 0, 0})

	edge := graph.Edge{FromID: userID, Type: graph.EdgeKnows, ToID: personID, Props: map[string]any{"relation_type": "friend", "sentiment": "positive"}}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	// Re-upsert with a new key and a changed value.
	edge.Props = map[string]any{"sentiment": "complicated", "since": "2019"}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge again: %v", err)
	}

	linked, err := store.Linked(ctx, userID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(linked) != 1 {
		t.Fatalf("want 1 edge, got %d", len(linked))
	}
	props := linked[0].Props
	if props["relation_type"] != "friend" {
		t.Errorf("relation_type: want friend (preserved), got %v", props["relation_type"])
	}
	if props["sentiment"] != "complicated" {
		t.Errorf("sentiment: want complicated (overwritten), got %v", props["sentiment"])
	}
	if props["since"] != "2019" {
		t.Errorf("since: want 2019 (added), got %v", props["since"])
	}
}

func TestUpsertEdge_SanitisesType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID := mustMerge(t, ctx, store, graph.User{Name: "User"}, []float32{1, 0, 0, 0})
	personID := mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{0, 1, 0, 0})

	edge := graph.Edge{FromID: userID, Type: "works with; drop", ToID: personID}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	linked, err := store.Linked(ctx, userID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(linked) != 1 {
		t.Fatalf("want 1 edge, got %d", len(linked))
	}
	if linked[0].RelType != "WORKSWITHDROP" {
		t.Errorf("rel type: want WORKSWITHDROP (sanitised), got %q", linked[0].RelType)
	}

	// The raw type keys the same row on re-upsert.
	edge.Props = map[string]any{"role": "colleague"}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("UpsertEdge again: %v", err)
	}
	linked, err = store.Linked(ctx, userID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(linked) != 1 {
		t.Fatalf("want 1 edge after re-upsert, got %d", len(linked))
	}
}

func TestLinked_Directions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	userID := mustMerge(t, ctx, store, graph.User{Name: "User"}, []float32{1, 0, 0, 0})
	personID := mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{0, 1, 0, 0})
	eventID := mustMerge(t, ctx, store, graph.Event{Description: "went hiking", Date: "2025-05-10"}, []float32{0, 0, 1, 0})

	for _, e := range []graph.Edge{
		{FromID: userID, Type: graph.EdgeKnows, ToID: personID, Props: map[string]any{"relation_type": "friend"}},
		{FromID: personID, Type: graph.EdgeParticipatedIn, ToID: eventID, Props: map[string]any{"role": "participant"}},
	} {
		if err := store.UpsertEdge(ctx, e); err != nil {
			t.Fatalf("UpsertEdge: %v", err)
		}
	}

	linked, err := store.Linked(ctx, personID, 0)
	if err != nil {
		t.Fatalf("Linked: %v", err)
	}
	if len(linked) != 2 {
		t.Fatalf("want 2 linked nodes, got %d", len(linked))
	}

	byRel := map[string]graph.LinkedNode{}
	for _, l := range linked {
		byRel[l.RelType] = l
	}
	knows, ok := byRel[graph.EdgeKnows]
	if !ok {
		t.Fatal("missing KNOWS edge")
	}
	if knows.Outgoing {
		t.Error("KNOWS: user→person should be incoming for the person")
	}
	if knows.Node.Label != graph.LabelUser {
		t.Errorf("KNOWS far node: want User, got %s", knows.Node.Label)
	}
	part, ok := byRel[graph.EdgeParticipatedIn]
	if !ok {
		t.Fatal("missing PARTICIPATED_IN edge")
	}
	if !part.Outgoing {
		t.Error("PARTICIPATED_IN: person→event should be outgoing for the person")
	}
	if part.Node.Label != graph.LabelEvent {
		t.Errorf("PARTICIPATED_IN far node: want Event, got %s", part.Node.Label)
	}

	limited, err := store.Linked(ctx, personID, 1)
	if err != nil {
		t.Fatalf("Linked limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1: want 1, got %d", len(limited))
	}
}

func TestConnectedPersons(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alekID := mustMerge(t, ctx, store, graph.Person{Name: "Alek", Description: "friend"}, []float32{1, 0, 0, 0})
	alaID := mustMerge(t, ctx, store, graph.Person{Name: "Ala", Description: "sister"}, []float32{0, 1, 0, 0})
	eventID := mustMerge(t, ctx, store, graph.Event{Description: "birthday party", Date: "2025-03-01"}, []float32{0, 0, 1, 0})
	factID := mustMerge(t, ctx, store, graph.Fact{Content: "owns a bike", Category: "possession"}, []float32{0, 0, 0, 1})

	for _, e := range []graph.Edge{
		{FromID: alekID, Type: graph.EdgeParticipatedIn, ToID: eventID},
		{FromID: alaID, Type: graph.EdgeParticipatedIn, ToID: eventID},
		{FromID: eventID, Type: graph.EdgeMentions, ToID: alekID},
	} {
		if err := store.UpsertEdge(ctx, e); err != nil {
			t.Fatalf("UpsertEdge: %v", err)
		}
	}

	conns, err := store.ConnectedPersons(ctx, []string{eventID, factID})
	if err != nil {
		t.Fatalf("ConnectedPersons: %v", err)
	}

	eventConns := conns[eventID]
	names := map[string]bool{}
	for _, c := range eventConns {
		names[c.Name] = true
		switch c.RelType {
		case graph.EdgeParticipatedIn:
			if c.Outgoing {
				t.Errorf("PARTICIPATED_IN points at the event: want Outgoing=false, got %+v", c)
			}
		case graph.EdgeMentions:
			if !c.Outgoing {
				t.Errorf("MENTIONS points at the person: want Outgoing=true, got %+v", c)
			}
		}
	}
	if !names["Alek"] || !names["Ala"] {
		t.Errorf("event connections: want Alek and Ala, got %v", eventConns)
	}
	if _, ok := conns[factID]; ok {
		t.Errorf("fact has no person connections: want absent, got %v", conns[factID])
	}

	empty, err := store.ConnectedPersons(ctx, nil)
	if err != nil {
		t.Fatalf("ConnectedPersons empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty input: want empty map, got %v", empty)
	}
}
