// Package memory implements the typed knowledge-graph memory subsystem: the
// write API behind the agent's memory tools, entity canonicalisation for
// person mentions, and hybrid (graph + vector) context retrieval.
//
// Memories live in a [graph.Store] as five node labels connected by a small,
// fixed set of relationships:
//
//	(User)-[:KNOWS]->(Person)            relation_type, sentiment, since
//	(Person)-[:KNOWS]->(Person)          relation_type, sentiment
//	(Person)-[:PARTICIPATED_IN]->(Event) role
//	(Event)-[:MENTIONS]->(Person)        sentiment
//	(User)-[:HAS_FACT]->(Fact)
//	(User)-[:HAS_PREFERENCE]->(Preference)
//
// Every write embeds the node's text for semantic retrieval. Facts and
// preferences additionally pass a duplicate guard so near-identical
// statements converge on one node instead of accumulating restatements.
//
// Tool-facing operations return display strings that are handed to the model
// verbatim; not-found conditions are reported as sentinel strings ("Memory
// not found", "No results"), never as errors.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miskibin/rtx-chat/pkg/graph"
)

// DefaultDuplicateThreshold is the cosine similarity at or above which a new
// fact or preference is treated as a restatement of an existing one and
// rejected with a pointer to the original.
const DefaultDuplicateThreshold = 0.93

// Search endpoint bounds: per-label candidates and the merged result cap.
const (
	searchPerLabel = 5
	searchMaxTotal = 10
)

// Service is the memory API. All operations are safe for concurrent use;
// writes are idempotent on each node's merge key.
type Service struct {
	store        graph.Store
	embedder     Embedder
	canon        *Canonicalizer
	retriever    *Retriever
	userName     string
	dupThreshold float64

	mu     sync.Mutex
	userID string // cached singleton User node ID
}

// Option configures a Service.
type Option func(*Service)

// WithUserName overrides the name under which the singleton User node is
// merged.
func WithUserName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.userName = name
		}
	}
}

// WithDuplicateThreshold overrides the similarity at which new facts and
// preferences are rejected as duplicates.
func WithDuplicateThreshold(threshold float64) Option {
	return func(s *Service) {
		if threshold > 0 {
			s.dupThreshold = threshold
		}
	}
}

// NewService returns a memory Service over store and embedder.
func NewService(store graph.Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:        store,
		embedder:     embedder,
		canon:        NewCanonicalizer(store, embedder),
		retriever:    NewRetriever(store, embedder),
		userName:     graph.DefaultUserName,
		dupThreshold: DefaultDuplicateThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retrieve runs the hybrid retriever; see [Retriever.Retrieve].
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedMemory, error) {
	return s.retriever.Retrieve(ctx, query, opts)
}

// ─────────────────────────────────────────────────────────────────────────────
// Write operations
// ─────────────────────────────────────────────────────────────────────────────

// AddPerson canonicalises name into a Person node. A non-empty description
// replaces the stored one and re-embeds the node. When both relationType and
// sentiment are given, the user's KNOWS edge is upserted with today as the
// `since` date.
func (s *Service) AddPerson(ctx context.Context, name, description, relationType, sentiment string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("memory: add person: empty name")
	}

	personID, err := s.canon.Canonicalize(ctx, name)
	if err != nil {
		return "", err
	}

	if description != "" {
		emb := s.embedText(ctx, graph.Person{Name: name, Description: description}.EmbeddingText())
		if err := s.store.UpdateNode(ctx, personID, map[string]any{"description": description}, emb); err != nil {
			return "", fmt.Errorf("memory: update person %q: %w", name, err)
		}
	}

	result := "Person added: " + name
	if relationType != "" && sentiment != "" {
		userID, err := s.ensureUser(ctx)
		if err != nil {
			return "", err
		}
		err = s.store.UpsertEdge(ctx, graph.Edge{
			FromID: userID,
			Type:   graph.EdgeKnows,
			ToID:   personID,
			Props: map[string]any{
				"relation_type": relationType,
				"sentiment":     sentiment,
				"since":         time.Now().Format(time.DateOnly),
			},
		})
		if err != nil {
			return "", fmt.Errorf("memory: link user to %q: %w", name, err)
		}
		result += fmt.Sprintf(" | %s (%s)", relationType, sentiment)
	}
	return result, nil
}

// AddEvent merges an Event node and links the named people to it:
// participants via PARTICIPATED_IN, mentioned people via MENTIONS. People
// are resolved by name or alias and never created here; unknown names are
// skipped (the model is instructed to add persons first). An empty date
// defaults to today.
func (s *Service) AddEvent(ctx context.Context, description, date string, participants, mentioned []string) (string, error) {
	if date == "" {
		date = time.Now().Format(time.DateOnly)
	}

	event := graph.Event{Description: description, Date: date}
	eventID, _, err := s.store.MergeNode(ctx, event, s.embedText(ctx, event.EmbeddingText()))
	if err != nil {
		return "", fmt.Errorf("memory: add event: %w", err)
	}

	link := func(name, relType string, outgoingFromPerson bool, props map[string]any) error {
		personID, ok, err := s.canon.Resolve(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			slog.Warn("event references unknown person, skipping link",
				"person", name,
				"event", description)
			return nil
		}
		edge := graph.Edge{FromID: personID, Type: relType, ToID: eventID, Props: props}
		if !outgoingFromPerson {
			edge.FromID, edge.ToID = eventID, personID
		}
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("memory: link %q to event: %w", name, err)
		}
		return nil
	}

	for _, p := range participants {
		if err := link(p, graph.EdgeParticipatedIn, true, map[string]any{"role": "participant"}); err != nil {
			return "", err
		}
	}
	for _, m := range mentioned {
		if err := link(m, graph.EdgeMentions, false, map[string]any{"sentiment": "neutral"}); err != nil {
			return "", err
		}
	}
	return "Event added: " + description, nil
}

// AddFact stores a fact about the user unless a near-duplicate already
// exists, in which case the caller is pointed at the existing node's ID.
func (s *Service) AddFact(ctx context.Context, content, category string) (string, error) {
	fact := graph.Fact{Content: content, Category: category}
	emb := s.embedText(ctx, fact.EmbeddingText())

	if dup, err := s.duplicateOf(ctx, graph.LabelFact, emb); err != nil {
		return "", err
	} else if dup != nil {
		return fmt.Sprintf("Similar fact already exists (similarity: %.2f): '%s'. Use update_fact_or_preference with ID: %s",
			dup.Score, duplicateContent(dup.Node), dup.Node.ID), nil
	}

	factID, _, err := s.store.MergeNode(ctx, fact, emb)
	if err != nil {
		return "", fmt.Errorf("memory: add fact: %w", err)
	}
	if err := s.linkToUser(ctx, graph.EdgeHasFact, factID); err != nil {
		return "", err
	}
	return "Fact added: " + content, nil
}

// AddPreference stores a standing instruction for the assistant unless a
// near-duplicate already exists.
func (s *Service) AddPreference(ctx context.Context, instruction string) (string, error) {
	pref := graph.Preference{Instruction: instruction}
	emb := s.embedText(ctx, pref.EmbeddingText())

	if dup, err := s.duplicateOf(ctx, graph.LabelPreference, emb); err != nil {
		return "", err
	} else if dup != nil {
		return fmt.Sprintf("Similar preference already exists (similarity: %.2f): '%s'. Use update_fact_or_preference with ID: %s",
			dup.Score, duplicateContent(dup.Node), dup.Node.ID), nil
	}

	prefID, _, err := s.store.MergeNode(ctx, pref, emb)
	if err != nil {
		return "", fmt.Errorf("memory: add preference: %w", err)
	}
	if err := s.linkToUser(ctx, graph.EdgeHasPreference, prefID); err != nil {
		return "", err
	}
	return "Preference added: " + instruction, nil
}

// AddRelationship upserts a KNOWS edge between two existing people. Both
// endpoints are resolved by name or alias; a missing person is reported as a
// sentinel rather than created, mirroring the event-participant policy.
// An omitted sentiment leaves any previously stored one in place.
func (s *Service) AddRelationship(ctx context.Context, startPerson, endPerson, relationType, sentiment string) (string, error) {
	fromID, ok, err := s.canon.Resolve(ctx, startPerson)
	if err != nil {
		return "", err
	}
	if !ok {
		return "Person not found: " + startPerson, nil
	}
	toID, ok, err := s.canon.Resolve(ctx, endPerson)
	if err != nil {
		return "", err
	}
	if !ok {
		return "Person not found: " + endPerson, nil
	}

	props := map[string]any{"relation_type": relationType}
	if sentiment != "" {
		props["sentiment"] = sentiment
	}
	err = s.store.UpsertEdge(ctx, graph.Edge{FromID: fromID, Type: graph.EdgeKnows, ToID: toID, Props: props})
	if err != nil {
		return "", fmt.Errorf("memory: add relationship: %w", err)
	}
	return fmt.Sprintf("Relationship: %s -[%s]-> %s", startPerson, relationType, endPerson), nil
}

// UpdateMemory replaces the text of a fact or preference by node ID and
// re-embeds it. IDs come from earlier tool outputs ("[ID: …]" markers or
// duplicate-guard messages). Nodes of any other label report "Memory not
// found".
func (s *Service) UpdateMemory(ctx context.Context, memoryID, newValue string) (string, error) {
	node, err := s.store.GetNode(ctx, memoryID)
	if err != nil {
		return "", fmt.Errorf("memory: update: %w", err)
	}
	if node == nil {
		return "Memory not found", nil
	}

	switch node.Label {
	case graph.LabelFact:
		fact := graph.Fact{Content: newValue, Category: graph.PropString(node.Props, "category")}
		emb := s.embedText(ctx, fact.EmbeddingText())
		if err := s.store.UpdateNode(ctx, memoryID, map[string]any{"content": newValue}, emb); err != nil {
			return "", fmt.Errorf("memory: update fact: %w", err)
		}
		return "Fact updated: " + newValue, nil
	case graph.LabelPreference:
		emb := s.embedText(ctx, graph.Preference{Instruction: newValue}.EmbeddingText())
		if err := s.store.UpdateNode(ctx, memoryID, map[string]any{"instruction": newValue}, emb); err != nil {
			return "", fmt.Errorf("memory: update preference: %w", err)
		}
		return "Preference updated: " + newValue, nil
	default:
		return "Memory not found", nil
	}
}

// DeleteMemory detach-deletes any memory node by ID.
func (s *Service) DeleteMemory(ctx context.Context, memoryID string) (string, error) {
	deleted, err := s.store.DeleteNode(ctx, memoryID)
	if err != nil {
		return "", fmt.Errorf("memory: delete: %w", err)
	}
	if !deleted {
		return "Memory not found", nil
	}

	s.mu.Lock()
	if s.userID == memoryID {
		s.userID = ""
	}
	s.mu.Unlock()
	return "Memory deleted", nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Read operations (tool surface)
// ─────────────────────────────────────────────────────────────────────────────

// ListPreferences renders all stored preferences as a bullet list for the
// model.
func (s *Service) ListPreferences(ctx context.Context) (string, error) {
	prefs, err := s.Preferences(ctx)
	if err != nil {
		return "", err
	}
	if len(prefs) == 0 {
		return "No preferences", nil
	}
	lines := make([]string, 0, len(prefs))
	for _, p := range prefs {
		lines = append(lines, "- "+p)
	}
	return strings.Join(lines, "\n"), nil
}

// GetRelationship reports the user's KNOWS edge to the named person together
// with the events that person participated in.
func (s *Service) GetRelationship(ctx context.Context, personName string) (string, error) {
	personID, ok, err := s.canon.Resolve(ctx, personName)
	if err != nil {
		return "", err
	}
	if !ok {
		return "No relationship with " + personName, nil
	}

	linked, err := s.store.Linked(ctx, personID, 0)
	if err != nil {
		return "", fmt.Errorf("memory: get relationship: %w", err)
	}

	var rel map[string]any
	var events []string
	for _, l := range linked {
		switch {
		case !l.Outgoing && l.RelType == graph.EdgeKnows && l.Node.Label == graph.LabelUser:
			rel = l.Props
		case l.Outgoing && l.RelType == graph.EdgeParticipatedIn && l.Node.Label == graph.LabelEvent:
			if desc := graph.PropString(l.Node.Props, "description"); desc != "" {
				events = append(events, desc)
			}
		}
	}
	if rel == nil {
		return "No relationship with " + personName, nil
	}

	since := graph.PropString(rel, "since")
	if since == "" {
		since = "unknown"
	}
	out := fmt.Sprintf("%s | %s | since: %s",
		graph.PropString(rel, "relation_type"),
		graph.PropString(rel, "sentiment"),
		since)
	if len(events) > 0 {
		for i, e := range events {
			events[i] = "  - " + e
		}
		out += "\nEvents:\n" + strings.Join(events, "\n")
	}
	return out, nil
}

// ContextQuery are the arguments of the retrieve_context tool.
type ContextQuery struct {
	// Query is the free-text search phrase.
	Query string

	// EntityNames switches to a person-centric lookup: each name is resolved
	// exactly (name or alias) and rendered with its relationship and events.
	EntityNames []string

	// NodeLabels restricts the semantic search ("Person", "Event", "Fact",
	// "Preference"). Empty means all four.
	NodeLabels []string

	// Limit caps both the per-label candidates and the merged result.
	// Zero or negative applies the retriever default.
	Limit int

	// MinSimilarity drops semantic hits scoring below it, on top of the
	// store-level floor. Comes from the agent's memory settings.
	MinSimilarity float64
}

// RetrieveContext implements the retrieve_context tool: a person-centric
// lookup when entity names are given, otherwise a per-label semantic search
// merged by score. Results carry "[ID: …]" markers the model can feed back
// into update and delete operations.
func (s *Service) RetrieveContext(ctx context.Context, q ContextQuery) (string, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultRetrieveLimit
	}
	if len(q.EntityNames) > 0 {
		return s.entityContext(ctx, q.EntityNames)
	}
	return s.semanticContext(ctx, q)
}

func (s *Service) entityContext(ctx context.Context, names []string) (string, error) {
	var lines []string
	for _, name := range names {
		personID, ok, err := s.canon.Resolve(ctx, name)
		if err != nil {
			return "", err
		}
		if !ok {
			continue
		}
		node, err := s.store.GetNode(ctx, personID)
		if err != nil {
			return "", fmt.Errorf("memory: retrieve context: %w", err)
		}
		if node == nil {
			continue
		}
		linked, err := s.store.Linked(ctx, personID, 0)
		if err != nil {
			return "", fmt.Errorf("memory: retrieve context: %w", err)
		}

		personLine := node.String()
		var events []string
		for _, l := range linked {
			switch {
			case !l.Outgoing && l.RelType == graph.EdgeKnows && l.Node.Label == graph.LabelUser:
				personLine += fmt.Sprintf(" [%s, %s]",
					graph.PropString(l.Props, "relation_type"),
					graph.PropString(l.Props, "sentiment"))
			case l.Outgoing && l.RelType == graph.EdgeParticipatedIn && l.Node.Label == graph.LabelEvent:
				events = append(events, "  → "+l.Node.String())
			}
		}
		lines = append(lines, fmt.Sprintf("%s [ID: %s]", personLine, personID))
		lines = append(lines, events...)
	}
	if len(lines) == 0 {
		return "No results", nil
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) semanticContext(ctx context.Context, q ContextQuery) (string, error) {
	labels := resolveLabels(q.NodeLabels)

	emb, err := s.embedder.Embed(ctx, q.Query)
	if err != nil {
		return "", fmt.Errorf("memory: retrieve context: embed query: %w", err)
	}

	type scoredLine struct {
		line  string
		score float64
		id    string
	}
	var all []scoredLine
	for _, label := range labels {
		hits, err := s.store.QueryByVector(ctx, label, emb, q.Limit, nil)
		if err != nil {
			return "", fmt.Errorf("memory: retrieve context: search %s: %w", label, err)
		}
		for _, hit := range hits {
			if hit.Score < q.MinSimilarity {
				continue
			}
			line, err := s.describeHit(ctx, hit.Node)
			if err != nil {
				return "", err
			}
			all = append(all, scoredLine{line: line, score: hit.Score, id: hit.Node.ID})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	if len(all) > q.Limit {
		all = all[:q.Limit]
	}
	if len(all) == 0 {
		return "No results", nil
	}

	lines := make([]string, 0, len(all))
	for _, r := range all {
		lines = append(lines, r.line)
	}
	return strings.Join(lines, "\n"), nil
}

// describeHit renders one semantic hit with its label-specific context: the
// user's relationship for persons, the participant list for events.
func (s *Service) describeHit(ctx context.Context, node graph.StoredNode) (string, error) {
	switch node.Label {
	case graph.LabelPerson:
		detail := ""
		linked, err := s.store.Linked(ctx, node.ID, 0)
		if err != nil {
			return "", fmt.Errorf("memory: retrieve context: %w", err)
		}
		for _, l := range linked {
			if !l.Outgoing && l.RelType == graph.EdgeKnows && l.Node.Label == graph.LabelUser {
				detail = fmt.Sprintf(" → %s (%s)",
					graph.PropString(l.Props, "relation_type"),
					graph.PropString(l.Props, "sentiment"))
				break
			}
		}
		return fmt.Sprintf("Person: %s%s [ID: %s]", node.String(), detail, node.ID), nil

	case graph.LabelEvent:
		detail := ""
		conns, err := s.store.ConnectedPersons(ctx, []string{node.ID})
		if err != nil {
			return "", fmt.Errorf("memory: retrieve context: %w", err)
		}
		var participants []string
		for _, c := range conns[node.ID] {
			if c.RelType == graph.EdgeParticipatedIn && !c.Outgoing {
				participants = append(participants, c.Name)
			}
		}
		if len(participants) > 0 {
			detail = " | 👥 " + strings.Join(participants, ", ")
		}
		return fmt.Sprintf("Event: %s%s [ID: %s]", node.String(), detail, node.ID), nil

	default:
		return fmt.Sprintf("%s: %s [ID: %s]", node.Label, node.String(), node.ID), nil
	}
}

// resolveLabels maps the tool's label strings onto memory labels, ignoring
// unknown ones. An empty or fully invalid list means all memory labels.
func resolveLabels(names []string) []graph.Label {
	if len(names) == 0 {
		return graph.MemoryLabels()
	}
	known := graph.MemoryLabels()
	var labels []graph.Label
	for _, name := range names {
		for _, label := range known {
			if strings.EqualFold(name, string(label)) {
				labels = append(labels, label)
				break
			}
		}
	}
	if len(labels) == 0 {
		return known
	}
	return labels
}

// ─────────────────────────────────────────────────────────────────────────────
// Listing API (HTTP surface)
// ─────────────────────────────────────────────────────────────────────────────

// MemoryItem is one row of the memories listing API.
type MemoryItem struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// MemoryHit is one scored row of the memory search API.
type MemoryHit struct {
	Type    string  `json:"type"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// PersonDetail is one row of the people listing API. Relation and Sentiment
// come from the user's KNOWS edge and are empty when the user has none.
type PersonDetail struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Relation    string `json:"relation"`
	Sentiment   string `json:"sentiment"`
}

// EventDetail is one row of the events listing API.
type EventDetail struct {
	Description  string   `json:"description"`
	Date         string   `json:"date"`
	Participants []string `json:"participants"`
}

// ListMemories returns every memory node across the four memory labels.
func (s *Service) ListMemories(ctx context.Context) ([]MemoryItem, error) {
	items := make([]MemoryItem, 0, 32)
	for _, label := range graph.MemoryLabels() {
		nodes, err := s.store.FindNodes(ctx, label, nil, 0)
		if err != nil {
			return nil, fmt.Errorf("memory: list memories: %w", err)
		}
		for _, n := range nodes {
			items = append(items, MemoryItem{ID: n.ID, Type: string(n.Label), Content: n.String()})
		}
	}
	return items, nil
}

// SearchMemories runs a plain semantic search across all memory labels,
// merging the per-label candidates into one score-ordered list.
func (s *Service) SearchMemories(ctx context.Context, query string) ([]MemoryHit, error) {
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: search: embed query: %w", err)
	}

	hits := make([]MemoryHit, 0, searchMaxTotal)
	for _, label := range graph.MemoryLabels() {
		nodeHits, err := s.store.QueryByVector(ctx, label, emb, searchPerLabel, nil)
		if err != nil {
			return nil, fmt.Errorf("memory: search %s: %w", label, err)
		}
		for _, h := range nodeHits {
			hits = append(hits, MemoryHit{Type: string(h.Node.Label), Content: h.Node.String(), Score: h.Score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > searchMaxTotal {
		hits = hits[:searchMaxTotal]
	}
	return hits, nil
}

// Preferences returns all stored preference instructions.
func (s *Service) Preferences(ctx context.Context) ([]string, error) {
	nodes, err := s.store.FindNodes(ctx, graph.LabelPreference, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list preferences: %w", err)
	}
	prefs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		prefs = append(prefs, graph.PropString(n.Props, "instruction"))
	}
	return prefs, nil
}

// ListPeople returns every person with the user's relationship to them.
func (s *Service) ListPeople(ctx context.Context) ([]PersonDetail, error) {
	persons, err := s.store.FindNodes(ctx, graph.LabelPerson, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list people: %w", err)
	}

	knows := map[string]map[string]any{}
	userID, err := s.findUser(ctx)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		linked, err := s.store.Linked(ctx, userID, 0)
		if err != nil {
			return nil, fmt.Errorf("memory: list people: %w", err)
		}
		for _, l := range linked {
			if l.Outgoing && l.RelType == graph.EdgeKnows && l.Node.Label == graph.LabelPerson {
				knows[l.Node.ID] = l.Props
			}
		}
	}

	people := make([]PersonDetail, 0, len(persons))
	for _, p := range persons {
		detail := PersonDetail{
			Name:        graph.PropString(p.Props, "name"),
			Description: graph.PropString(p.Props, "description"),
		}
		if props, ok := knows[p.ID]; ok {
			detail.Relation = graph.PropString(props, "relation_type")
			detail.Sentiment = graph.PropString(props, "sentiment")
		}
		people = append(people, detail)
	}
	return people, nil
}

// ListEvents returns every event with the names of its participants.
func (s *Service) ListEvents(ctx context.Context) ([]EventDetail, error) {
	events, err := s.store.FindNodes(ctx, graph.LabelEvent, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: list events: %w", err)
	}
	if len(events) == 0 {
		return []EventDetail{}, nil
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	conns, err := s.store.ConnectedPersons(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("memory: list events: %w", err)
	}

	details := make([]EventDetail, 0, len(events))
	for _, e := range events {
		participants := make([]string, 0, 2)
		for _, c := range conns[e.ID] {
			if c.RelType == graph.EdgeParticipatedIn && !c.Outgoing {
				participants = append(participants, c.Name)
			}
		}
		details = append(details, EventDetail{
			Description:  graph.PropString(e.Props, "description"),
			Date:         graph.PropString(e.Props, "date"),
			Participants: participants,
		})
	}
	return details, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

// embedText returns the embedding for text, or nil when the embedder fails.
// Memory writes proceed without a vector rather than failing the tool call;
// such nodes stay reachable through graph traversal and exact matching.
func (s *Service) embedText(ctx context.Context, text string) []float32 {
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("memory embedding failed, storing without vector",
			"error", err,
			"text_length", len(text))
		return nil
	}
	return emb
}

// duplicateOf returns the closest existing node under label when its
// similarity reaches the duplicate threshold, nil otherwise. A nil embedding
// skips the check entirely.
func (s *Service) duplicateOf(ctx context.Context, label graph.Label, emb []float32) (*graph.NodeHit, error) {
	if len(emb) == 0 {
		return nil, nil
	}
	hits, err := s.store.QueryByVector(ctx, label, emb, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: duplicate check: %w", err)
	}
	if len(hits) > 0 && hits[0].Score >= s.dupThreshold {
		return &hits[0], nil
	}
	return nil, nil
}

// duplicateContent extracts the display text of a duplicate-guard hit.
func duplicateContent(node graph.StoredNode) string {
	for _, key := range []string{"content", "instruction", "description"} {
		if v := graph.PropString(node.Props, key); v != "" {
			return v
		}
	}
	return ""
}

// linkToUser upserts a property-less edge from the singleton user to nodeID.
func (s *Service) linkToUser(ctx context.Context, relType, nodeID string) error {
	userID, err := s.ensureUser(ctx)
	if err != nil {
		return err
	}
	if err := s.store.UpsertEdge(ctx, graph.Edge{FromID: userID, Type: relType, ToID: nodeID}); err != nil {
		return fmt.Errorf("memory: link %s: %w", relType, err)
	}
	return nil
}

// findUser returns the singleton User node's ID, or "" when it does not
// exist yet. The ID is cached after the first hit.
func (s *Service) findUser(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" {
		return s.userID, nil
	}
	found, err := s.store.FindNodes(ctx, graph.LabelUser, map[string]any{"name": s.userName}, 1)
	if err != nil {
		return "", fmt.Errorf("memory: find user node: %w", err)
	}
	if len(found) > 0 {
		s.userID = found[0].ID
	}
	return s.userID, nil
}

// ensureUser returns the singleton User node's ID, creating the node on
// first use.
func (s *Service) ensureUser(ctx context.Context) (string, error) {
	if id, err := s.findUser(ctx); err != nil || id != "" {
		return id, err
	}

	id, created, err := s.store.MergeNode(ctx, graph.User{Name: s.userName}, nil)
	if err != nil {
		return "", fmt.Errorf("memory: create user node: %w", err)
	}
	if created {
		slog.Info("user node created", "name", s.userName)
	}

	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
	return id, nil
}
