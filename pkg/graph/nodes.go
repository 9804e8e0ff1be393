package graph

import "strings"

// Label classifies a node. Each label has its own vector index and its own
// canonical display form.
type Label string

// Node labels known to the memory and knowledge subsystems.
const (
	LabelUser              Label = "User"
	LabelPerson            Label = "Person"
	LabelEvent             Label = "Event"
	LabelFact              Label = "Fact"
	LabelPreference        Label = "Preference"
	LabelKnowledgeChunk    Label = "KnowledgeChunk"
	LabelKnowledgeDocument Label = "KnowledgeDocument"
)

// MemoryLabels returns the node labels scanned during memory retrieval, in
// the order their results are reported.
func MemoryLabels() []Label {
	return []Label{LabelPerson, LabelEvent, LabelFact, LabelPreference}
}

// mergeKeyProps lists, per label, the property names that make up the merge
// key. Labels absent from the map have no known identity shape.
var mergeKeyProps = map[Label][]string{
	LabelUser:              {"name"},
	LabelPerson:            {"name"},
	LabelEvent:             {"date", "description"},
	LabelFact:              {"content"},
	LabelPreference:        {"instruction"},
	LabelKnowledgeChunk:    {"document_id", "chunk_index"},
	LabelKnowledgeDocument: {"scope", "filename"},
}

// MergeKeyFromProps extracts the merge-key subset of props for the given
// label. Stores use it to keep a node's identity in sync when an in-place
// update rewrites a merge-key property (e.g. a fact's content). It returns
// nil for unknown labels, in which case the existing merge key must be kept.
func MergeKeyFromProps(label Label, props map[string]any) map[string]any {
	names, ok := mergeKeyProps[label]
	if !ok {
		return nil
	}
	key := make(map[string]any, len(names))
	for _, name := range names {
		key[name] = props[name]
	}
	return key
}

// Node is a typed graph node that knows its own identity and embedding text.
// Implementations are plain value types persisted via [Store.MergeNode].
type Node interface {
	// Label returns the label under which the node is stored.
	Label() Label

	// MergeKey returns the property subset that defines the node's identity.
	// Two nodes with the same label and merge key are the same node.
	MergeKey() map[string]any

	// Props returns all properties to persist, including the merge key.
	Props() map[string]any

	// EmbeddingText returns the text whose embedding represents this node in
	// vector search. An empty string means the node carries no embedding.
	EmbeddingText() string

	// String returns the canonical display form shown to the model and in
	// API responses.
	String() string
}

// Compile-time interface checks.
var (
	_ Node = User{}
	_ Node = Person{}
	_ Node = Event{}
	_ Node = Fact{}
	_ Node = Preference{}
	_ Node = KnowledgeChunk{}
	_ Node = KnowledgeDocument{}
)

// ─────────────────────────────────────────────────────────────────────────────
// Memory nodes
// ─────────────────────────────────────────────────────────────────────────────

// User is the node representing the person talking to the agent. There is
// normally exactly one, named [DefaultUserName].
type User struct {
	// Name identifies the user. It is the merge key.
	Name string

	// ProfileSummary is a high-level bio, e.g. "male, 30s, software engineer
	// living in Poland".
	ProfileSummary string
}

// DefaultUserName is the name under which the singleton user node is merged
// when no explicit name is configured.
const DefaultUserName = "User"

func (u User) Label() Label              { return LabelUser }
func (u User) MergeKey() map[string]any  { return map[string]any{"name": u.Name} }
func (u User) EmbeddingText() string     { return strings.TrimSpace(u.Name + " " + u.ProfileSummary) }
func (u User) String() string            { return formatNamed(u.Name, u.ProfileSummary) }
func (u User) Props() map[string]any {
	return map[string]any{"name": u.Name, "profile_summary": u.ProfileSummary}
}

// Person is someone the user knows. Description is a dynamic bio that is
// rewritten as the user shares more, e.g. "childhood friend, very protective".
type Person struct {
	// Name is the canonical name. It is the merge key.
	Name string

	// Description is the current free-text bio.
	Description string

	// Aliases are alternative names this person is known by. The entity
	// canonicaliser appends to this list when the model refers to the same
	// person under a different spelling.
	Aliases []string
}

func (p Person) Label() Label             { return LabelPerson }
func (p Person) MergeKey() map[string]any { return map[string]any{"name": p.Name} }
func (p Person) EmbeddingText() string    { return strings.TrimSpace(p.Name + " " + p.Description) }
func (p Person) String() string           { return formatNamed(p.Name, p.Description) }
func (p Person) Props() map[string]any {
	props := map[string]any{"name": p.Name, "description": p.Description}
	if len(p.Aliases) > 0 {
		props["aliases"] = p.Aliases
	}
	return props
}

// Event is something that happened, e.g. "Alek told the user the deal was off".
// Events accumulate as history; the same description on the same date merges
// into one node.
type Event struct {
	// Description says what happened. Part of the merge key.
	Description string

	// Date is free-form, usually YYYY-MM-DD. Part of the merge key.
	Date string
}

func (e Event) Label() Label          { return LabelEvent }
func (e Event) EmbeddingText() string { return strings.TrimSpace(e.Description + " " + e.Date) }
func (e Event) String() string        { return formatEvent(e.Date, e.Description) }
func (e Event) MergeKey() map[string]any {
	return map[string]any{"date": e.Date, "description": e.Description}
}
func (e Event) Props() map[string]any {
	return map[string]any{"description": e.Description, "date": e.Date}
}

// Fact is a durable statement about the user or their world, e.g. "User owns
// a white Mazda".
type Fact struct {
	// Content is the statement itself. It is the merge key.
	Content string

	// Category groups facts, e.g. "possession", "habit", "location", "medical".
	Category string
}

func (f Fact) Label() Label             { return LabelFact }
func (f Fact) MergeKey() map[string]any { return map[string]any{"content": f.Content} }
func (f Fact) EmbeddingText() string    { return strings.TrimSpace(f.Content + " " + f.Category) }
func (f Fact) String() string           { return formatFact(f.Content, f.Category) }
func (f Fact) Props() map[string]any {
	return map[string]any{"content": f.Content, "category": f.Category}
}

// Preference is a standing instruction for how the agent should behave,
// e.g. "answer in Polish" or "never suggest meditation".
type Preference struct {
	// Instruction is the preference text. It is the merge key.
	Instruction string
}

func (p Preference) Label() Label             { return LabelPreference }
func (p Preference) MergeKey() map[string]any { return map[string]any{"instruction": p.Instruction} }
func (p Preference) EmbeddingText() string    { return p.Instruction }
func (p Preference) String() string           { return p.Instruction }
func (p Preference) Props() map[string]any {
	return map[string]any{"instruction": p.Instruction}
}

// ─────────────────────────────────────────────────────────────────────────────
// Knowledge nodes
// ─────────────────────────────────────────────────────────────────────────────

// KnowledgeChunk is one retrievable piece of an ingested document, scoped to
// the agent whose knowledge base it belongs to.
type KnowledgeChunk struct {
	// DocumentID is the ID of the owning [KnowledgeDocument] node.
	DocumentID string

	// Scope is the agent name this chunk belongs to. Retrieval never crosses
	// scopes.
	Scope string

	// Content is the chunk text.
	Content string

	// Summary is an optional one-sentence LLM summary of the chunk.
	Summary string

	// Topics are optional LLM-extracted topic tags.
	Topics []string

	// ChunkIndex is the chunk's position within its document, starting at 0.
	ChunkIndex int
}

func (c KnowledgeChunk) Label() Label { return LabelKnowledgeChunk }
func (c KnowledgeChunk) MergeKey() map[string]any {
	return map[string]any{"document_id": c.DocumentID, "chunk_index": c.ChunkIndex}
}
func (c KnowledgeChunk) EmbeddingText() string {
	return strings.TrimSpace(c.Content + " " + c.Summary)
}
func (c KnowledgeChunk) String() string { return c.Content }
func (c KnowledgeChunk) Props() map[string]any {
	props := map[string]any{
		"document_id": c.DocumentID,
		"scope":       c.Scope,
		"content":     c.Content,
		"summary":     c.Summary,
		"chunk_index": c.ChunkIndex,
	}
	if len(c.Topics) > 0 {
		props["topics"] = c.Topics
	}
	return props
}

// KnowledgeDocument is the metadata node for an ingested document. Documents
// carry no embedding; only their chunks are searched.
type KnowledgeDocument struct {
	// Scope is the agent name the document was uploaded to. Part of the
	// merge key.
	Scope string

	// Filename is the display name of the source. Part of the merge key, so
	// re-ingesting the same file into the same scope replaces the document.
	Filename string

	// DocType is the source kind: "text", "pdf" or "url".
	DocType string

	// SourceURL is set for documents ingested from a URL.
	SourceURL string

	// ChunkCount is how many chunks the document was split into.
	ChunkCount int

	// CreatedAt is the ingestion time in RFC 3339 form.
	CreatedAt string
}

func (d KnowledgeDocument) Label() Label          { return LabelKnowledgeDocument }
func (d KnowledgeDocument) EmbeddingText() string { return "" }
func (d KnowledgeDocument) String() string        { return d.Filename }
func (d KnowledgeDocument) MergeKey() map[string]any {
	return map[string]any{"scope": d.Scope, "filename": d.Filename}
}
func (d KnowledgeDocument) Props() map[string]any {
	props := map[string]any{
		"scope":       d.Scope,
		"filename":    d.Filename,
		"doc_type":    d.DocType,
		"chunk_count": d.ChunkCount,
		"created_at":  d.CreatedAt,
	}
	if d.SourceURL != "" {
		props["source_url"] = d.SourceURL
	}
	return props
}

// ─────────────────────────────────────────────────────────────────────────────
// Display formats
// ─────────────────────────────────────────────────────────────────────────────

func formatNamed(name, summary string) string {
	return name + ": " + summary
}

func formatEvent(date, description string) string {
	if date == "" {
		return description
	}
	return "[" + date + "] " + description
}

func formatFact(content, category string) string {
	if category == "" {
		return content
	}
	return content + " (" + category + ")"
}

// ─────────────────────────────────────────────────────────────────────────────
// Property accessors
// ─────────────────────────────────────────────────────────────────────────────

// PropString returns the named property as a string, or "" when it is absent
// or of another type.
func PropString(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

// PropStrings returns the named property as a string slice. JSON round-trips
// turn string slices into []any, so both representations are handled.
func PropStrings(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// PropInt returns the named property as an int. JSON numbers decode as
// float64, so both numeric representations are handled. Absent or non-numeric
// values return 0.
func PropInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
