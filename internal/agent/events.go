package agent

import "github.com/miskibin/rtx-chat/internal/tools"

// Kind discriminates the events a turn emits, in roughly the order they
// occur: memory search, optional knowledge search, then interleaved model
// output and tool activity, then the trailing bookkeeping events.
type Kind string

const (
	KindMemorySearchStart    Kind = "memory_search_start"
	KindMemorySearchEnd      Kind = "memory_search_end"
	KindKnowledgeSearchStart Kind = "knowledge_search_start"
	KindKnowledgeSearchEnd   Kind = "knowledge_search_end"
	KindThinking             Kind = "thinking"
	KindContent              Kind = "content"
	KindToolStart            Kind = "tool_start"
	KindToolConfirmation     Kind = "tool_confirmation_required"
	KindToolDenied           Kind = "tool_denied"
	KindToolEnd              Kind = "tool_end"
	KindMemoriesSaved        Kind = "memories_saved"
	KindMetadata             Kind = "metadata"
	KindError                Kind = "error"
	KindDone                 Kind = "done"
)

// Event is one item on a turn's event stream. Only the fields relevant to
// the Kind are set.
type Event struct {
	Kind Kind

	// Query is the search text for *_search_start events.
	Query string

	// Memories carries retrieved summaries (memory_search_end) or saved
	// write confirmations (memories_saved).
	Memories []string

	// Chunks carries knowledge source names for knowledge_search_end.
	Chunks []string

	// Content is streamed text for content/thinking and the message for
	// error events.
	Content string

	// Tool events.
	Tool     string
	ToolID   string
	Category tools.Category
	Input    map[string]any
	Output   string

	Metadata *Metadata
}

// Metadata summarises a finished turn.
type Metadata struct {
	ElapsedTime     float64 `json:"elapsed_time"`
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}
