package session

import (
	"context"
	"log/slog"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// Default context thresholds, in estimated tokens.
const (
	// DefaultMaxContextTokens is the total budget above which older
	// messages are compressed into a summary.
	DefaultMaxContextTokens = 6000

	// DefaultWindowTokens is the budget for the sliding window of
	// recent messages kept verbatim after compression.
	DefaultWindowTokens = 2000
)

// summaryHeader prefixes the injected summary message so the model can
// tell condensed history apart from live conversation.
const summaryHeader = "[CONVERSATION SUMMARY - Earlier messages have been summarized]"

// fallbackSummary is used when summary generation fails and no earlier
// summary exists to fall back to.
const fallbackSummary = "Previous conversation context not available."

// ContextManager compresses long conversations to fit an LLM context
// window using a sliding window plus a rolling summary.
//
// When the estimated token total exceeds MaxContextTokens, the most
// recent messages up to WindowTokens are kept verbatim, everything
// older is folded into a summary (merged with any existing summary),
// and the summary is injected as a system message right after the
// conversation's system prompt.
//
// The manager holds no conversation state; callers own the message
// list and the rolling summary and pass both into [ContextManager.Process].
// It is safe for concurrent use.
type ContextManager struct {
	enabled          bool
	maxContextTokens int
	windowTokens     int
	summariser       Summariser
}

// ContextManagerConfig configures a [ContextManager].
type ContextManagerConfig struct {
	// Enabled turns compression on. When false, Process returns its
	// input unchanged.
	Enabled bool

	// MaxContextTokens is the estimated token total above which
	// compression kicks in. Defaults to [DefaultMaxContextTokens] if
	// zero or negative.
	MaxContextTokens int

	// WindowTokens is the budget for recent messages kept verbatim.
	// Defaults to [DefaultWindowTokens] if zero or negative.
	WindowTokens int

	// Summariser generates and merges summaries. Must not be nil when
	// Enabled is true.
	Summariser Summariser
}

// SummaryEvent reports a completed compression so callers can persist
// the new rolling summary and surface progress to clients.
type SummaryEvent struct {
	// Summary is the newly generated rolling summary.
	Summary string `json:"summary"`

	// MessagesSummarized is how many messages were folded in.
	MessagesSummarized int `json:"messages_summarized"`

	// TokensBefore and TokensAfter are estimated totals around the
	// compression; TokensSaved is their difference.
	TokensBefore int `json:"tokens_before"`
	TokensAfter  int `json:"tokens_after"`
	TokensSaved  int `json:"tokens_saved"`
}

// NewContextManager creates a new [ContextManager] with the given
// configuration, applying defaults for unset thresholds.
func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxContextTokens
	}
	window := cfg.WindowTokens
	if window <= 0 {
		window = DefaultWindowTokens
	}
	return &ContextManager{
		enabled:          cfg.Enabled,
		maxContextTokens: maxTokens,
		windowTokens:     window,
		summariser:       cfg.Summariser,
	}
}

// Process compresses messages if they exceed the context budget.
//
// messages[0] is treated as the pinned system prompt and always
// survives. existingSummary is the rolling summary from earlier
// compressions, or empty.
//
// The returned slice is the message list to send to the model. The
// event is non-nil only when a new summary was generated; callers
// should then replace their stored rolling summary with event.Summary.
//
// Process never fails: if summary generation errors, the existing
// summary (or a placeholder) is used instead. Fewer than 3 messages
// are returned untouched.
func (cm *ContextManager) Process(ctx context.Context, messages []llm.Message, existingSummary string) ([]llm.Message, *SummaryEvent) {
	if !cm.enabled {
		return messages, nil
	}
	if len(messages) < 3 {
		// System prompt plus at least one exchange.
		return messages, nil
	}

	totalTokens := CountTokens(messages)
	if totalTokens <= cm.maxContextTokens {
		// Under budget. Keep the model aware of earlier compressions
		// without regenerating anything.
		return injectSummary(messages, existingSummary), nil
	}

	system := messages[0]
	conversation := messages[1:]

	// Walk backwards to find the sliding window of recent messages.
	windowTokens := 0
	split := len(conversation)
	for split > 0 {
		msgTokens := MessageTokens(conversation[split-1])
		if windowTokens+msgTokens > cm.windowTokens {
			break
		}
		windowTokens += msgTokens
		split--
	}

	toSummarise := conversation[:split]
	window := conversation[split:]

	if len(toSummarise) == 0 {
		// The window covers everything; nothing to fold in.
		return injectSummary(messages, existingSummary), nil
	}

	summary, err := cm.summariser.Summarise(ctx, toSummarise, existingSummary)
	if err != nil {
		slog.Warn("summary generation failed, falling back",
			"messages", len(toSummarise),
			"error", err,
		)
		summary = existingSummary
		if summary == "" {
			summary = fallbackSummary
		}
	}

	compressed := make([]llm.Message, 0, len(window)+2)
	compressed = append(compressed, system)
	compressed = append(compressed, window...)
	compressed = injectSummary(compressed, summary)

	tokensAfter := CountTokens(compressed)
	slog.Info("conversation compressed",
		"summarised", len(toSummarise),
		"window", len(window),
		"tokens_before", totalTokens,
		"tokens_after", tokensAfter,
	)

	return compressed, &SummaryEvent{
		Summary:            summary,
		MessagesSummarized: len(toSummarise),
		TokensBefore:       totalTokens,
		TokensAfter:        tokensAfter,
		TokensSaved:        totalTokens - tokensAfter,
	}
}

// SummaryMessage wraps a rolling summary in the system message format
// the model sees after compression.
func SummaryMessage(summary string) llm.Message {
	return llm.Message{
		Role:    "system",
		Content: summaryHeader + "\n" + summary,
	}
}

// injectSummary inserts the summary message after the system prompt,
// or at the front when messages[0] is not a system message. An empty
// summary leaves messages untouched.
func injectSummary(messages []llm.Message, summary string) []llm.Message {
	if summary == "" || len(messages) == 0 {
		return messages
	}

	out := make([]llm.Message, 0, len(messages)+1)
	if messages[0].Role == "system" {
		out = append(out, messages[0], SummaryMessage(summary))
		out = append(out, messages[1:]...)
		return out
	}
	out = append(out, SummaryMessage(summary))
	out = append(out, messages...)
	return out
}

// EstimateTokens returns a rough token count for a text span using the
// 1-token-per-4-characters heuristic. Every span costs at least one
// token.
func EstimateTokens(text string) int {
	tokens := len(text) / charsPerToken
	if tokens < 1 {
		return 1
	}
	return tokens
}

// MessageTokens estimates tokens for a single message. Multi-part
// content sums its text parts; image parts are free under this
// heuristic since they are not text.
func MessageTokens(m llm.Message) int {
	if len(m.Parts) == 0 {
		return EstimateTokens(m.Content)
	}
	total := 0
	for _, p := range m.Parts {
		if p.ImageURL != "" {
			continue
		}
		total += EstimateTokens(p.Text)
	}
	return total
}

// CountTokens estimates the token total across all messages.
func CountTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += MessageTokens(m)
	}
	return total
}
