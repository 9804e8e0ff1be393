package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// Session holds the working conversation state for one chat. The engine
// serializes turns per session: it holds turnMu for a whole turn and mutates
// messages directly, so concurrent StreamTurn calls on the same session
// queue up rather than interleave.
type Session struct {
	ID string

	turnMu   sync.Mutex
	messages []llm.Message

	summaryMu sync.Mutex
	summary   string
}

func NewSession(id string) *Session {
	return &Session{ID: id}
}

// Reset clears the session's messages and rolling summary. It waits for any
// in-flight turn to finish first.
func (s *Session) Reset() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.messages = nil
	s.SetSummary("")
}

// Messages returns a copy of the session transcript. It waits for any
// in-flight turn, so callers persisting a conversation see the turn's full
// output.
func (s *Session) Messages() []llm.Message {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Summary returns the session's rolling conversation summary, if any.
func (s *Session) Summary() string {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	return s.summary
}

// SetSummary replaces the rolling summary. Safe to call mid-turn; the
// create_summary tool does exactly that.
func (s *Session) SetSummary(summary string) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summary = summary
}

type sessionKey struct{}

// WithSession returns a context carrying the session, so session-scoped
// tools can reach the conversation they run in.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session carried by ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}

// Stored summaries are clipped so a rambling model cannot bloat the prompt;
// the tool's reply echoes just the head.
const (
	summaryStoreLimit = 600
	summaryEchoLimit  = 100
)

type summaryArgs struct {
	Summary string `json:"summary"`
}

// NewSessionTools returns tools that operate on the active session.
// create_summary lets the model checkpoint a long conversation; the stored
// summary is injected when the message window is later compacted.
func NewSessionTools() []tools.Tool {
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "create_summary",
				Description: "Create a summary of the conversation so far. Use when conversation is getting long (15+ messages).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"summary": map[string]any{
							"type":        "string",
							"description": "Concise summary of the conversation so far.",
						},
					},
					"required": []string{"summary"},
				},
			},
			Category: tools.CategoryOther,
			Handler:  createSummaryHandler,
		},
	}
}

func createSummaryHandler(ctx context.Context, args string) (string, error) {
	var a summaryArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("agent: create_summary: failed to parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Summary) == "" {
		return "", fmt.Errorf("agent: create_summary: summary must not be empty")
	}
	sess := SessionFrom(ctx)
	if sess == nil {
		return "No active session", nil
	}
	sess.SetSummary(clipRunes(a.Summary, summaryStoreLimit))
	return fmt.Sprintf("Summary saved: %s...", clipRunes(a.Summary, summaryEchoLimit)), nil
}

func clipRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
