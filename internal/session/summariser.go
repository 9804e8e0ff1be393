// Package session manages conversation state for agent chat sessions.
//
// It provides context window compression ([ContextManager]) using a
// sliding window of recent messages plus a rolling summary of older
// ones, and the summary generation behind it ([Summariser],
// [LLMSummariser]).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// summaryMaxTokens caps the summary completion length.
const summaryMaxTokens = 400

// transcriptClip is the per-message rune limit when rendering the
// transcript sent to the summary model.
const transcriptClip = 500

// mergeSummaryPrompt folds new messages into an existing rolling
// summary. Arguments: existing summary, transcript.
const mergeSummaryPrompt = `You are summarizing a conversation. There is an existing summary of earlier messages, and new messages to incorporate.

EXISTING SUMMARY:
%s

NEW MESSAGES TO INCORPORATE:
%s

Create a unified, coherent summary that combines the existing summary with the key points from the new messages. Focus on:
- Main topics discussed
- Key decisions or conclusions
- Important context for continuing the conversation

Keep the summary concise (max 300 words). Write in third person ("The user discussed...", "The assistant explained...").

UNIFIED SUMMARY:`

// freshSummaryPrompt summarises a conversation excerpt from scratch.
// Argument: transcript.
const freshSummaryPrompt = `Summarize this conversation excerpt concisely. Focus on:
- Main topics discussed
- Key decisions or conclusions
- Important context for continuing the conversation

MESSAGES:
%s

Keep the summary concise (max 200 words). Write in third person ("The user discussed...", "The assistant explained...").

SUMMARY:`

// Summariser produces a rolling summary of a conversation segment.
type Summariser interface {
	// Summarise condenses messages into a summary. When existing is
	// non-empty it is an earlier rolling summary to merge with.
	Summarise(ctx context.Context, messages []llm.Message, existing string) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise renders the messages as a transcript and asks the model
// for a condensed summary, merged with the existing one when present.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message, existing string) (string, error) {
	messagesText := transcript(messages)
	if messagesText == "" {
		return existing, nil
	}

	prompt := fmt.Sprintf(freshSummaryPrompt, messagesText)
	if existing != "" {
		prompt = fmt.Sprintf(mergeSummaryPrompt, existing, messagesText)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}

// transcript renders messages as "User:"/"Assistant:" lines, one per
// message, each clipped to transcriptClip runes. Messages without text
// content are skipped.
func transcript(messages []llm.Message) string {
	var lines []string
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		speaker := "Assistant"
		if m.Role == "user" {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+clip(text, transcriptClip))
	}
	return strings.Join(lines, "\n")
}

// clip returns s truncated to at most n runes.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
