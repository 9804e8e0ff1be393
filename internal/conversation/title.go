package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// Title generation limits.
const (
	titleContextRunes  = 300 // per-message clip in the prompt
	titleMaxTokens     = 30
	titleMaxRunes      = 50 // longer model answers fall back to truncation
	titleFallbackRunes = 30
)

const titlePrompt = `Generate a very short title (3-5 words max) summarizing this conversation. Reply with ONLY the title, nothing else. No quotes, no punctuation at the end.

%s`

// GenerateTitle names a conversation from its first exchange. It never fails:
// a nil provider, model errors, empty answers and over-long answers all fall
// back to the truncated user message.
func GenerateTitle(ctx context.Context, provider llm.Provider, userMessage, assistantMessage string) string {
	if provider == nil {
		return fallbackTitle(userMessage)
	}

	var b strings.Builder
	b.WriteString("User: ")
	b.WriteString(clipRunes(userMessage, titleContextRunes))
	if assistantMessage != "" {
		b.WriteString("\n\nAssistant: ")
		b.WriteString(clipRunes(assistantMessage, titleContextRunes))
	}

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: fmt.Sprintf(titlePrompt, b.String())}},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		slog.Warn("title generation failed, using fallback", "error", err)
		return fallbackTitle(userMessage)
	}

	title := strings.TrimSpace(stripReasoning(resp.Content))
	title = strings.Trim(title, `"'`)
	if title == "" || utf8.RuneCountInString(title) > titleMaxRunes {
		return fallbackTitle(userMessage)
	}
	return title
}

// stripReasoning removes inline <think> blocks; local reasoning models emit
// one even for a title prompt.
func stripReasoning(content string) string {
	var s llm.ThinkSplitter
	text, _ := s.Split(content)
	tail, _ := s.Flush()
	return text + tail
}

func fallbackTitle(userMessage string) string {
	trimmed := strings.TrimSpace(userMessage)
	if utf8.RuneCountInString(trimmed) > titleFallbackRunes {
		return clipRunes(trimmed, titleFallbackRunes) + "..."
	}
	return trimmed
}

// clipRunes truncates s to at most n runes.
func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
