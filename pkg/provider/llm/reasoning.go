package llm

import "strings"

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// ThinkSplitter separates inline reasoning from answer text in a streamed
// completion. Reasoning models served through OpenAI-compatible APIs (Qwen,
// DeepSeek-R1 distills, and most Ollama reasoning models) emit their thinking
// wrapped in <think>...</think> tags inside the regular content stream, and a
// tag can be split across chunk boundaries. The splitter buffers partial tags
// until they resolve.
//
// The zero value is ready for use. A ThinkSplitter is stateful and must not be
// shared between streams or goroutines.
type ThinkSplitter struct {
	inThink bool
	pending string
}

// Split consumes the next content fragment and returns the answer text and
// reasoning it completes. Bytes that might begin a tag are withheld until a
// later fragment (or Flush) resolves them, so the concatenation of all
// returned parts equals the input stream minus the tags themselves.
func (s *ThinkSplitter) Split(fragment string) (text, reasoning string) {
	buf := s.pending + fragment
	s.pending = ""

	var textOut, thinkOut strings.Builder
	for buf != "" {
		tag := thinkOpenTag
		if s.inThink {
			tag = thinkCloseTag
		}
		if idx := strings.Index(buf, tag); idx >= 0 {
			if s.inThink {
				thinkOut.WriteString(buf[:idx])
			} else {
				textOut.WriteString(buf[:idx])
			}
			buf = buf[idx+len(tag):]
			s.inThink = !s.inThink
			continue
		}
		keep := trailingPrefixLen(buf, tag)
		emit := buf[:len(buf)-keep]
		s.pending = buf[len(buf)-keep:]
		if s.inThink {
			thinkOut.WriteString(emit)
		} else {
			textOut.WriteString(emit)
		}
		buf = ""
	}
	return textOut.String(), thinkOut.String()
}

// Flush returns any withheld bytes at end of stream. A partial tag that never
// completed is treated as ordinary content of the current section.
func (s *ThinkSplitter) Flush() (text, reasoning string) {
	out := s.pending
	s.pending = ""
	if out == "" {
		return "", ""
	}
	if s.inThink {
		return "", out
	}
	return out, ""
}

// trailingPrefixLen returns the length of the longest suffix of s that is a
// proper prefix of tag.
func trailingPrefixLen(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
