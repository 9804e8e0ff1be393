package knowledge

import (
	"strings"
	"unicode/utf8"
)

// SplitChunks splits content into chunks of at most size characters, breaking
// on paragraph boundaries. Where it fits, each chunk starts with the last
// overlap characters of its predecessor so statements spanning a boundary
// stay retrievable. A single paragraph longer than size is hard-split at size
// characters with the same overlap. Returns nil for blank content.
func SplitChunks(content string, size, overlap int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	content = strings.ReplaceAll(content, "\r\n", "\n")
	var paragraphs []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	if len(paragraphs) == 0 {
		return nil
	}

	var (
		chunks []string
		cur    []string // paragraphs of the chunk under construction
		curLen int      // rune length of cur joined with "\n\n"
		seeded bool     // cur starts with overlap carried from the previous chunk
	)

	// emit records a finished chunk and re-seeds the next one with its tail.
	emit := func(chunk string) {
		chunks = append(chunks, chunk)
		cur, curLen, seeded = cur[:0], 0, false
		if seed := tail(chunk, overlap); seed != "" {
			cur = append(cur, seed)
			curLen = utf8.RuneCountInString(seed)
			seeded = true
		}
	}

	for _, p := range paragraphs {
		plen := utf8.RuneCountInString(p)

		if plen > size {
			if len(cur) > 0 && !(seeded && len(cur) == 1) {
				emit(strings.Join(cur, "\n\n"))
			}
			for _, piece := range hardSplit(p, size, overlap) {
				emit(piece)
			}
			continue
		}

		needed := plen
		if curLen > 0 {
			needed += curLen + 2 // "\n\n" separator
		}
		if needed > size && len(cur) > 0 {
			if seeded && len(cur) == 1 {
				// A lone overlap seed is context, not content. Drop it
				// rather than emit a chunk of nothing but repetition.
				cur, curLen, seeded = cur[:0], 0, false
			} else {
				emit(strings.Join(cur, "\n\n"))
				if curLen > 0 && curLen+2+plen > size {
					cur, curLen, seeded = cur[:0], 0, false
				}
			}
		}

		cur = append(cur, p)
		if curLen > 0 {
			curLen += 2
		}
		curLen += plen
	}

	if len(cur) > 0 && !(seeded && len(cur) == 1) {
		chunks = append(chunks, strings.Join(cur, "\n\n"))
	}
	return chunks
}

// hardSplit cuts text into size-rune windows advancing by size-overlap.
func hardSplit(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// tail returns the last n runes of s with surrounding whitespace trimmed.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) > n {
		runes = runes[len(runes)-n:]
	}
	return strings.TrimSpace(string(runes))
}
