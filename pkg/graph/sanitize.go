package graph

import (
	"strings"
	"unicode"
)

// Edge types written by the memory and knowledge subsystems.
const (
	EdgeKnows          = "KNOWS"
	EdgeParticipatedIn = "PARTICIPATED_IN"
	EdgeMentions       = "MENTIONS"
	EdgeHasFact        = "HAS_FACT"
	EdgeHasPreference  = "HAS_PREFERENCE"
	EdgeHasChunk       = "HAS_CHUNK"

	// EdgeDefault is used when a caller-supplied relationship type survives
	// sanitisation with nothing left.
	EdgeDefault = "RELATES_TO"
)

// SanitizeRelType normalises a free-form relationship type into a safe edge
// type: letters, digits and underscores are kept and upper-cased, everything
// else is dropped. An input that sanitises to the empty string becomes
// [EdgeDefault].
//
// Model-supplied relationship names must pass through here before they are
// stored or rendered; raw input is never used as an edge type.
func SanitizeRelType(relType string) string {
	var b strings.Builder
	for _, r := range relType {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		return EdgeDefault
	}
	return b.String()
}
