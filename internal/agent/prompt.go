package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/miskibin/rtx-chat/internal/memory"
)

// PromptVars carries the per-turn values substituted into a prompt template.
type PromptVars struct {
	Datetime        string
	Memories        string
	UserPreferences string
	KnownPeople     string
	AgentKnowledge  string
}

// RenderPrompt substitutes the known placeholders into tmpl. Unknown
// placeholders are left as-is so a typo in a custom prompt is visible
// rather than silently swallowed.
func RenderPrompt(tmpl string, vars PromptVars) string {
	return strings.NewReplacer(
		"{datetime}", vars.Datetime,
		"{memories}", vars.Memories,
		"{user_preferences}", vars.UserPreferences,
		"{known_people}", vars.KnownPeople,
		"{agent_knowledge}", vars.AgentKnowledge,
	).Replace(tmpl)
}

// PromptDatetime formats t the way agent prompts expect.
func PromptDatetime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

// MemoriesBlock renders retrieved memory summaries for the {memories}
// placeholder. Empty input renders to an empty string so the placeholder
// vanishes from the prompt.
func MemoriesBlock(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories about this user:")
	for _, m := range memories {
		b.WriteString("\n- ")
		b.WriteString(m)
	}
	return b.String()
}

// PreferencesBlock renders stored preference instructions for the
// {user_preferences} placeholder.
func PreferencesBlock(prefs []string) string {
	if len(prefs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("User preferences:")
	for _, p := range prefs {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}

// KnownPeopleBlock renders the people roster for the {known_people}
// placeholder: a single line of names with relations where known.
func KnownPeopleBlock(people []memory.PersonDetail) string {
	if len(people) == 0 {
		return ""
	}
	parts := make([]string, 0, len(people))
	for _, p := range people {
		if p.Relation != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", p.Name, p.Relation))
		} else {
			parts = append(parts, p.Name)
		}
	}
	return "Known people: " + strings.Join(parts, ", ")
}
