// Package agent implements the conversational agent runtime: persisted agent
// definitions (prompt templates, tool policies, context budgets), prompt
// rendering, per-session conversation state and the streaming turn engine.
//
// An agent (the UI calls them modes) bundles a system-prompt template with
// the tools the model may call and the memory/context budgets one persona
// needs. Definitions are persisted; three built-in templates are seeded on
// first start.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/miskibin/rtx-chat/internal/tools"
)

// Defaults applied by [Definition.Normalize].
const (
	DefaultMaxMemories = 5
	DefaultMaxToolRuns = 10
)

// Definition configures one selectable agent.
type Definition struct {
	// Name identifies the agent and doubles as its knowledge-base scope.
	Name string `json:"name"`

	// Prompt is the system-prompt template. See [PromptVariables] for the
	// placeholders substituted each turn.
	Prompt string `json:"prompt"`

	// EnabledTools restricts which registered tools the model is offered.
	// nil means all tools; an empty non-nil list means none.
	EnabledTools []string `json:"enabled_tools"`

	// MaxMemories caps how many memories are retrieved for {memories}.
	MaxMemories int `json:"max_memories"`

	// MaxToolRuns bounds the tool loop iterations in one turn.
	MaxToolRuns int `json:"max_tool_runs"`

	// MinSimilarity overrides the global memory similarity floor for this
	// agent. Zero defers to the global setting.
	MinSimilarity float64 `json:"min_similarity"`

	// ContextCompression enables sliding-window summarisation of long
	// conversations, with the two token budgets below.
	ContextCompression  bool `json:"context_compression"`
	ContextMaxTokens    int  `json:"context_max_tokens"`
	ContextWindowTokens int  `json:"context_window_tokens"`

	// IsTemplate marks built-in seeds the UI lists separately.
	IsTemplate bool `json:"is_template"`
}

// Validate checks invariants that must hold before persisting.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("agent: definition name must not be empty")
	}
	if d.MinSimilarity < 0 || d.MinSimilarity > 1 {
		return fmt.Errorf("agent: min_similarity %v out of range [0, 1]", d.MinSimilarity)
	}
	return nil
}

// Normalize applies defaults to unset numeric fields.
func (d *Definition) Normalize() {
	if d.MaxMemories <= 0 {
		d.MaxMemories = DefaultMaxMemories
	}
	if d.MaxToolRuns <= 0 {
		d.MaxToolRuns = DefaultMaxToolRuns
	}
}

// PromptVariable documents one template placeholder for the agents API.
type PromptVariable struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
}

// PromptVariables lists every placeholder substituted into agent prompts.
// The first two are recommended; their absence triggers a warning on save.
var PromptVariables = []PromptVariable{
	{Name: "{datetime}", Desc: "Current date/time"},
	{Name: "{memories}", Desc: "Retrieved relevant memories"},
	{Name: "{user_preferences}", Desc: "User preferences from memory"},
	{Name: "{known_people}", Desc: "List of known people"},
	{Name: "{agent_knowledge}", Desc: "Relevant knowledge from agent's knowledge base"},
}

// MissingRecommendedVariables returns the recommended placeholders absent
// from prompt. A non-empty result is a warning for the client, not an error.
func MissingRecommendedVariables(prompt string) []string {
	var missing []string
	for _, v := range PromptVariables[:2] {
		if !strings.Contains(prompt, v.Name) {
			missing = append(missing, v.Name)
		}
	}
	return missing
}

// DefaultPrompt is the balanced general-purpose template.
const DefaultPrompt = `You are a helpful AI assistant with access to tools.
Current date and time: {datetime}

{user_preferences}

{memories}

{known_people}

Use tools when needed to help the user. Be concise and helpful.`

const minimalPrompt = `You are a helpful assistant.
Current date: {datetime}
{memories}
Be brief.`

const psychologicalPrompt = `You are a compassionate psychological support assistant.
Current date and time: {datetime}

{user_preferences}

{memories}

Guidelines:
- Be warm, empathetic, and non-judgmental
- Ask thoughtful questions to understand deeper
- Validate emotions before offering perspectives

MEMORY MANAGEMENT:
Save CONCISE, KEY information - don't copy user's words verbatim.

CRITICAL RULES:
1. EXTRACT KEY INFO - summarize, don't quote literally
2. BE CONCISE - facts max 100 chars, events brief
3. SAVE MULTIPLE ITEMS - split different topics into separate saves
4. For relationship issues: use add_event + update person's sentiment

EXAMPLES:
❌ BAD: "User said Bob hurt him at work by taking credit for his project"
✅ GOOD: add_event("Bob took credit for my project", participants=["Bob"])

❌ BAD: add_fact("User owns a red Tesla Model 3 that he bought last year")
✅ GOOD: add_fact("Owns red Tesla Model 3", category="possession")

{known_people}

Save info immediately. NEVER mention saving in responses.`

// Templates returns the built-in agent seeds. Tool lists are derived from
// the registry so new built-in tools join the templates automatically:
// "minimal" gets every tool except the memory category, the other two get
// everything.
func Templates(reg *tools.Registry) []Definition {
	all := reg.Names()

	memoryTools := map[string]bool{}
	if group, ok := reg.Catalog()[string(tools.CategoryMemory)]; ok {
		for _, entry := range group.Tools {
			memoryTools[entry.Name] = true
		}
	}
	nonMemory := make([]string, 0, len(all))
	for _, name := range all {
		if !memoryTools[name] {
			nonMemory = append(nonMemory, name)
		}
	}

	return []Definition{
		{
			Name:         "minimal",
			Prompt:       minimalPrompt,
			EnabledTools: nonMemory,
			MaxMemories:  3,
			MaxToolRuns:  5,
			IsTemplate:   true,
		},
		{
			Name:         "normal",
			Prompt:       DefaultPrompt,
			EnabledTools: append([]string(nil), all...),
			MaxMemories:  5,
			MaxToolRuns:  10,
			IsTemplate:   true,
		},
		{
			Name:         "psychological",
			Prompt:       psychologicalPrompt,
			EnabledTools: append([]string(nil), all...),
			MaxMemories:  10,
			MaxToolRuns:  15,
			IsTemplate:   true,
		},
	}
}

// SeedTemplates inserts any built-in template missing from the store.
// Existing definitions, template or not, are never overwritten.
func SeedTemplates(ctx context.Context, store Store, reg *tools.Registry) error {
	existing, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("agent: seed templates: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, def := range existing {
		have[def.Name] = true
	}
	for _, def := range Templates(reg) {
		if have[def.Name] {
			continue
		}
		if err := store.Save(ctx, &def); err != nil {
			return fmt.Errorf("agent: seed template %q: %w", def.Name, err)
		}
	}
	return nil
}
