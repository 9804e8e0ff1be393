// Package memorytool exposes the memory graph to the model as LLM tools.
//
// Ten tools are exported via [NewTools]: semantic retrieval
// (retrieve_context, get_user_preferences, check_relationship) and graph
// writes (add_or_update_person, add_event, add_fact, add_preference,
// add_or_update_relationship, update_fact_or_preference, delete_memory).
// Write tools match the add_*/update_*/delete_* prefixes that the engine
// gates behind user confirmation.
//
// Handlers return display strings for the model verbatim, including sentinel
// strings like "Memory not found"; Go errors are reserved for malformed
// arguments and store failures.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// DefaultMinSimilarity is the retrieve_context similarity floor applied when
// no threshold source is wired in.
const DefaultMinSimilarity = 0.65

// sentimentValues is the closed sentiment vocabulary for person and
// relationship links.
var sentimentValues = []string{"positive", "negative", "neutral", "complicated"}

// ─────────────────────────────────────────────────────────────────────────────
// retrieve_context
// ─────────────────────────────────────────────────────────────────────────────

// retrieveContextArgs is the JSON-decoded input for the "retrieve_context"
// tool.
type retrieveContextArgs struct {
	// Query is the free-text search phrase.
	Query string `json:"query"`

	// EntityNames switches to an exact person lookup instead of semantic
	// search.
	EntityNames []string `json:"entity_names,omitempty"`

	// NodeLabels restricts semantic search to the given labels.
	NodeLabels []string `json:"node_labels,omitempty"`

	// Limit caps the merged result. Defaults to 5 when ≤ 0.
	Limit int `json:"limit,omitempty"`
}

func makeRetrieveContextHandler(svc *memory.Service, minSimilarity func() float64) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a retrieveContextArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: retrieve_context: failed to parse arguments: %w", err)
		}
		if a.Query == "" && len(a.EntityNames) == 0 {
			return "", fmt.Errorf("memory tool: retrieve_context: query must not be empty")
		}

		out, err := svc.RetrieveContext(ctx, memory.ContextQuery{
			Query:         a.Query,
			EntityNames:   a.EntityNames,
			NodeLabels:    a.NodeLabels,
			Limit:         a.Limit,
			MinSimilarity: minSimilarity(),
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: retrieve_context: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// get_user_preferences / check_relationship
// ─────────────────────────────────────────────────────────────────────────────

func makeGetUserPreferencesHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, _ string) (string, error) {
		out, err := svc.ListPreferences(ctx)
		if err != nil {
			return "", fmt.Errorf("memory tool: get_user_preferences: %w", err)
		}
		return out, nil
	}
}

// checkRelationshipArgs is the JSON-decoded input for the
// "check_relationship" tool.
type checkRelationshipArgs struct {
	PersonName string `json:"person_name"`
}

func makeCheckRelationshipHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a checkRelationshipArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: check_relationship: failed to parse arguments: %w", err)
		}
		if a.PersonName == "" {
			return "", fmt.Errorf("memory tool: check_relationship: person_name must not be empty")
		}

		out, err := svc.GetRelationship(ctx, a.PersonName)
		if err != nil {
			return "", fmt.Errorf("memory tool: check_relationship: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// add_or_update_person
// ─────────────────────────────────────────────────────────────────────────────

// addPersonArgs is the JSON-decoded input for the "add_or_update_person"
// tool.
type addPersonArgs struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	RelationType string `json:"relation_type,omitempty"`
	Sentiment    string `json:"sentiment,omitempty"`
}

func makeAddPersonHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addPersonArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_person: failed to parse arguments: %w", err)
		}
		if a.Name == "" {
			return "", fmt.Errorf("memory tool: add_or_update_person: name must not be empty")
		}

		out, err := svc.AddPerson(ctx, a.Name, a.Description, a.RelationType, a.Sentiment)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_person: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// add_event
// ─────────────────────────────────────────────────────────────────────────────

// addEventArgs is the JSON-decoded input for the "add_event" tool.
type addEventArgs struct {
	Description     string   `json:"description"`
	Participants    []string `json:"participants"`
	MentionedPeople []string `json:"mentioned_people,omitempty"`
	Date            string   `json:"date,omitempty"`
}

func makeAddEventHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addEventArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_event: failed to parse arguments: %w", err)
		}
		if a.Description == "" {
			return "", fmt.Errorf("memory tool: add_event: description must not be empty")
		}

		out, err := svc.AddEvent(ctx, a.Description, a.Date, a.Participants, a.MentionedPeople)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_event: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// add_fact / add_preference
// ─────────────────────────────────────────────────────────────────────────────

// addFactArgs is the JSON-decoded input for the "add_fact" tool.
type addFactArgs struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

func makeAddFactHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addFactArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_fact: failed to parse arguments: %w", err)
		}
		if a.Content == "" {
			return "", fmt.Errorf("memory tool: add_fact: content must not be empty")
		}
		if a.Category == "" {
			return "", fmt.Errorf("memory tool: add_fact: category must not be empty")
		}

		out, err := svc.AddFact(ctx, a.Content, a.Category)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_fact: %w", err)
		}
		return out, nil
	}
}

// addPreferenceArgs is the JSON-decoded input for the "add_preference" tool.
type addPreferenceArgs struct {
	Instruction string `json:"instruction"`
}

func makeAddPreferenceHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addPreferenceArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_preference: failed to parse arguments: %w", err)
		}
		if a.Instruction == "" {
			return "", fmt.Errorf("memory tool: add_preference: instruction must not be empty")
		}

		out, err := svc.AddPreference(ctx, a.Instruction)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_preference: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// add_or_update_relationship
// ─────────────────────────────────────────────────────────────────────────────

// addRelationshipArgs is the JSON-decoded input for the
// "add_or_update_relationship" tool.
type addRelationshipArgs struct {
	StartPerson  string `json:"start_person"`
	EndPerson    string `json:"end_person"`
	RelationType string `json:"relation_type"`
	Sentiment    string `json:"sentiment,omitempty"`
}

func makeAddRelationshipHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a addRelationshipArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: failed to parse arguments: %w", err)
		}
		if a.StartPerson == "" || a.EndPerson == "" {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: start_person and end_person must not be empty")
		}
		if a.RelationType == "" {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: relation_type must not be empty")
		}

		out, err := svc.AddRelationship(ctx, a.StartPerson, a.EndPerson, a.RelationType, a.Sentiment)
		if err != nil {
			return "", fmt.Errorf("memory tool: add_or_update_relationship: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// update_fact_or_preference / delete_memory
// ─────────────────────────────────────────────────────────────────────────────

// updateMemoryArgs is the JSON-decoded input for the
// "update_fact_or_preference" tool.
type updateMemoryArgs struct {
	ItemID   string `json:"item_id"`
	NewValue string `json:"new_value"`
}

func makeUpdateMemoryHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a updateMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: failed to parse arguments: %w", err)
		}
		if a.ItemID == "" {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: item_id must not be empty")
		}
		if a.NewValue == "" {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: new_value must not be empty")
		}

		out, err := svc.UpdateMemory(ctx, a.ItemID, a.NewValue)
		if err != nil {
			return "", fmt.Errorf("memory tool: update_fact_or_preference: %w", err)
		}
		return out, nil
	}
}

// deleteMemoryArgs is the JSON-decoded input for the "delete_memory" tool.
type deleteMemoryArgs struct {
	ItemID string `json:"item_id"`
}

func makeDeleteMemoryHandler(svc *memory.Service) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a deleteMemoryArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: delete_memory: failed to parse arguments: %w", err)
		}
		if a.ItemID == "" {
			return "", fmt.Errorf("memory tool: delete_memory: item_id must not be empty")
		}

		out, err := svc.DeleteMemory(ctx, a.ItemID)
		if err != nil {
			return "", fmt.Errorf("memory tool: delete_memory: %w", err)
		}
		return out, nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewTools
// ─────────────────────────────────────────────────────────────────────────────

// NewTools constructs the full memory tool set backed by svc.
//
// minSimilarity supplies the retrieve_context similarity floor at call time,
// so a settings change takes effect without re-registering tools. A nil
// source applies [DefaultMinSimilarity].
func NewTools(svc *memory.Service, minSimilarity func() float64) []tools.Tool {
	if minSimilarity == nil {
		minSimilarity = func() float64 { return DefaultMinSimilarity }
	}

	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "retrieve_context",
				Description: "Semantic search in memory database. Returns facts, people, events, preferences.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": `Search text. Use descriptive phrases like "user's work", "hobbies", "family members"`,
						},
						"entity_names": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": `ONLY for Person lookup by exact name, e.g. ["Oliwka", "Jan"]. NOT for "User"!`,
						},
						"node_labels": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": `Filter results: ["Person", "Fact", "Event", "Preference"]`,
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results. Defaults to 5.",
						},
					},
					"required": []string{"query"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeRetrieveContextHandler(svc, minSimilarity),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "get_user_preferences",
				Description: "Get stored AI behavior preferences (communication style, format, topics to avoid).",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeGetUserPreferencesHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "check_relationship",
				Description: "Get User's relationship with a person: type, sentiment, since when, events.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"person_name": map[string]any{
							"type":        "string",
							"description": "Name of the person to look up.",
						},
					},
					"required": []string{"person_name"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeCheckRelationshipHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name: "add_or_update_person",
				Description: "Save a person to memory.\n\nExamples:\n" +
					`    name="Oliwka", description="colleague", relation_type="coworker", sentiment="positive"` + "\n" +
					`    name="Jan", description="brother", relation_type="family", sentiment="positive"`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{
							"type":        "string",
							"description": "The person's name.",
						},
						"description": map[string]any{
							"type":        "string",
							"description": "Short description of who the person is.",
						},
						"relation_type": map[string]any{
							"type":        "string",
							"description": "User's relationship to the person (e.g. friend, coworker, family).",
						},
						"sentiment": map[string]any{
							"type":        "string",
							"description": "User's sentiment towards the person.",
							"enum":        sentimentValues,
						},
					},
					"required": []string{"name"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeAddPersonHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name: "add_event",
				Description: "Save an event. Participants must exist in memory first!\n\nExamples:\n" +
					`    description="Trip to Kraków", participants=["Jan", "Oliwka"], date="2024-03-15"`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"description": map[string]any{
							"type":        "string",
							"description": "What happened.",
						},
						"participants": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Names of people who took part. Each must already exist in memory.",
						},
						"mentioned_people": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "People mentioned in connection with the event without taking part.",
						},
						"date": map[string]any{
							"type":        "string",
							"description": "Event date as YYYY-MM-DD. Defaults to today.",
						},
					},
					"required": []string{"description", "participants"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeAddEventHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name: "add_fact",
				Description: "Save a fact about user.\n\nExamples:\n" +
					`    content="Has dog named Rex", category="personal"` + "\n" +
					`    content="Works as programmer", category="work"`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "The fact to remember.",
						},
						"category": map[string]any{
							"type":        "string",
							"description": "Fact category (e.g. personal, work, health, location).",
						},
					},
					"required": []string{"content", "category"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeAddFactHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name: "add_preference",
				Description: "Save AI behavior preference.\n\n" +
					`Examples: "Always respond in Polish", "Keep answers short", "Avoid politics"`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"instruction": map[string]any{
							"type":        "string",
							"description": "The standing instruction for the assistant.",
						},
					},
					"required": []string{"instruction"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeAddPreferenceHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "add_or_update_relationship",
				Description: `Link two people (not User). Example: start_person="Jan", end_person="Oliwka", relation_type="married"`,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"start_person": map[string]any{
							"type":        "string",
							"description": "Name of the person the relationship starts from.",
						},
						"end_person": map[string]any{
							"type":        "string",
							"description": "Name of the person the relationship points to.",
						},
						"relation_type": map[string]any{
							"type":        "string",
							"description": "How the two people relate (e.g. married, siblings, coworkers).",
						},
						"sentiment": map[string]any{
							"type":        "string",
							"description": "Sentiment between the two people.",
							"enum":        sentimentValues,
						},
					},
					"required": []string{"start_person", "end_person", "relation_type"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeAddRelationshipHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "update_fact_or_preference",
				Description: "Update fact/preference by ID (from search results [ID: ...]).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"item_id": map[string]any{
							"type":        "string",
							"description": "Node ID from earlier search results.",
						},
						"new_value": map[string]any{
							"type":        "string",
							"description": "Replacement text for the fact or preference.",
						},
					},
					"required": []string{"item_id", "new_value"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeUpdateMemoryHandler(svc),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "delete_memory",
				Description: "Delete memory by ID (from search results [ID: ...]).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"item_id": map[string]any{
							"type":        "string",
							"description": "Node ID from earlier search results.",
						},
					},
					"required": []string{"item_id"},
				},
			},
			Category: tools.CategoryMemory,
			Handler:  makeDeleteMemoryHandler(svc),
		},
	}
}
