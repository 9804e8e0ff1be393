// Package tools defines the shared [Tool] type and the [Registry] that the
// agent engine executes tool calls against. Each sub-package exports a
// constructor function that returns a slice of [Tool] values ready for
// registration; MCP servers contribute further tools via [ImportMCPServer].
//
// Tools are grouped into a small fixed set of categories that the UI uses to
// render the tool picker, and write-style tools (add_*, update_*, delete_*)
// require explicit user confirmation before they run.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/miskibin/rtx-chat/internal/confirm"
	"github.com/miskibin/rtx-chat/internal/observe"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// Category groups tools for the UI tool picker.
type Category string

// The fixed category set. Tools registered without a category land in
// [CategoryOther].
const (
	CategoryCode       Category = "code"
	CategoryFilesystem Category = "filesystem"
	CategoryWeb        Category = "web"
	CategoryMemory     Category = "memory"
	CategoryKnowledge  Category = "knowledge"
	CategoryOther      Category = "other"
)

// Categories lists all categories in display order.
func Categories() []Category {
	return []Category{
		CategoryCode,
		CategoryFilesystem,
		CategoryWeb,
		CategoryMemory,
		CategoryKnowledge,
		CategoryOther,
	}
}

// Label returns the human-readable category name shown in the UI.
func (c Category) Label() string {
	switch c {
	case CategoryCode:
		return "Code Execution"
	case CategoryFilesystem:
		return "Filesystem"
	case CategoryWeb:
		return "Web"
	case CategoryMemory:
		return "Memory"
	case CategoryKnowledge:
		return "Knowledge"
	default:
		return "Other"
	}
}

// DefaultTimeout is the per-call execution timeout applied when a tool does
// not declare its own.
const DefaultTimeout = 30 * time.Second

// Tool represents an executable tool ready for registration with a
// [Registry].
//
// Each Tool carries its LLM-facing schema ([llm.ToolDefinition]) together
// with the handler function that is invoked when the LLM calls the tool.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameter specification.
	Definition llm.ToolDefinition

	// Category places the tool in the UI tool picker. Empty defaults to
	// [CategoryOther].
	Category Category

	// Handler executes the tool with JSON-encoded args and returns a plain
	// text result string for the model on success, or a descriptive error.
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, args string) (string, error)

	// Timeout bounds a single execution. Zero applies [DefaultTimeout].
	Timeout time.Duration
}

// RequiresConfirmation reports whether a tool call must be approved by the
// user before it runs. Write-style tools (add_*, update_*, delete_*) mutate
// the memory graph or other durable state. Delegates to
// [confirm.RequiresConfirmation] so the registry and the broker gate on the
// same rule.
func RequiresConfirmation(name string) bool {
	return confirm.RequiresConfirmation(name)
}

// ErrNotFound is returned by [Registry.Execute] for unregistered tool names.
var ErrNotFound = errors.New("tool not found")

// Registry holds all executable tools, keyed by name. It is safe for
// concurrent use; registration order is preserved for definition listings.
type Registry struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty Registry. metrics may be nil, in which case
// execution metrics are not recorded.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		metrics: metrics,
		tools:   make(map[string]Tool),
	}
}

// Register adds tools to the registry. It fails on an empty name, a nil
// handler, or a name that is already registered.
func (r *Registry) Register(ts ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range ts {
		name := t.Definition.Name
		if name == "" {
			return fmt.Errorf("tools: register: tool has empty name")
		}
		if t.Handler == nil {
			return fmt.Errorf("tools: register %q: nil handler", name)
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("tools: register %q: already registered", name)
		}
		if t.Category == "" {
			t.Category = CategoryOther
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute runs the named tool with the given JSON-encoded arguments, applying
// the tool's execution timeout. The returned string is the tool's output for
// the model; handler failures are returned as errors for the caller to
// translate into tool feedback.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	tool, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("tools: %q: %w", name, ErrNotFound)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Handler(ctx, args)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordToolCall(ctx, name, status)
		r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("tool", name), observe.Attr("status", status)),
		)
	}
	slog.Debug("tool executed",
		"tool", name,
		"category", tool.Category,
		"status", status,
		"elapsed", elapsed,
	)
	return out, err
}

// Definitions returns the LLM-facing schemas of the registered tools in
// registration order. A nil enabled slice returns every tool; otherwise only
// tools named in enabled are included (unknown names are skipped).
func (r *Registry) Definitions(enabled []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allow map[string]bool
	if enabled != nil {
		allow = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			allow[name] = true
		}
	}

	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		if allow != nil && !allow[name] {
			continue
		}
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// CatalogEntry describes one tool in the catalog served to the UI.
type CatalogEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// CatalogGroup is one category bucket of the catalog.
type CatalogGroup struct {
	Label string         `json:"label"`
	Tools []CatalogEntry `json:"tools"`
}

// Catalog groups all registered tools by category for the tool-picker
// endpoint. Every category appears even when it holds no tools.
func (r *Registry) Catalog() map[string]CatalogGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]CatalogGroup, len(Categories()))
	for _, c := range Categories() {
		result[string(c)] = CatalogGroup{Label: c.Label(), Tools: []CatalogEntry{}}
	}

	for _, name := range r.order {
		t := r.tools[name]
		desc := t.Definition.Description
		if desc == "" {
			desc = "No description"
		}
		group := result[string(t.Category)]
		group.Tools = append(group.Tools, CatalogEntry{
			Name:        name,
			Description: desc,
			Category:    string(t.Category),
		})
		result[string(t.Category)] = group
	}
	return result
}
