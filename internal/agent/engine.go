package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/metric"

	"github.com/miskibin/rtx-chat/internal/confirm"
	"github.com/miskibin/rtx-chat/internal/knowledge"
	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/internal/observe"
	"github.com/miskibin/rtx-chat/internal/session"
	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/internal/tools/knowledgetool"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

const (
	// eventBuffer decouples the turn goroutine from a slow event consumer.
	eventBuffer = 32

	// queryPreviewLimit clips the query echoed in *_search_start events.
	queryPreviewLimit = 100

	// Sessions longer than compactThreshold messages with a stored summary
	// are compacted to the system prompt, the summary and the last
	// compactKeep messages.
	compactThreshold = 15
	compactKeep      = 6
)

// Similarity floors applied when no settings getter is wired.
const (
	defaultMemoryFloor    = 0.65
	defaultKnowledgeFloor = 0.7
)

// deniedToolOutput is fed back to the model as the result of a tool call the
// user rejected, phrased so the model does not retry.
const deniedToolOutput = "DENIED: The user rejected this tool call. Do not retry it."

// toolNotFoundOutput is the result for a hallucinated tool name. It is a
// normal tool result, not an error: the model should recover and answer
// without the tool.
const toolNotFoundOutput = "Tool not found"

// memoryWriteLabels maps memory write tools to the node label they touch,
// for the memory-writes metric.
var memoryWriteLabels = map[string]string{
	"add_or_update_person":       "Person",
	"add_event":                  "Event",
	"add_fact":                   "Fact",
	"add_preference":             "Preference",
	"add_or_update_relationship": "Relationship",
	"update_fact_or_preference":  "Memory",
	"delete_memory":              "Memory",
}

// ProviderSource resolves a model name to the provider serving it. The
// llm router's Registry satisfies it.
type ProviderSource interface {
	Provider(model string) (llm.Provider, error)
}

// Config wires an [Engine]. Agents, Memory, Registry, Broker and Providers
// are required; the remaining fields degrade gracefully when absent.
type Config struct {
	Agents    Store
	Memory    *memory.Service
	Registry  *tools.Registry
	Broker    *confirm.Broker
	Providers ProviderSource

	// Knowledge enables the {agent_knowledge} prompt block. nil disables it.
	Knowledge *knowledge.Service

	// Summariser overrides the per-turn LLM summariser used when an agent
	// enables context compression. Mainly for tests.
	Summariser session.Summariser

	// Metrics may be nil to skip instrumentation.
	Metrics *observe.Metrics

	// MemoryMinSimilarity and KnowledgeMinSimilarity supply the global
	// similarity floors, read per turn so settings changes apply without a
	// restart. nil falls back to package defaults.
	MemoryMinSimilarity    func() float64
	KnowledgeMinSimilarity func() float64
}

// Engine runs agent turns: memory retrieval, prompt assembly, the streaming
// tool-call loop with confirmation gating, and final token accounting.
type Engine struct {
	agents    Store
	memory    *memory.Service
	knowledge *knowledge.Service
	registry  *tools.Registry
	broker    *confirm.Broker
	providers ProviderSource

	summariser session.Summariser
	metrics    *observe.Metrics

	memoryMinSimilarity    func() float64
	knowledgeMinSimilarity func() float64
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Agents == nil:
		return nil, errors.New("agent: engine requires an agent store")
	case cfg.Memory == nil:
		return nil, errors.New("agent: engine requires a memory service")
	case cfg.Registry == nil:
		return nil, errors.New("agent: engine requires a tool registry")
	case cfg.Broker == nil:
		return nil, errors.New("agent: engine requires a confirmation broker")
	case cfg.Providers == nil:
		return nil, errors.New("agent: engine requires a provider source")
	}
	return &Engine{
		agents:                 cfg.Agents,
		memory:                 cfg.Memory,
		knowledge:              cfg.Knowledge,
		registry:               cfg.Registry,
		broker:                 cfg.Broker,
		providers:              cfg.Providers,
		summariser:             cfg.Summariser,
		metrics:                cfg.Metrics,
		memoryMinSimilarity:    cfg.MemoryMinSimilarity,
		knowledgeMinSimilarity: cfg.KnowledgeMinSimilarity,
	}, nil
}

// TurnRequest describes one user turn.
type TurnRequest struct {
	// Session holds the conversation state the turn appends to.
	Session *Session

	// Input is the user's message.
	Input string

	// Agent names the agent definition to run under. Unknown names fall
	// back to a built-in default.
	Agent string

	// Model selects the provider via the engine's ProviderSource.
	Model string

	// History, when non-nil, replaces the session's message list with the
	// client-supplied prior turns before Input is appended. nil keeps the
	// server-side session state.
	History []HistoryMessage
}

// HistoryMessage is one prior message as sent by the chat client.
type HistoryMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"experimental_attachments,omitempty"`
}

// Attachment is a client-side file attachment. Only image attachments are
// forwarded to the model, as multi-part message content.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Name        string `json:"name,omitempty"`
}

// StreamTurn runs one agent turn and returns its event stream. The channel
// is closed when the turn completes, fails, or ctx is cancelled; on
// cancellation no done event is emitted and any pending confirmation is
// released as denied.
//
// Turns on the same session are serialized; a second StreamTurn call blocks
// (inside its goroutine) until the first finishes.
func (e *Engine) StreamTurn(ctx context.Context, req TurnRequest) <-chan Event {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		e.runTurn(ctx, req, events)
	}()
	return events
}

// emitter delivers events unless the turn context is cancelled. A false
// return from send means the consumer is gone and the turn must unwind.
type emitter struct {
	ctx    context.Context
	events chan<- Event
}

func (em *emitter) send(ev Event) bool {
	select {
	case em.events <- ev:
		return true
	case <-em.ctx.Done():
		return false
	}
}

func (e *Engine) runTurn(ctx context.Context, req TurnRequest, events chan<- Event) {
	em := &emitter{ctx: ctx, events: events}
	start := time.Now()

	if e.metrics != nil {
		e.metrics.ActiveStreams.Add(ctx, 1)
		defer e.metrics.ActiveStreams.Add(ctx, -1)
	}

	sess := req.Session
	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()

	def := e.loadAgent(ctx, req.Agent)

	provider, err := e.providers.Provider(req.Model)
	if err != nil {
		em.send(Event{Kind: KindError, Content: err.Error()})
		return
	}

	queryPreview := clipRunes(req.Input, queryPreviewLimit)
	if !em.send(Event{Kind: KindMemorySearchStart, Query: queryPreview}) {
		return
	}
	memories := e.retrieveMemories(ctx, req.Input, def)
	if !em.send(Event{Kind: KindMemorySearchEnd, Memories: memories}) {
		return
	}

	// Context blocks are loaded only when the template references them.
	var prefsBlock string
	if strings.Contains(def.Prompt, "{user_preferences}") {
		prefs, err := e.memory.Preferences(ctx)
		if err != nil {
			slog.Warn("loading preferences failed", "error", err)
		}
		prefsBlock = PreferencesBlock(prefs)
	}

	var peopleBlock string
	if strings.Contains(def.Prompt, "{known_people}") {
		people, err := e.memory.ListPeople(ctx)
		if err != nil {
			slog.Warn("loading known people failed", "error", err)
		}
		peopleBlock = KnownPeopleBlock(people)
	}

	var knowledgeBlock string
	if e.knowledge != nil && strings.Contains(def.Prompt, "{agent_knowledge}") {
		if !em.send(Event{Kind: KindKnowledgeSearchStart, Query: queryPreview}) {
			return
		}
		hits, err := e.knowledge.Search(ctx, def.Name, req.Input, knowledge.SearchOptions{
			MinSimilarity: e.knowledgeFloor(),
		})
		if err != nil {
			slog.Warn("knowledge search failed", "agent", def.Name, "error", err)
		}
		sources := make([]string, 0, len(hits))
		for _, h := range hits {
			sources = append(sources, h.Source)
		}
		knowledgeBlock = knowledge.PromptBlock(hits)
		if !em.send(Event{Kind: KindKnowledgeSearchEnd, Chunks: sources}) {
			return
		}
	}

	systemPrompt := RenderPrompt(def.Prompt, PromptVars{
		Datetime:        PromptDatetime(time.Now()),
		Memories:        MemoriesBlock(memories),
		UserPreferences: prefsBlock,
		KnownPeople:     peopleBlock,
		AgentKnowledge:  knowledgeBlock,
	})

	switch {
	case req.History != nil:
		sess.messages = rebuildHistory(systemPrompt, req.History)
	case len(sess.messages) == 0:
		sess.messages = []llm.Message{{Role: "system", Content: systemPrompt}}
	case sess.messages[0].Role == "system":
		// Refresh the system prompt; memories and datetime are per turn.
		sess.messages[0] = llm.Message{Role: "system", Content: systemPrompt}
	default:
		sess.messages = append([]llm.Message{{Role: "system", Content: systemPrompt}}, sess.messages...)
	}
	sess.messages = append(sess.messages, llm.Message{Role: "user", Content: req.Input})

	e.compactContext(ctx, sess, def, provider)

	toolCtx := WithSession(knowledgetool.WithScope(ctx, def.Name), sess)
	toolDefs := e.registry.Definitions(def.EnabledTools)

	var (
		inputTokens  int
		outputTokens int
		sawUsage     bool
		fullText     strings.Builder
		saved        []string
		lastReqLen   int
	)

	for run := 0; run < def.MaxToolRuns; run++ {
		lastReqLen = len(sess.messages)
		llmStart := time.Now()
		stream, err := provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages: sess.messages,
			Tools:    toolDefs,
		})
		if err != nil {
			em.send(Event{Kind: KindError, Content: err.Error()})
			return
		}

		res, ok := e.consumeStream(em, stream)
		if e.metrics != nil {
			e.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds(),
				metric.WithAttributes(observe.Attr("model", req.Model)))
		}
		if !ok {
			return
		}

		if res.usage != nil {
			sawUsage = true
			inputTokens = res.usage.PromptTokens
			outputTokens += res.usage.CompletionTokens
		}
		fullText.WriteString(res.text)

		if res.errText != "" {
			// Mid-stream provider failures surface to the client as plain
			// content; the turn still closes with metadata and done.
			if res.text != "" {
				sess.messages = append(sess.messages, llm.Message{Role: "assistant", Content: res.text})
			}
			if !em.send(Event{Kind: KindContent, Content: res.errText}) {
				return
			}
			break
		}

		sess.messages = append(sess.messages, llm.Message{
			Role:      "assistant",
			Content:   res.text,
			ToolCalls: res.toolCalls,
		})

		if len(res.toolCalls) == 0 {
			break
		}

		for _, call := range res.toolCalls {
			output, ok := e.executeToolCall(toolCtx, em, call, &saved)
			if !ok {
				return
			}
			sess.messages = append(sess.messages, llm.Message{
				Role:       "tool",
				Content:    output,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}

	if len(saved) > 0 {
		if !em.send(Event{Kind: KindMemoriesSaved, Memories: saved}) {
			return
		}
	}

	elapsed := time.Since(start).Seconds()
	if !sawUsage && lastReqLen > 0 {
		if n, err := provider.CountTokens(sess.messages[:lastReqLen]); err == nil {
			inputTokens = n
		}
		if fullText.Len() > 0 {
			outputTokens = session.EstimateTokens(fullText.String())
		}
	}
	var tps float64
	if elapsed > 0 {
		tps = float64(outputTokens) / elapsed
	}

	if e.metrics != nil {
		e.metrics.RecordChatTurn(ctx, def.Name)
	}
	if !em.send(Event{Kind: KindMetadata, Metadata: &Metadata{
		ElapsedTime:     elapsed,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TokensPerSecond: tps,
	}}) {
		return
	}
	em.send(Event{Kind: KindDone})
}

// loadAgent fetches the agent definition, falling back to a built-in default
// so a stale agent name never kills a turn.
func (e *Engine) loadAgent(ctx context.Context, name string) *Definition {
	def, err := e.agents.Get(ctx, name)
	if err != nil {
		slog.Error("loading agent failed, using default", "agent", name, "error", err)
	} else if def == nil && name != "" {
		slog.Warn("unknown agent, using default", "agent", name)
	}
	if def == nil {
		def = &Definition{Name: name, Prompt: DefaultPrompt}
		if name == "" {
			def.Name = "normal"
		}
	}
	def.Normalize()
	return def
}

func (e *Engine) retrieveMemories(ctx context.Context, query string, def *Definition) []string {
	retrieved, err := e.memory.Retrieve(ctx, query, memory.RetrieveOptions{
		Limit:         def.MaxMemories,
		MinSimilarity: e.memoryFloor(def),
	})
	if err != nil {
		slog.Warn("memory retrieval failed", "error", err)
		return nil
	}
	summaries := make([]string, 0, len(retrieved))
	for _, m := range retrieved {
		summaries = append(summaries, m.Summary)
	}
	return summaries
}

func (e *Engine) memoryFloor(def *Definition) float64 {
	if def.MinSimilarity > 0 {
		return def.MinSimilarity
	}
	if e.memoryMinSimilarity != nil {
		return e.memoryMinSimilarity()
	}
	return defaultMemoryFloor
}

func (e *Engine) knowledgeFloor() float64 {
	if e.knowledgeMinSimilarity != nil {
		return e.knowledgeMinSimilarity()
	}
	return defaultKnowledgeFloor
}

// compactContext keeps the message list inside the agent's context budget.
// Agents with compression enabled run the sliding-window summariser; others
// get the cheap fallback of pinning the system prompt, injecting the stored
// summary and keeping the recent tail.
func (e *Engine) compactContext(ctx context.Context, sess *Session, def *Definition, provider llm.Provider) {
	if def.ContextCompression {
		summariser := e.summariser
		if summariser == nil {
			summariser = session.NewLLMSummariser(provider)
		}
		cm := session.NewContextManager(session.ContextManagerConfig{
			Enabled:          true,
			MaxContextTokens: def.ContextMaxTokens,
			WindowTokens:     def.ContextWindowTokens,
			Summariser:       summariser,
		})
		processed, ev := cm.Process(ctx, sess.messages, sess.Summary())
		sess.messages = processed
		if ev != nil {
			sess.SetSummary(ev.Summary)
		}
		return
	}

	summary := sess.Summary()
	if summary == "" || len(sess.messages) <= compactThreshold {
		return
	}
	tail := sess.messages[len(sess.messages)-compactKeep:]
	// Drop tool results whose calling assistant message fell outside the tail.
	for len(tail) > 0 && tail[0].Role == "tool" {
		tail = tail[1:]
	}
	compacted := make([]llm.Message, 0, len(tail)+2)
	compacted = append(compacted, sess.messages[0], session.SummaryMessage(summary))
	compacted = append(compacted, tail...)
	sess.messages = compacted
}

// rebuildHistory converts client-supplied prior messages into the model
// message list, mapping image attachments to multi-part content.
func rebuildHistory(systemPrompt string, history []HistoryMessage) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	for _, h := range history {
		msg := llm.Message{Role: h.Role, Content: h.Content}
		if h.Role == "user" && len(h.Attachments) > 0 {
			parts := make([]llm.ContentPart, 0, len(h.Attachments)+1)
			if h.Content != "" {
				parts = append(parts, llm.ContentPart{Text: h.Content})
			}
			for _, att := range h.Attachments {
				if att.URL == "" {
					continue
				}
				if att.ContentType != "" && !strings.HasPrefix(att.ContentType, "image/") {
					continue
				}
				parts = append(parts, llm.ContentPart{ImageURL: att.URL})
			}
			if len(parts) > 0 {
				msg.Parts = parts
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// streamResult is the outcome of draining one completion stream.
type streamResult struct {
	text      string
	toolCalls []llm.ToolCall
	usage     *llm.Usage
	errText   string
}

// consumeStream drains one completion stream, forwarding content and
// reasoning as events and reconciling tool-call fragments into complete
// calls in first-seen order. A tool_start is emitted the moment a new call
// ID appears in a chunk, before the stream drains, so clients see the tool
// coming while text is still flowing. The bool is false when the turn
// context was cancelled mid-stream.
func (e *Engine) consumeStream(em *emitter, stream <-chan llm.Chunk) (streamResult, bool) {
	var res streamResult
	var text strings.Builder
	index := map[string]int{}

	for chunk := range stream {
		if chunk.FinishReason == "error" {
			res.errText = chunk.Text
			continue
		}
		if chunk.Usage != nil {
			res.usage = chunk.Usage
		}
		if chunk.Reasoning != "" {
			if !em.send(Event{Kind: KindThinking, Content: chunk.Reasoning}) {
				return res, false
			}
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if !em.send(Event{Kind: KindContent, Content: chunk.Text}) {
				return res, false
			}
		}
		for _, tc := range chunk.ToolCalls {
			if tc.ID == "" {
				tc.ID = uuid.NewString()[:8]
			}
			if i, ok := index[tc.ID]; ok {
				if tc.Name != "" {
					res.toolCalls[i].Name = tc.Name
				}
				if tc.Arguments != "" {
					res.toolCalls[i].Arguments = tc.Arguments
				}
				continue
			}
			index[tc.ID] = len(res.toolCalls)
			res.toolCalls = append(res.toolCalls, tc)

			_, input := normalizeArgs(tc.Arguments)
			tool, known := e.registry.Lookup(tc.Name)
			category := tool.Category
			if !known {
				category = tools.CategoryOther
			}
			if !em.send(Event{Kind: KindToolStart, Tool: tc.Name, ToolID: tc.ID, Category: category, Input: input}) {
				return res, false
			}
		}
	}
	res.text = text.String()
	return res, true
}

// executeToolCall runs one tool call through the confirmation gate and the
// registry, emitting the confirmation and completion events. The tool_start
// for the call was already emitted by consumeStream when its ID first
// appeared. It returns the output to feed back to the model, and false when
// the turn context was cancelled.
func (e *Engine) executeToolCall(ctx context.Context, em *emitter, call llm.ToolCall, saved *[]string) (string, bool) {
	argsJSON, input := normalizeArgs(call.Arguments)

	tool, known := e.registry.Lookup(call.Name)
	category := tool.Category
	if !known {
		category = tools.CategoryOther
	}

	if known && confirm.RequiresConfirmation(call.Name) {
		e.broker.Expect(call.ID)
		if !em.send(Event{Kind: KindToolConfirmation, Tool: call.Name, ToolID: call.ID, Category: category, Input: input}) {
			e.broker.Forget(call.ID)
			return "", false
		}
		if e.metrics != nil {
			e.metrics.PendingConfirmations.Add(ctx, 1)
		}
		approved, err := e.broker.Await(ctx, call.ID)
		if e.metrics != nil {
			e.metrics.PendingConfirmations.Add(ctx, -1)
		}
		if err != nil {
			return "", false
		}
		if !approved {
			if !em.send(Event{Kind: KindToolDenied, Tool: call.Name, ToolID: call.ID, Category: category, Input: input}) {
				return "", false
			}
			return deniedToolOutput, true
		}
	}

	output, err := e.registry.Execute(ctx, call.Name, argsJSON)
	switch {
	case errors.Is(err, tools.ErrNotFound):
		output = toolNotFoundOutput
	case err != nil:
		output = "Error: " + err.Error()
	}

	if err == nil && known && tool.Category == tools.CategoryMemory && confirm.RequiresConfirmation(call.Name) {
		if e.metrics != nil {
			if label, ok := memoryWriteLabels[call.Name]; ok {
				e.metrics.RecordMemoryWrite(ctx, label)
			}
		}
		// Deletions mutate the graph but are not "saved memories".
		if !strings.HasPrefix(call.Name, "delete_") {
			*saved = append(*saved, output)
		}
	}

	if !em.send(Event{Kind: KindToolEnd, Tool: call.Name, ToolID: call.ID, Category: category, Input: input, Output: output}) {
		return "", false
	}
	return output, true
}

// normalizeArgs turns the model's argument string into valid JSON plus its
// parsed form for events. Malformed JSON goes through repair once, then
// degrades to an empty object so the tool can still report a parse error in
// its own words.
func normalizeArgs(args string) (string, map[string]any) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return "{}", map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err == nil {
		return trimmed, input
	}
	if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil {
		if json.Unmarshal([]byte(repaired), &input) == nil {
			return repaired, input
		}
	}
	return "{}", map[string]any{}
}
