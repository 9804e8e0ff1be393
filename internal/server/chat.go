package server

import (
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/miskibin/rtx-chat/internal/agent"
)

// chatRequest is the body of POST /api/chat/stream.
type chatRequest struct {
	// Message is the new user turn.
	Message string `json:"message"`

	// Messages, when present, replaces the server-side session history with
	// the client's copy of the conversation.
	Messages []agent.HistoryMessage `json:"messages"`

	// Mode names the agent definition to run under.
	Mode string `json:"mode"`

	Model string `json:"model"`

	// ConversationID selects the server-side session. Clients that manage
	// history themselves can omit it and send Messages instead.
	ConversationID string `json:"conversation_id"`
}

// defaultSessionID keys the session used by clients that never send a
// conversation id.
const defaultSessionID = "default"

// sessionHub hands out the per-conversation sessions the engine serializes
// turns on. Safe for concurrent use.
type sessionHub struct {
	mu       sync.Mutex
	sessions map[string]*agent.Session
}

func newSessionHub() *sessionHub {
	return &sessionHub{sessions: make(map[string]*agent.Session)}
}

// Get returns the session for id, creating it on first use. An empty id maps
// to the shared default session.
func (h *sessionHub) Get(id string) *agent.Session {
	if id == "" {
		id = defaultSessionID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[id]
	if !ok {
		sess = agent.NewSession(id)
		h.sessions[id] = sess
	}
	return sess
}

// Clear resets the session for id. Unknown ids are a no-op.
func (h *sessionHub) Clear(id string) {
	if id == "" {
		id = defaultSessionID
	}
	h.mu.Lock()
	sess := h.sessions[id]
	h.mu.Unlock()
	if sess != nil {
		sess.Reset()
	}
}

// artifactMarker matches the [ARTIFACTS:url1,url2] marker tools append to
// their output when they saved files.
var artifactMarker = regexp.MustCompile(`\[ARTIFACTS:([^\]]+)\]`)

// parseArtifacts splits a tool output into its display text and the artifact
// URLs carried by the marker, if any.
func parseArtifacts(output string) (string, []string) {
	m := artifactMarker.FindStringSubmatch(output)
	if m == nil {
		return output, nil
	}
	urls := strings.Split(m[1], ",")
	clean := strings.TrimSpace(strings.Replace(output, m[0], "", 1))
	return clean, urls
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeDetail(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	if req.Mode == "" {
		req.Mode = s.defaultAgent
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sse := &sseWriter{w: w, flusher: flusher}

	events := s.engine.StreamTurn(r.Context(), agent.TurnRequest{
		Session: s.sessions.Get(req.ConversationID),
		Input:   req.Message,
		Agent:   req.Mode,
		Model:   req.Model,
		History: req.Messages,
	})

	for ev := range events {
		if !sse.write(frameFor(ev)) {
			return
		}
	}
}

// frameFor renders one engine event as its SSE frame object.
func frameFor(ev agent.Event) map[string]any {
	switch ev.Kind {
	case agent.KindMemorySearchStart:
		return map[string]any{"memory": "search", "status": "started", "query": ev.Query}
	case agent.KindMemorySearchEnd:
		return map[string]any{"memory": "search", "status": "completed", "memories": emptyNotNil(ev.Memories)}
	case agent.KindKnowledgeSearchStart:
		return map[string]any{"knowledge": "search", "status": "started", "query": ev.Query}
	case agent.KindKnowledgeSearchEnd:
		return map[string]any{"knowledge": "search", "status": "completed", "chunks": emptyNotNil(ev.Chunks)}
	case agent.KindThinking:
		return map[string]any{"thinking": ev.Content}
	case agent.KindContent:
		return map[string]any{"content": ev.Content}
	case agent.KindToolStart:
		return map[string]any{
			"tool_call": ev.Tool, "status": "started",
			"input": ev.Input, "tool_id": ev.ToolID, "category": ev.Category,
		}
	case agent.KindToolConfirmation:
		return map[string]any{
			"tool_call": ev.Tool, "status": "pending_confirmation",
			"input": ev.Input, "tool_id": ev.ToolID, "category": ev.Category,
		}
	case agent.KindToolDenied:
		return map[string]any{
			"tool_call": ev.Tool, "status": "denied",
			"tool_id": ev.ToolID, "category": ev.Category,
		}
	case agent.KindToolEnd:
		output, artifacts := parseArtifacts(ev.Output)
		return map[string]any{
			"tool_call": ev.Tool, "status": "completed",
			"input": ev.Input, "output": output, "artifacts": emptyNotNil(artifacts),
			"tool_id": ev.ToolID, "category": ev.Category,
		}
	case agent.KindMemoriesSaved:
		return map[string]any{"memories_saved": emptyNotNil(ev.Memories)}
	case agent.KindMetadata:
		return map[string]any{"metadata": ev.Metadata}
	case agent.KindError:
		return map[string]any{"error": ev.Content}
	case agent.KindDone:
		return map[string]any{"done": true}
	}
	return map[string]any{"content": ev.Content}
}

// emptyNotNil keeps JSON arrays as [] instead of null.
func emptyNotNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// confirmRequest is the body of POST /api/chat/confirm.
type confirmRequest struct {
	ToolID   string `json:"tool_id"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleChatConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ToolID == "" {
		writeDetail(w, http.StatusBadRequest, "tool_id must not be empty")
		return
	}

	delivered := s.broker.Resolve(req.ToolID, req.Approved)
	if !delivered {
		writeDetail(w, http.StatusNotFound, "tool call %q is not awaiting confirmation", req.ToolID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "confirmed", "tool_id": req.ToolID, "approved": req.Approved,
	})
}

// clearRequest is the optional body of POST /api/chat/clear.
type clearRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	// An empty body clears the default session.
	_ = decodeJSON(r, &req)
	s.sessions.Clear(req.ConversationID)
	writeJSON(w, http.StatusOK, statusResponse{Status: "cleared"})
}
