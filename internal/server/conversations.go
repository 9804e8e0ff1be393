package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/miskibin/rtx-chat/internal/conversation"
)

// conversationPayload is the create/update body. Messages accepts either a
// JSON array or, for compatibility with clients that serialise the array
// themselves, a JSON string containing one.
type conversationPayload struct {
	Title    *string         `json:"title"`
	Messages json.RawMessage `json:"messages"`
	Mode     string          `json:"mode"`
	Model    string          `json:"model"`
}

// rawMessages unwraps a string-encoded message array into the raw JSON the
// store keeps. Invalid JSON is reported by Conversation.Validate later.
func rawMessages(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.conversations.List(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing conversations failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationPayload
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	title := ""
	if req.Title != nil {
		title = *req.Title
	}
	if req.Mode == "" {
		req.Mode = s.defaultAgent
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	conv := conversation.New(title, req.Mode, req.Model)
	conv.Messages = rawMessages(req.Messages)
	if err := conv.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.conversations.Save(r.Context(), conv); err != nil {
		writeDetail(w, http.StatusInternalServerError, "saving conversation failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": conv.ID, "title": conv.Title})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading conversation failed: %v", err)
		return
	}
	if conv == nil {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req conversationPayload
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading conversation failed: %v", err)
		return
	}
	if conv == nil {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}

	if req.Title != nil {
		conv.Title = *req.Title
	}
	if req.Messages != nil {
		conv.Messages = rawMessages(req.Messages)
	}
	if err := conv.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.conversations.Save(r.Context(), conv); err != nil {
		writeDetail(w, http.StatusInternalServerError, "saving conversation failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeDetail(w, http.StatusInternalServerError, "deleting conversation failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

// titleRequest is the body of POST /api/conversations/generate-title.
type titleRequest struct {
	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`
	Model            string `json:"model"`
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.UserMessage == "" {
		writeDetail(w, http.StatusBadRequest, "user_message must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	// GenerateTitle never fails: an unroutable model degrades to a nil
	// provider and the truncated user message becomes the title.
	provider, err := s.providers.Provider(req.Model)
	if err != nil {
		slog.Warn("title generation has no provider, using fallback", "model", req.Model, "error", err)
		provider = nil
	}
	title := conversation.GenerateTitle(r.Context(), provider, req.UserMessage, req.AssistantMessage)
	writeJSON(w, http.StatusOK, map[string]any{"title": title})
}
