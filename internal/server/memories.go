package server

import (
	"net/http"
	"strings"
)

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	items, err := s.memory.ListMemories(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing memories failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": items})
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeDetail(w, http.StatusBadRequest, "query parameter q must not be empty")
		return
	}
	hits, err := s.memory.SearchMemories(r.Context(), query)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "memory search failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": hits})
}

func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.memory.Preferences(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing preferences failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": emptyNotNil(prefs)})
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := s.memory.ListPeople(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing people failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"people": people})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.memory.ListEvents(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing events failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// updateMemoryRequest is the body of PUT /api/memories/{id}.
type updateMemoryRequest struct {
	NewValue string `json:"new_value"`
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if strings.TrimSpace(req.NewValue) == "" {
		writeDetail(w, http.StatusBadRequest, "new_value must not be empty")
		return
	}
	result, err := s.memory.UpdateMemory(r.Context(), r.PathValue("id"), req.NewValue)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "updating memory failed: %v", err)
		return
	}
	// The service reports a missing id as a sentinel string, not an error.
	if result == "Memory not found" {
		writeDetail(w, http.StatusNotFound, "Memory not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "updated"})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	result, err := s.memory.DeleteMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "deleting memory failed: %v", err)
		return
	}
	if result == "Memory not found" {
		writeDetail(w, http.StatusNotFound, "Memory not found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}
