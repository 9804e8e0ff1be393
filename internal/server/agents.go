package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/miskibin/rtx-chat/internal/agent"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing agents failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":            agents,
		"variables":         agent.PromptVariables,
		"all_tools":         s.registry.Names(),
		"tools_by_category": s.registry.Catalog(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	def, err := s.agents.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading agent failed: %v", err)
		return
	}
	if def == nil {
		writeDetail(w, http.StatusNotFound, "Agent not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var def agent.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	s.saveAgent(w, r, &def)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var def agent.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	// The path owns the name; a mismatched body name would silently fork the
	// definition.
	def.Name = r.PathValue("name")
	s.saveAgent(w, r, &def)
}

// saveAgent validates and persists a definition, reporting missing
// recommended template variables as a warning rather than an error.
func (s *Server) saveAgent(w http.ResponseWriter, r *http.Request, def *agent.Definition) {
	if err := def.Validate(); err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}
	def.Normalize()

	var warning *string
	if missing := agent.MissingRecommendedVariables(def.Prompt); len(missing) > 0 {
		msg := fmt.Sprintf("Missing recommended variables: %s", strings.Join(missing, ", "))
		warning = &msg
	}

	if err := s.agents.Save(r.Context(), def); err != nil {
		writeDetail(w, http.StatusInternalServerError, "saving agent failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Warning: warning})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	def, err := s.agents.Get(r.Context(), name)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading agent failed: %v", err)
		return
	}
	if def != nil && def.IsTemplate {
		writeDetail(w, http.StatusBadRequest, "built-in template %q cannot be deleted", name)
		return
	}

	if err := s.agents.Delete(r.Context(), name); err != nil {
		writeDetail(w, http.StatusInternalServerError, "deleting agent failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
