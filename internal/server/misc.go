package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/miskibin/rtx-chat/internal/settings"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.catalog.Models(r.Context())
	if err != nil {
		// No source has ever answered; there is nothing stale to serve.
		writeDetail(w, http.StatusBadGateway, "listing models failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": list})
}

// toolSummary is one row of the tool listing endpoint.
type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	names := s.registry.Names()
	summaries := make([]toolSummary, 0, len(names))
	for _, name := range names {
		tool, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		summaries = append(summaries, toolSummary{Name: name, Description: tool.Definition.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": summaries})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Current())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	updated, err := s.settings.Update(patch)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleArtifact serves one file produced by a code-execution run. The two
// path segments are validated against traversal before touching the
// filesystem.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifactsDir == "" {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}

	artifact := r.PathValue("artifact")
	filename := r.PathValue("filename")
	if !safeSegment(artifact) || !safeSegment(filename) {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}

	path := filepath.Join(s.artifactsDir, artifact, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "Not found")
		return
	}
	http.ServeFile(w, r, path)
}

// safeSegment rejects path segments that could escape the artifacts dir.
func safeSegment(segment string) bool {
	if segment == "" || segment == "." || segment == ".." {
		return false
	}
	return !strings.ContainsAny(segment, `/\`)
}
