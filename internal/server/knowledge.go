package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miskibin/rtx-chat/internal/knowledge"
)

// uploadMaxBytes caps a knowledge upload; PDFs above this are rejected
// before extraction.
const uploadMaxBytes = 32 << 20

// ingestTimeout bounds one background ingestion, enrichment included.
const ingestTimeout = 10 * time.Minute

// taskStatus is the progress record behind the upload status endpoint.
type taskStatus struct {
	Status     string `json:"status"`
	DocumentID string `json:"document_id,omitempty"`
	Message    string `json:"message"`
	ChunkCount int    `json:"chunk_count"`
	Current    int    `json:"current_chunk"`
	Total      int    `json:"total_chunks"`
}

// taskTracker keeps ingestion task states for polling. Entries live for the
// process lifetime, like upload tasks themselves; the upload volume of a
// single-user assistant does not warrant eviction.
type taskTracker struct {
	mu    sync.Mutex
	tasks map[string]taskStatus
}

func newTaskTracker() *taskTracker {
	return &taskTracker{tasks: make(map[string]taskStatus)}
}

func (t *taskTracker) set(id string, status taskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[id] = status
}

// progress updates only the chunk counters of a running task.
func (t *taskTracker) progress(id string, current, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.tasks[id]
	if !ok {
		return
	}
	status.Current = current
	status.Total = total
	t.tasks[id] = status
}

func (t *taskTracker) get(id string) (taskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.tasks[id]
	return status, ok
}

// requireKnowledge 503s when no knowledge service is wired.
func (s *Server) requireKnowledge(w http.ResponseWriter) bool {
	if s.knowledge == nil {
		writeDetail(w, http.StatusServiceUnavailable, "knowledge base is not configured")
		return false
	}
	return true
}

// requireAgent 404s when the named agent does not exist. The agent name is
// the knowledge scope, so every knowledge route checks it first.
func (s *Server) requireAgent(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("name")
	def, err := s.agents.Get(r.Context(), name)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading agent failed: %v", err)
		return "", false
	}
	if def == nil {
		writeDetail(w, http.StatusNotFound, "Agent '%s' not found", name)
		return "", false
	}
	return name, true
}

func (s *Server) handleKnowledgeUpload(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	scope, ok := s.requireAgent(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, uploadMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file: %v", err)
		return
	}
	defer file.Close()

	filename := header.Filename
	if filename == "" {
		filename = "unknown.txt"
	}
	if ext := filepath.Ext(filename); !knowledge.SupportedExtension(ext) {
		writeDetail(w, http.StatusBadRequest, "Unsupported file type: %s. Supported: %s",
			ext, strings.Join(knowledge.SupportedExtensions, ", "))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "reading upload failed: %v", err)
		return
	}
	content, docType, err := knowledge.Extract(filename, data)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}

	enrich := true
	if v := r.FormValue("enrich_with_llm"); v != "" {
		enrich, _ = strconv.ParseBool(v)
	}

	taskID := uuid.NewString()
	s.tasks.set(taskID, taskStatus{Status: "queued", Message: "File uploaded, processing starting..."})

	// Ingestion outlives the upload request; the client polls the status
	// endpoint.
	go s.ingest(taskID, knowledge.IngestRequest{
		Scope:    scope,
		Filename: filename,
		DocType:  docType,
		Content:  content,
		Enrich:   enrich,
		Progress: func(current, total int) {
			s.tasks.progress(taskID, current, total)
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID, "status": "queued", "filename": filename,
	})
}

func (s *Server) ingest(taskID string, req knowledge.IngestRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	s.tasks.set(taskID, taskStatus{Status: "processing", Message: "Processing " + req.Filename + "..."})

	doc, err := s.knowledge.Ingest(ctx, req)
	if err != nil {
		slog.Error("knowledge ingestion failed", "scope", req.Scope, "filename", req.Filename, "error", err)
		s.tasks.set(taskID, taskStatus{Status: "error", Message: err.Error()})
		return
	}
	s.tasks.set(taskID, taskStatus{
		Status:     "completed",
		DocumentID: doc.ID,
		Message:    "Successfully processed " + req.Filename,
		ChunkCount: doc.ChunkCount,
	})
}

func (s *Server) handleKnowledgeStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	status, ok := s.tasks.get(r.PathValue("task"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleKnowledgeDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	scope, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	docs, err := s.knowledge.Documents(r.Context(), scope)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing documents failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleKnowledgeDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	scope, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	doc, chunks, err := s.knowledge.Document(r.Context(), scope, r.PathValue("doc"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "loading document failed: %v", err)
		return
	}
	if doc == nil {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "chunks": chunks})
}

func (s *Server) handleKnowledgeDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	scope, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	deleted, err := s.knowledge.DeleteDocument(r.Context(), scope, r.PathValue("doc"))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "deleting document failed: %v", err)
		return
	}
	if !deleted {
		writeDetail(w, http.StatusNotFound, "Document not found")
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireKnowledge(w) {
		return
	}
	scope, ok := s.requireAgent(w, r)
	if !ok {
		return
	}
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeDetail(w, http.StatusBadRequest, "query parameter q must not be empty")
		return
	}
	hits, err := s.knowledge.Search(r.Context(), scope, query, knowledge.SearchOptions{
		MinSimilarity: s.settings.KnowledgeMinSimilarity(),
	})
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "knowledge search failed: %v", err)
		return
	}
	if hits == nil {
		hits = []knowledge.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
