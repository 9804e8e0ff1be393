// Package server exposes the agent runtime over HTTP: the SSE chat stream
// with its confirmation and clear endpoints, CRUD for conversations and
// agents, the memory and knowledge inspection APIs, the model catalogue,
// global settings and the artifacts file server.
//
// All JSON routes live under /api; artifacts are served from /artifacts so
// the URLs tools embed in their output resolve directly. Error bodies are
// `{"detail": "..."}`.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/miskibin/rtx-chat/internal/agent"
	"github.com/miskibin/rtx-chat/internal/confirm"
	"github.com/miskibin/rtx-chat/internal/conversation"
	"github.com/miskibin/rtx-chat/internal/health"
	"github.com/miskibin/rtx-chat/internal/knowledge"
	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/internal/models"
	"github.com/miskibin/rtx-chat/internal/observe"
	"github.com/miskibin/rtx-chat/internal/settings"
	"github.com/miskibin/rtx-chat/internal/tools"
)

// Defaults applied to chat requests that do not name an agent or model.
const (
	DefaultModel = "qwen3:4b"
	DefaultAgent = "psychological"
)

// Config wires a Server. Knowledge, Health, Metrics and ArtifactsDir are
// optional; everything else is required.
type Config struct {
	Engine        *agent.Engine
	Broker        *confirm.Broker
	Agents        agent.Store
	Conversations conversation.Store
	Memory        *memory.Service
	Registry      *tools.Registry
	Catalog       *models.Catalog
	Settings      *settings.Store
	Providers     agent.ProviderSource

	// Knowledge backs the per-agent document endpoints. nil serves 503s
	// there; the rest of the API is unaffected.
	Knowledge *knowledge.Service

	// Health contributes /healthz and /readyz when set.
	Health *health.Handler

	// Metrics enables the tracing/metrics middleware around every route.
	Metrics *observe.Metrics

	// DefaultModel and DefaultAgent fill chat requests that omit them.
	DefaultModel string
	DefaultAgent string

	// ArtifactsDir is the directory code-execution tools save files into.
	// Empty disables artifact serving.
	ArtifactsDir string
}

// Server is the HTTP façade over the agent runtime.
type Server struct {
	engine        *agent.Engine
	broker        *confirm.Broker
	agents        agent.Store
	conversations conversation.Store
	memory        *memory.Service
	knowledge     *knowledge.Service
	registry      *tools.Registry
	catalog       *models.Catalog
	settings      *settings.Store
	providers     agent.ProviderSource
	health        *health.Handler
	metrics       *observe.Metrics

	defaultModel string
	defaultAgent string
	artifactsDir string

	sessions *sessionHub
	tasks    *taskTracker
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Engine == nil:
		return nil, errors.New("server: engine is required")
	case cfg.Broker == nil:
		return nil, errors.New("server: confirmation broker is required")
	case cfg.Agents == nil:
		return nil, errors.New("server: agent store is required")
	case cfg.Conversations == nil:
		return nil, errors.New("server: conversation store is required")
	case cfg.Memory == nil:
		return nil, errors.New("server: memory service is required")
	case cfg.Registry == nil:
		return nil, errors.New("server: tool registry is required")
	case cfg.Catalog == nil:
		return nil, errors.New("server: model catalog is required")
	case cfg.Settings == nil:
		return nil, errors.New("server: settings store is required")
	case cfg.Providers == nil:
		return nil, errors.New("server: provider source is required")
	}

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = DefaultAgent
	}

	return &Server{
		engine:        cfg.Engine,
		broker:        cfg.Broker,
		agents:        cfg.Agents,
		conversations: cfg.Conversations,
		memory:        cfg.Memory,
		knowledge:     cfg.Knowledge,
		registry:      cfg.Registry,
		catalog:       cfg.Catalog,
		settings:      cfg.Settings,
		providers:     cfg.Providers,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
		defaultModel:  cfg.DefaultModel,
		defaultAgent:  cfg.DefaultAgent,
		artifactsDir:  cfg.ArtifactsDir,
		sessions:      newSessionHub(),
		tasks:         newTaskTracker(),
	}, nil
}

// Handler returns the fully routed HTTP handler, wrapped in the observability
// middleware when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/init", s.handleInit)

	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/chat/confirm", s.handleChatConfirm)
	mux.HandleFunc("POST /api/chat/clear", s.handleChatClear)

	mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	mux.HandleFunc("POST /api/conversations/generate-title", s.handleGenerateTitle)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("PUT /api/conversations/{id}", s.handleUpdateConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{name}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{name}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{name}", s.handleDeleteAgent)

	mux.HandleFunc("POST /api/agents/{name}/knowledge/upload", s.handleKnowledgeUpload)
	mux.HandleFunc("GET /api/agents/{name}/knowledge/status/{task}", s.handleKnowledgeStatus)
	mux.HandleFunc("GET /api/agents/{name}/knowledge", s.handleKnowledgeDocuments)
	mux.HandleFunc("GET /api/agents/{name}/knowledge/search", s.handleKnowledgeSearch)
	mux.HandleFunc("GET /api/agents/{name}/knowledge/{doc}", s.handleKnowledgeDocument)
	mux.HandleFunc("DELETE /api/agents/{name}/knowledge/{doc}", s.handleKnowledgeDelete)

	mux.HandleFunc("GET /api/memories", s.handleListMemories)
	mux.HandleFunc("GET /api/memories/search", s.handleSearchMemories)
	mux.HandleFunc("GET /api/memories/preferences", s.handleListPreferences)
	mux.HandleFunc("GET /api/memories/people", s.handleListPeople)
	mux.HandleFunc("GET /api/memories/events", s.handleListEvents)
	mux.HandleFunc("PUT /api/memories/{id}", s.handleUpdateMemory)
	mux.HandleFunc("DELETE /api/memories/{id}", s.handleDeleteMemory)

	mux.HandleFunc("GET /api/models", s.handleListModels)
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /artifacts/{artifact}/{filename}", s.handleArtifact)

	if s.health != nil {
		s.health.Register(mux)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// handleHealth is the liveness probe the chat UI polls.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// initResponse is the combined boot payload: everything the UI needs to
// render its first screen in one request.
type initResponse struct {
	Models          []models.Model                `json:"models"`
	Agents          []*agent.Definition           `json:"agents"`
	Variables       []agent.PromptVariable        `json:"variables"`
	AllTools        []string                      `json:"all_tools"`
	ToolsByCategory map[string]tools.CatalogGroup `json:"tools_by_category"`
	Conversations   []conversation.Metadata       `json:"conversations"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	modelList := s.cachedModels(ctx)

	agents, err := s.agents.List(ctx)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing agents failed: %v", err)
		return
	}
	conversations, err := s.conversations.List(ctx)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "listing conversations failed: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, initResponse{
		Models:          modelList,
		Agents:          agents,
		Variables:       agent.PromptVariables,
		AllTools:        s.registry.Names(),
		ToolsByCategory: s.registry.Catalog(),
		Conversations:   conversations,
	})
}

// cachedModels returns the catalogue, degrading to an empty list when every
// source is down. Model listing must never block the UI from booting.
func (s *Server) cachedModels(ctx context.Context) []models.Model {
	list, err := s.catalog.Models(ctx)
	if err != nil {
		slog.Warn("model listing failed", "error", err)
		return []models.Model{}
	}
	return list
}
