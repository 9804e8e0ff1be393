// Package app wires all rtx-chat subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithGraphStore,
// WithEmbedder, WithProviderSource). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/miskibin/rtx-chat/internal/agent"
	"github.com/miskibin/rtx-chat/internal/config"
	"github.com/miskibin/rtx-chat/internal/confirm"
	"github.com/miskibin/rtx-chat/internal/conversation"
	"github.com/miskibin/rtx-chat/internal/health"
	"github.com/miskibin/rtx-chat/internal/knowledge"
	"github.com/miskibin/rtx-chat/internal/memory"
	"github.com/miskibin/rtx-chat/internal/models"
	"github.com/miskibin/rtx-chat/internal/observe"
	"github.com/miskibin/rtx-chat/internal/resilience"
	"github.com/miskibin/rtx-chat/internal/server"
	"github.com/miskibin/rtx-chat/internal/settings"
	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/internal/tools/codetool"
	"github.com/miskibin/rtx-chat/internal/tools/fstool"
	"github.com/miskibin/rtx-chat/internal/tools/knowledgetool"
	"github.com/miskibin/rtx-chat/internal/tools/memorytool"
	"github.com/miskibin/rtx-chat/internal/tools/webtool"
	"github.com/miskibin/rtx-chat/pkg/graph"
	"github.com/miskibin/rtx-chat/pkg/graph/memstore"
	graphpg "github.com/miskibin/rtx-chat/pkg/graph/postgres"
	"github.com/miskibin/rtx-chat/pkg/provider/embeddings"
	embollama "github.com/miskibin/rtx-chat/pkg/provider/embeddings/ollama"
	embopenai "github.com/miskibin/rtx-chat/pkg/provider/embeddings/openai"
	"github.com/miskibin/rtx-chat/pkg/provider/llm/router"
)

// embedRetries is how often a transient embedder failure is retried before
// the error propagates.
const embedRetries = 2

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and serves the chat API.
type App struct {
	cfg *config.Config

	graph     graph.Store
	embedder  embeddings.Provider
	providers agent.ProviderSource
	registry  *tools.Registry
	settings  *settings.Store
	server    *server.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithGraphStore injects a graph store instead of connecting from config.
func WithGraphStore(s graph.Store) Option {
	return func(a *App) { a.graph = s }
}

// WithEmbedder injects an embeddings provider instead of building one from
// config.
func WithEmbedder(e embeddings.Provider) Option {
	return func(a *App) { a.embedder = e }
}

// WithProviderSource injects an LLM provider source instead of the routing
// registry.
func WithProviderSource(p agent.ProviderSource) Option {
	return func(a *App) { a.providers = p }
}

// New creates an App by wiring all subsystems together: graph store,
// embeddings, memory and knowledge services, tool registry (builtin tools
// plus MCP imports), agent and conversation stores, model catalogue, the
// turn engine, and the HTTP server.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.ArtifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create artifacts dir: %w", err)
	}

	a.settings = settings.NewStore(cfg.Server.DataDir)

	if err := a.initGraph(ctx); err != nil {
		return nil, fmt.Errorf("app: init graph store: %w", err)
	}
	if err := a.initEmbedder(); err != nil {
		return nil, fmt.Errorf("app: init embedder: %w", err)
	}
	if a.providers == nil {
		routes := make([]router.PrefixRoute, 0, len(cfg.Providers.LLM.Routes))
		for _, rt := range cfg.Providers.LLM.Routes {
			routes = append(routes, router.PrefixRoute{
				Prefix:  rt.Prefix,
				BaseURL: rt.BaseURL,
				APIKey:  rt.APIKey,
			})
		}
		a.providers = router.New(router.Config{
			Routes:     routes,
			XAIAPIKey:  cfg.Providers.LLM.XAIAPIKey,
			XAIBaseURL: cfg.Providers.LLM.XAIBaseURL,
			OllamaHost: cfg.Providers.LLM.OllamaHost,
		})
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	memSvc := memory.NewService(a.graph, a.embedder, a.memoryOptions()...)
	knowSvc := knowledge.NewService(a.graph, a.embedder, a.buildEnricher())

	a.registry = tools.NewRegistry(metrics)
	if err := a.registerBuiltinTools(memSvc, knowSvc); err != nil {
		return nil, fmt.Errorf("app: register tools: %w", err)
	}
	if err := a.importMCPServers(ctx); err != nil {
		return nil, fmt.Errorf("app: import mcp servers: %w", err)
	}

	agents, conversations, err := a.initStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}
	if err := agent.SeedTemplates(ctx, agents, a.registry); err != nil {
		return nil, fmt.Errorf("app: seed agent templates: %w", err)
	}

	broker := confirm.NewBroker()
	engine, err := agent.New(agent.Config{
		Agents:    agents,
		Memory:    memSvc,
		Knowledge: knowSvc,
		Registry:  a.registry,
		Broker:    broker,
		Providers: a.providers,
		Metrics:   metrics,
		MemoryMinSimilarity: func() float64 {
			return a.settings.Current().MemoryMinSimilarity
		},
		KnowledgeMinSimilarity: func() float64 {
			return a.settings.Current().KnowledgeMinSimilarity
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: build engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Engine:        engine,
		Broker:        broker,
		Agents:        agents,
		Conversations: conversations,
		Memory:        memSvc,
		Knowledge:     knowSvc,
		Registry:      a.registry,
		Catalog:       a.buildCatalog(),
		Settings:      a.settings,
		Providers:     a.providers,
		Health:        health.New(a.healthCheckers()...),
		Metrics:       metrics,
		DefaultModel:  cfg.Providers.LLM.DefaultModel,
		DefaultAgent:  cfg.Agent.Default,
		ArtifactsDir:  cfg.Server.ArtifactsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build server: %w", err)
	}
	a.server = srv

	return a, nil
}

// initGraph connects the pgvector store, or falls back to the in-memory
// store when no DSN is configured.
func (a *App) initGraph(ctx context.Context) error {
	if a.graph != nil {
		return nil
	}

	dsn := a.cfg.Graph.PostgresDSN
	if dsn == "" {
		slog.Warn("running on the in-memory graph store; memories are lost on restart")
		a.graph = memstore.New()
		return nil
	}

	store, err := graphpg.NewStore(ctx, dsn, a.cfg.Graph.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.graph = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("connected graph store", "dimensions", a.cfg.Graph.EmbeddingDimensions)
	return nil
}

// initEmbedder builds the configured embeddings provider wrapped in the
// transient-failure retrier.
func (a *App) initEmbedder() error {
	if a.embedder != nil {
		return nil
	}

	ecfg := a.cfg.Providers.Embeddings
	var (
		inner embeddings.Provider
		err   error
	)
	switch ecfg.Name {
	case config.EmbeddingsOllama:
		inner, err = embollama.New(ecfg.BaseURL, ecfg.Model)
	case config.EmbeddingsOpenAI:
		var opts []embopenai.Option
		if ecfg.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(ecfg.BaseURL))
		}
		inner, err = embopenai.New(ecfg.APIKey, ecfg.Model, opts...)
	default:
		err = fmt.Errorf("unknown embeddings provider %q", ecfg.Name)
	}
	if err != nil {
		return err
	}

	a.embedder = resilience.NewRetryEmbedder(inner, embedRetries)
	return nil
}

// memoryOptions translates config tuning into memory service options.
func (a *App) memoryOptions() []memory.Option {
	var opts []memory.Option
	if a.cfg.Memory.UserName != "" {
		opts = append(opts, memory.WithUserName(a.cfg.Memory.UserName))
	}
	if a.cfg.Memory.DuplicateThreshold != 0 {
		opts = append(opts, memory.WithDuplicateThreshold(a.cfg.Memory.DuplicateThreshold))
	}
	return opts
}

// buildEnricher resolves the default model into the provider used for
// document enrichment at ingest time. The provider runs behind a circuit
// breaker; when the configured default is an external model, the built-in
// local model is registered as a fallback so ingestion survives API outages.
// A routing failure disables enrichment rather than blocking startup.
func (a *App) buildEnricher() *knowledge.Enricher {
	model := a.cfg.Providers.LLM.DefaultModel
	provider, err := a.providers.Provider(model)
	if err != nil {
		slog.Warn("default model unavailable; document enrichment disabled",
			"model", model, "err", err)
		return nil
	}

	guarded := resilience.NewLLMFallback(provider, model, resilience.FallbackConfig{})
	if model != config.DefaultModel {
		if local, err := a.providers.Provider(config.DefaultModel); err == nil {
			guarded.AddFallback(config.DefaultModel, local)
		}
	}
	return knowledge.NewEnricher(guarded)
}

// registerBuiltinTools fills the registry with the built-in tool sets.
func (a *App) registerBuiltinTools(memSvc *memory.Service, knowSvc *knowledge.Service) error {
	memoryFloor := func() float64 { return a.settings.Current().MemoryMinSimilarity }
	knowledgeFloor := func() float64 { return a.settings.Current().KnowledgeMinSimilarity }

	var all []tools.Tool
	all = append(all, memorytool.NewTools(memSvc, memoryFloor)...)
	all = append(all, knowledgetool.NewTools(knowSvc, knowledgeFloor)...)
	all = append(all, webtool.NewTools(nil)...)
	all = append(all, fstool.NewTools(a.cfg.Server.DataDir)...)
	all = append(all, codetool.NewTools(codetool.Config{
		ArtifactsDir: a.cfg.Server.ArtifactsDir,
	})...)
	all = append(all, agent.NewSessionTools()...)

	return a.registry.Register(all...)
}

// importMCPServers connects each configured MCP server and registers its
// tools. An unreachable server is logged and skipped so one dead external
// process cannot block the chat from starting.
func (a *App) importMCPServers(ctx context.Context) error {
	for _, srvCfg := range a.cfg.MCP.Servers {
		client, err := tools.ImportMCPServer(ctx, a.registry, srvCfg)
		if err != nil {
			slog.Warn("mcp server unavailable, skipping", "name", srvCfg.Name, "err", err)
			continue
		}
		a.closers = append(a.closers, client.Close)
		slog.Info("imported mcp server", "name", srvCfg.Name)
	}
	return nil
}

// initStores builds the agent and conversation stores over the shared
// postgres pool, or over process memory when the graph store is in-memory.
func (a *App) initStores(ctx context.Context) (agent.Store, conversation.Store, error) {
	pg, ok := a.graph.(*graphpg.Store)
	if !ok {
		return agent.NewMemStore(), conversation.NewMemStore(), nil
	}

	agents := agent.NewPostgresStore(pg.Pool())
	if err := agents.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate agent store: %w", err)
	}
	conversations := conversation.NewPostgresStore(pg.Pool())
	if err := conversations.Migrate(ctx); err != nil {
		return nil, nil, fmt.Errorf("migrate conversation store: %w", err)
	}
	return agents, conversations, nil
}

// buildCatalog aggregates the Ollama listing with the statically configured
// external models.
func (a *App) buildCatalog() *models.Catalog {
	sources := []models.Source{models.NewOllama(a.cfg.Providers.LLM.OllamaHost)}

	if len(a.cfg.Models.Static) > 0 {
		static := make(models.Static, 0, len(a.cfg.Models.Static))
		for _, m := range a.cfg.Models.Static {
			static = append(static, models.Model{
				Name:             m.Name,
				ContextLength:    m.ContextLength,
				SupportsTools:    m.SupportsTools,
				SupportsThinking: m.SupportsThinking,
				SupportsVision:   m.SupportsVision,
				Parameters:       m.Parameters,
				Family:           m.Family,
			})
		}
		sources = append(sources, static)
	}

	return models.NewCatalog(0, sources...)
}

// healthCheckers builds the readiness probes for the configured backends.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if pg, ok := a.graph.(*graphpg.Store); ok {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return pg.Pool().Ping(ctx) },
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "embeddings",
		Check: func(ctx context.Context) error {
			_, err := a.embedder.Embed(ctx, "ping")
			return err
		},
	})
	return checkers
}

// Handler returns the full HTTP handler: the chat API plus the Prometheus
// scrape endpoint.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", a.server.Handler())
	return mux
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: a.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serving", "addr", a.cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(drainCtx)
	})
	return g.Wait()
}

// Shutdown releases all held resources: MCP client sessions and the
// database pool. Safe to call more than once.
func (a *App) Shutdown() error {
	var firstErr error
	a.stopOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
