// Package router selects an LLM provider implementation for a model name.
//
// Routing is prefix based: each PrefixRoute maps a model-name prefix to an
// OpenAI-compatible endpoint with its own API key. Models prefixed "grok"
// route to the xAI API out of the box; names matching no route are assumed
// to be local Ollama models. Constructed providers are cached per model name
// so repeated turns against the same model reuse one client.
package router

import (
	"fmt"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
	"github.com/miskibin/rtx-chat/pkg/provider/llm/anyllm"
	"github.com/miskibin/rtx-chat/pkg/provider/llm/openai"
)

// DefaultXAIBaseURL is the xAI OpenAI-compatible endpoint.
const DefaultXAIBaseURL = "https://api.x.ai/v1"

// PrefixRoute maps a model-name prefix to an OpenAI-compatible endpoint.
// Prefixes match case-insensitively against the model name.
type PrefixRoute struct {
	// Prefix of the model names this route serves, e.g. "deepseek".
	Prefix string

	// BaseURL of the OpenAI-compatible endpoint.
	BaseURL string

	// APIKey authenticates requests to the endpoint. Leaving it empty makes
	// the route's models unavailable; requesting one returns an error.
	APIKey string
}

// Config holds the credentials and endpoints the registry routes with.
type Config struct {
	// Routes maps model-name prefixes to external OpenAI-compatible
	// endpoints. The first matching route wins. A "grok"-prefixed route to
	// xAI is seeded automatically unless Routes already claims the prefix.
	Routes []PrefixRoute

	// XAIAPIKey authenticates grok-prefixed models via the seeded default
	// route. Leaving it empty makes grok models unavailable; requesting one
	// returns an error.
	XAIAPIKey string

	// XAIBaseURL overrides DefaultXAIBaseURL for the seeded grok route.
	XAIBaseURL string

	// OllamaHost overrides the default Ollama endpoint (http://localhost:11434).
	OllamaHost string
}

// Registry constructs and caches llm.Provider instances by model name.
// It is safe for concurrent use.
type Registry struct {
	cfg    Config
	routes []PrefixRoute

	mu    sync.Mutex
	cache map[string]llm.Provider
}

// New creates a Registry with the given configuration.
func New(cfg Config) *Registry {
	if cfg.XAIBaseURL == "" {
		cfg.XAIBaseURL = DefaultXAIBaseURL
	}
	routes := make([]PrefixRoute, 0, len(cfg.Routes)+1)
	routes = append(routes, cfg.Routes...)
	if !claimsPrefix(routes, "grok") {
		routes = append(routes, PrefixRoute{
			Prefix:  "grok",
			BaseURL: cfg.XAIBaseURL,
			APIKey:  cfg.XAIAPIKey,
		})
	}
	return &Registry{
		cfg:    cfg,
		routes: routes,
		cache:  make(map[string]llm.Provider),
	}
}

func claimsPrefix(routes []PrefixRoute, prefix string) bool {
	for _, rt := range routes {
		if strings.EqualFold(rt.Prefix, prefix) {
			return true
		}
	}
	return false
}

// Provider returns the provider serving the given model, constructing and
// caching it on first use.
func (r *Registry) Provider(model string) (llm.Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("router: model must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[model]; ok {
		return p, nil
	}

	p, err := r.build(model)
	if err != nil {
		return nil, err
	}
	r.cache[model] = p
	return p, nil
}

// build constructs a provider for the model without consulting the cache.
// Callers must hold r.mu.
func (r *Registry) build(model string) (llm.Provider, error) {
	lower := strings.ToLower(model)
	for _, rt := range r.routes {
		if !strings.HasPrefix(lower, strings.ToLower(rt.Prefix)) {
			continue
		}
		if rt.APIKey == "" {
			return nil, fmt.Errorf("router: model %q requires an API key for the %q route", model, rt.Prefix)
		}
		if rt.BaseURL == "" {
			return nil, fmt.Errorf("router: route %q has no base URL", rt.Prefix)
		}
		p, err := openai.New(rt.APIKey, model, openai.WithBaseURL(rt.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("router: build %s provider: %w", rt.Prefix, err)
		}
		return p, nil
	}

	var opts []anyllmlib.Option
	if r.cfg.OllamaHost != "" {
		opts = append(opts, anyllmlib.WithBaseURL(r.cfg.OllamaHost))
	}
	p, err := anyllm.NewOllama(model, opts...)
	if err != nil {
		return nil, fmt.Errorf("router: build ollama provider: %w", err)
	}
	return p, nil
}
