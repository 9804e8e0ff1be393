// Package models aggregates the chat models available to the UI from the
// configured providers (a local Ollama install, hosted OpenAI-compatible
// backends) behind a TTL cache, so the model picker does not hammer provider
// APIs on every page load.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultTTL is how long a fetched model list stays fresh.
const DefaultTTL = time.Minute

// Model describes one selectable chat model.
type Model struct {
	Name             string `json:"name"`
	ContextLength    int    `json:"context_length"`
	SupportsTools    bool   `json:"supports_tools"`
	SupportsThinking bool   `json:"supports_thinking"`
	SupportsVision   bool   `json:"supports_vision"`
	Parameters       string `json:"parameters"`
	Family           string `json:"family"`
}

// Source lists the models one provider offers.
type Source interface {
	List(ctx context.Context) ([]Model, error)
}

// Static is a fixed model list, used for hosted backends that expose no
// listing endpoint worth calling (the available models are known up front).
type Static []Model

// List implements Source.
func (s Static) List(context.Context) ([]Model, error) {
	return slices.Clone(s), nil
}

// Catalog aggregates model listings from several sources behind a TTL cache.
// A failing source is logged and skipped; when every source fails, the last
// successfully fetched list keeps serving until a refresh succeeds.
// Safe for concurrent use.
type Catalog struct {
	mu        sync.Mutex
	sources   []Source
	ttl       time.Duration
	fetchedAt time.Time
	cached    []Model
}

// NewCatalog builds a catalog over the given sources. A non-positive ttl
// falls back to DefaultTTL.
func NewCatalog(ttl time.Duration, sources ...Source) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{sources: sources, ttl: ttl}
}

// Models returns the aggregated model list, refreshing expired cache entries.
// The returned slice is the caller's to keep.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.ttl {
		return slices.Clone(c.cached), nil
	}

	var all []Model
	var errs []error
	for _, src := range c.sources {
		models, err := src.List(ctx)
		if err != nil {
			slog.Warn("model source failed", "error", err)
			errs = append(errs, err)
			continue
		}
		all = append(all, models...)
	}

	if len(all) == 0 && len(errs) > 0 {
		if c.cached != nil {
			slog.Warn("all model sources failed, serving stale list", "models", len(c.cached))
			return slices.Clone(c.cached), nil
		}
		return nil, fmt.Errorf("models: list: %w", errors.Join(errs...))
	}

	c.cached = all
	c.fetchedAt = time.Now()
	return slices.Clone(all), nil
}
