package agent

import (
	"context"
	"sort"
	"sync"
)

// Store persists agent definitions. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the definition by name, or (nil, nil) when absent.
	Get(ctx context.Context, name string) (*Definition, error)

	// List returns all definitions ordered by name.
	List(ctx context.Context) ([]*Definition, error)

	// Save upserts a definition keyed by name.
	Save(ctx context.Context, def *Definition) error

	// Delete removes a definition. Deleting an absent name is not an error.
	Delete(ctx context.Context, name string) error
}

// MemStore is an in-memory Store for tests and DSN-less deployments.
type MemStore struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{defs: make(map[string]Definition)}
}

func (s *MemStore) Get(_ context.Context, name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, nil
	}
	return cloneDefinition(&def), nil
}

func (s *MemStore) List(_ context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Definition, 0, len(s.defs))
	for name := range s.defs {
		def := s.defs[name]
		out = append(out, cloneDefinition(&def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) Save(_ context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.Name] = *cloneDefinition(def)
	return nil
}

func (s *MemStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
	return nil
}

// cloneDefinition copies def so callers cannot alias the stored slice.
func cloneDefinition(def *Definition) *Definition {
	out := *def
	if def.EnabledTools != nil {
		out.EnabledTools = append([]string(nil), def.EnabledTools...)
	}
	return &out
}
