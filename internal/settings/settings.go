// Package settings holds the global knobs applied across all agents: the
// similarity floors for memory and knowledge retrieval. Settings persist as a
// small JSON file in the data directory and survive restarts; a missing or
// corrupt file falls back to defaults rather than failing startup.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileName is the settings file inside the data directory.
const FileName = "app_settings.json"

// Defaults.
const (
	DefaultKnowledgeMinSimilarity = 0.7
	DefaultMemoryMinSimilarity    = 0.65
)

// Settings are the global values applied across all agents.
type Settings struct {
	// KnowledgeMinSimilarity is the retrieval floor for knowledge-base search.
	KnowledgeMinSimilarity float64 `json:"knowledge_min_similarity"`
	// MemoryMinSimilarity is the retrieval floor for memory search.
	MemoryMinSimilarity float64 `json:"memory_min_similarity"`
}

// Defaults returns the out-of-the-box settings.
func Defaults() Settings {
	return Settings{
		KnowledgeMinSimilarity: DefaultKnowledgeMinSimilarity,
		MemoryMinSimilarity:    DefaultMemoryMinSimilarity,
	}
}

// Validate checks that every value is in range.
func (s Settings) Validate() error {
	if s.KnowledgeMinSimilarity < 0 || s.KnowledgeMinSimilarity > 1 {
		return fmt.Errorf("settings: knowledge_min_similarity %v out of range [0, 1]", s.KnowledgeMinSimilarity)
	}
	if s.MemoryMinSimilarity < 0 || s.MemoryMinSimilarity > 1 {
		return fmt.Errorf("settings: memory_min_similarity %v out of range [0, 1]", s.MemoryMinSimilarity)
	}
	return nil
}

// Patch is a partial settings update. Nil fields keep their current value.
type Patch struct {
	KnowledgeMinSimilarity *float64 `json:"knowledge_min_similarity"`
	MemoryMinSimilarity    *float64 `json:"memory_min_similarity"`
}

// Store keeps the current settings in memory and writes changes through to
// disk. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// NewStore loads settings from dataDir. A missing file yields defaults; an
// unreadable or invalid file logs a warning and also yields defaults, so a
// damaged settings file never blocks startup.
func NewStore(dataDir string) *Store {
	s := &Store{
		path:    filepath.Join(dataDir, FileName),
		current: Defaults(),
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read settings file, using defaults", "path", s.path, "error", err)
		}
		return s
	}

	loaded := Defaults()
	if err := json.Unmarshal(raw, &loaded); err != nil {
		slog.Warn("settings file is not valid JSON, using defaults", "path", s.path, "error", err)
		return s
	}
	if err := loaded.Validate(); err != nil {
		slog.Warn("settings file holds out-of-range values, using defaults", "path", s.path, "error", err)
		return s
	}
	s.current = loaded
	return s
}

// Current returns a copy of the active settings.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a partial patch, persists the result and returns it. An
// out-of-range value rejects the whole patch and leaves both memory and disk
// untouched.
func (s *Store) Update(patch Patch) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.KnowledgeMinSimilarity != nil {
		next.KnowledgeMinSimilarity = *patch.KnowledgeMinSimilarity
	}
	if patch.MemoryMinSimilarity != nil {
		next.MemoryMinSimilarity = *patch.MemoryMinSimilarity
	}
	if err := next.Validate(); err != nil {
		return s.current, err
	}

	if err := s.persist(next); err != nil {
		return s.current, err
	}
	s.current = next
	return next, nil
}

// MemoryMinSimilarity reads the current memory floor. The method value plugs
// straight into memorytool.NewTools as the per-call getter.
func (s *Store) MemoryMinSimilarity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.MemoryMinSimilarity
}

// KnowledgeMinSimilarity reads the current knowledge floor, shaped for
// knowledgetool.NewTools and the engine's knowledge search.
func (s *Store) KnowledgeMinSimilarity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.KnowledgeMinSimilarity
}

func (s *Store) persist(settings Settings) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: create data dir: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	return nil
}
