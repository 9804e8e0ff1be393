package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] for fields left empty.
const (
	DefaultListenAddr = ":8080"
	DefaultDataDir    = "./data"
	DefaultModel      = "qwen3:4b"
	DefaultAgent      = "psychological"
	DefaultEmbedDims  = 768
	DefaultEmbedModel = "nomic-embed-text"
	DefaultUserName   = "User"
)

// envRef matches ${VAR} references in YAML values. Only the braced form is
// expanded so bare dollar signs (passwords, shell snippets) survive intact.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces every ${VAR} reference with the variable's value.
// Unset variables expand to the empty string, matching shell behaviour.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults for fields left empty. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = DefaultDataDir
	}
	if cfg.Server.ArtifactsDir == "" {
		cfg.Server.ArtifactsDir = cfg.Server.DataDir + "/artifacts"
	}

	// Graph store
	if cfg.Graph.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("graph.embedding_dimensions %d must be positive", cfg.Graph.EmbeddingDimensions))
	}
	if cfg.Graph.EmbeddingDimensions == 0 {
		cfg.Graph.EmbeddingDimensions = DefaultEmbedDims
	}
	if cfg.Graph.PostgresDSN == "" {
		slog.Warn("graph.postgres_dsn is empty; memories and documents are kept in process memory and lost on restart")
	}

	// Providers
	if cfg.Providers.LLM.DefaultModel == "" {
		cfg.Providers.LLM.DefaultModel = DefaultModel
	}
	if cfg.Providers.Embeddings.Name == "" {
		cfg.Providers.Embeddings.Name = EmbeddingsOllama
	}
	if !cfg.Providers.Embeddings.Name.IsValid() {
		errs = append(errs, fmt.Errorf("providers.embeddings.name %q is invalid; valid values: ollama, openai", cfg.Providers.Embeddings.Name))
	}
	if cfg.Providers.Embeddings.Model == "" {
		cfg.Providers.Embeddings.Model = DefaultEmbedModel
	}
	if cfg.Providers.Embeddings.Name == EmbeddingsOpenAI && cfg.Providers.Embeddings.APIKey == "" {
		errs = append(errs, errors.New("providers.embeddings.api_key is required when name is openai"))
	}
	routePrefixesSeen := make(map[string]int, len(cfg.Providers.LLM.Routes))
	for i, rt := range cfg.Providers.LLM.Routes {
		prefix := fmt.Sprintf("providers.llm.routes[%d]", i)
		if rt.Prefix == "" {
			errs = append(errs, fmt.Errorf("%s.prefix is required", prefix))
			continue
		}
		if rt.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required", prefix))
		}
		key := strings.ToLower(rt.Prefix)
		if prev, seen := routePrefixesSeen[key]; seen {
			errs = append(errs, fmt.Errorf("%s.prefix %q is a duplicate of providers.llm.routes[%d]", prefix, rt.Prefix, prev))
		} else {
			routePrefixesSeen[key] = i
		}
	}

	// Memory
	if cfg.Memory.DuplicateThreshold != 0 {
		if cfg.Memory.DuplicateThreshold < 0 || cfg.Memory.DuplicateThreshold > 1 {
			errs = append(errs, fmt.Errorf("memory.duplicate_threshold %.2f is out of range [0, 1]", cfg.Memory.DuplicateThreshold))
		}
	}
	if cfg.Memory.UserName == "" {
		cfg.Memory.UserName = DefaultUserName
	}

	// Agent defaults
	if cfg.Agent.Default == "" {
		cfg.Agent.Default = DefaultAgent
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if srv.Name != "" {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
	}

	// Static model rows
	for i, m := range cfg.Models.Static {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models.static[%d].name is required", i))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level onto its slog equivalent. An
// empty or invalid level maps to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
