package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
)

// Flat context size served for local models; /api/tags does not report one.
const ollamaContextLength = 8192

// Ollama lists the models installed on a local Ollama server. Capabilities
// (tool calling, thinking, vision) come from a per-model /api/show call; a
// model whose show call fails is listed with no capabilities rather than
// dropped.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama builds a source for the Ollama server at baseURL. An empty
// baseURL means http://localhost:11434.
func NewOllama(baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

type ollamaTagsResponse struct {
	Models []ollamaTag `json:"models"`
}

type ollamaTag struct {
	Model   string `json:"model"`
	Name    string `json:"name"`
	Details struct {
		Family        string `json:"family"`
		ParameterSize string `json:"parameter_size"`
	} `json:"details"`
}

type ollamaShowResponse struct {
	Capabilities []string `json:"capabilities"`
}

// List implements Source.
func (o *Ollama) List(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama models: build request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama models: http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama models: unexpected status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama models: decode response: %w", err)
	}

	models := make([]Model, 0, len(tags.Models))
	for _, tag := range tags.Models {
		name := tag.Model
		if name == "" {
			name = tag.Name
		}

		caps, err := o.show(ctx, name)
		if err != nil {
			slog.Warn("could not get model capabilities", "model", name, "error", err)
		}

		models = append(models, Model{
			Name:             name,
			ContextLength:    ollamaContextLength,
			SupportsTools:    slices.Contains(caps, "tools"),
			SupportsThinking: slices.Contains(caps, "thinking"),
			SupportsVision:   slices.Contains(caps, "vision"),
			Parameters:       tag.Details.ParameterSize,
			Family:           tag.Details.Family,
		})
	}
	return models, nil
}

// show fetches the capability list for one installed model.
func (o *Ollama) show(ctx context.Context, name string) ([]string, error) {
	body, err := json.Marshal(map[string]string{"model": name})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var show ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return show.Capabilities, nil
}
