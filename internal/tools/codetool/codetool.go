// Package codetool executes model-written Python code in a per-run scratch
// directory and publishes any images it saves as artifact links.
//
// Each run gets a fresh working directory under the artifacts root, named by
// a short random ID. Images the code writes there (*.png, *.jpg, *.svg) are
// appended to the output as an "[ARTIFACTS:...]" marker holding their public
// URLs; the chat layer strips the marker and streams the links to the client.
package codetool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

const (
	// RunTimeout bounds one code execution.
	RunTimeout = 60 * time.Second

	// DefaultArtifactsDir is the artifacts root when none is configured.
	DefaultArtifactsDir = "artifacts"

	// DefaultBaseURL prefixes artifact links when no public URL is configured.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultPython is the interpreter used when none is configured.
	DefaultPython = "python3"
)

// matplotlib must render off-screen for plt.savefig to work headless. The
// guard keeps plain code running on hosts without matplotlib installed.
const headlessPrelude = "try: import matplotlib; matplotlib.use('Agg')\nexcept ImportError: pass\n"

// artifactPatterns are the image globs collected from the working directory
// after a run.
var artifactPatterns = []string{"*.png", "*.jpg", "*.svg"}

// Config wires the code tool to its execution environment.
type Config struct {
	// ArtifactsDir is the root under which per-run working directories are
	// created. Defaults to [DefaultArtifactsDir].
	ArtifactsDir string

	// BaseURL is the public URL prefix for artifact links, without a
	// trailing slash. Defaults to [DefaultBaseURL].
	BaseURL string

	// Python is the interpreter binary. Defaults to [DefaultPython].
	Python string
}

func (c *Config) applyDefaults() {
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = DefaultArtifactsDir
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Python == "" {
		c.Python = DefaultPython
	}
}

// runCodeArgs is the JSON-decoded input for the "run_python_code" tool.
type runCodeArgs struct {
	// Code is the Python source to execute.
	Code string `json:"code"`
}

func makeRunCodeHandler(cfg Config) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a runCodeArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("code tool: run_python_code: failed to parse arguments: %w", err)
		}
		if a.Code == "" {
			return "", fmt.Errorf("code tool: run_python_code: code must not be empty")
		}

		artifactID := uuid.NewString()[:8]
		workDir := filepath.Join(cfg.ArtifactsDir, artifactID)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return "", fmt.Errorf("code tool: run_python_code: create work dir: %w", err)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, cfg.Python, "-c", headlessPrelude+a.Code)
		cmd.Dir = workDir
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		if ctx.Err() != nil {
			return "", fmt.Errorf("code tool: run_python_code: %w", ctx.Err())
		}

		output := stdout.String()
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				// Interpreter missing or unstartable, not a fault in the code.
				return "", fmt.Errorf("code tool: run_python_code: %w", runErr)
			}
			output = "Error: " + stderr.String()
		}

		if links := artifactLinks(cfg.BaseURL, workDir, artifactID); len(links) > 0 {
			output += "\n[ARTIFACTS:" + strings.Join(links, ",") + "]"
		}

		if output == "" {
			return "Code executed successfully (no output)", nil
		}
		return output, nil
	}
}

// artifactLinks lists the public URLs of images the run left in workDir.
func artifactLinks(baseURL, workDir, artifactID string) []string {
	var links []string
	for _, pattern := range artifactPatterns {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			links = append(links, fmt.Sprintf("%s/artifacts/%s/%s", baseURL, artifactID, filepath.Base(match)))
		}
	}
	return links
}

// NewTools constructs the code execution tool set. Zero Config fields take
// package defaults.
func NewTools(cfg Config) []tools.Tool {
	cfg.applyDefaults()

	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name: "run_python_code",
				Description: "Execute Python code and return the output. Use for calculations, data processing, plotting charts.\n" +
					"IMPORTANT FOR CHARTS: Save charts with plt.savefig('chart.png'). The chart will be AUTOMATICALLY displayed.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code": map[string]any{
							"type":        "string",
							"description": "Python code to execute.",
						},
					},
					"required": []string{"code"},
				},
			},
			Category: tools.CategoryCode,
			Handler:  makeRunCodeHandler(cfg),
			Timeout:  RunTimeout,
		},
	}
}
