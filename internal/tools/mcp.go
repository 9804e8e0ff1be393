package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

// Supported MCP server transports.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// ServerConfig describes an external MCP server whose tools are imported
// into the registry.
type ServerConfig struct {
	// Name identifies the server in logs and config.
	Name string `yaml:"name" json:"name"`

	// Transport selects how to reach the server: "stdio" or
	// "streamable-http".
	Transport string `yaml:"transport" json:"transport"`

	// Command is the full command line for stdio servers,
	// e.g. "npx -y @modelcontextprotocol/server-filesystem /tmp".
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// URL is the endpoint address for streamable-http servers.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Env holds additional environment variables for stdio servers, merged
	// over the parent process environment.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Validate checks that the config names a server and carries the fields its
// transport requires.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}
	switch c.Transport {
	case TransportStdio:
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", c.Name)
		}
	case TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", c.Name)
		}
	default:
		return fmt.Errorf("tools: unknown transport %q for server %q", c.Transport, c.Name)
	}
	return nil
}

// MCPClient is a live connection to an external MCP server. Close it on
// shutdown to terminate the session (and, for stdio servers, the child
// process).
type MCPClient struct {
	name    string
	session *mcpsdk.ClientSession
}

// Name returns the configured server name.
func (c *MCPClient) Name() string { return c.name }

// Close terminates the server session.
func (c *MCPClient) Close() error {
	return c.session.Close()
}

// ImportMCPServer connects to the MCP server described by cfg, lists its
// tools, and registers each one with reg under [CategoryOther]. Tool calls
// are routed through the returned client's session, so the client must stay
// open for as long as the tools are in use.
func ImportMCPServer(ctx context.Context, reg *Registry, cfg ServerConfig) (*MCPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "rtx-chat", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("tools: failed to connect to mcp server %q: %w", cfg.Name, err)
	}

	var imported []Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("tools: failed to list tools for mcp server %q: %w", cfg.Name, err)
		}
		imported = append(imported, Tool{
			Definition: toolDefinition(tool),
			Category:   CategoryOther,
			Handler:    makeMCPHandler(session, tool.Name),
		})
	}

	if err := reg.Register(imported...); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("tools: mcp server %q: %w", cfg.Name, err)
	}

	slog.Info("mcp server imported",
		"server", cfg.Name,
		"transport", cfg.Transport,
		"tools", len(imported),
	)
	return &MCPClient{name: cfg.Name, session: session}, nil
}

// toolDefinition converts an SDK tool listing into an LLM-facing schema.
func toolDefinition(t *mcpsdk.Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// makeMCPHandler returns a handler that routes a tool call through the
// server session. An application-level error result (IsError) is surfaced as
// a Go error carrying the server's message.
func makeMCPHandler(session *mcpsdk.ClientSession, name string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var argsMap map[string]any
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
				return "", fmt.Errorf("tools: invalid args JSON for mcp tool %q: %w", name, err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("tools: call to mcp tool %q failed: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}

		if result.IsError {
			msg := sb.String()
			if msg == "" {
				msg = "tool reported an error"
			}
			return "", fmt.Errorf("%s", msg)
		}
		return sb.String(), nil
	}
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, falling back to a bare object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
