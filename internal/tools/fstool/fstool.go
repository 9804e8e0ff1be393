// Package fstool provides sandboxed filesystem tools for the model.
//
// All paths are resolved relative to a configured base directory; path
// traversal attempts (e.g. "../") are rejected with an error.
//
// Three tools are exported via [NewTools]:
//   - "read_file"      — read a file and return its text content.
//   - "write_file"     — write text content to a file (creates directories as needed).
//   - "list_directory" — list the entries of a directory, one per line.
//
// All handlers are safe for concurrent use.
package fstool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/miskibin/rtx-chat/internal/tools"
	"github.com/miskibin/rtx-chat/pkg/provider/llm"
)

const (
	// maxReadBytes is the maximum file size that read_file will return.
	// Files larger than this limit are rejected with an error.
	maxReadBytes = 1 << 20 // 1 MiB
)

// readFileArgs is the JSON-decoded input for the "read_file" tool.
type readFileArgs struct {
	// Path is the file path relative to the sandbox base directory.
	Path string `json:"path"`
}

// writeFileArgs is the JSON-decoded input for the "write_file" tool.
type writeFileArgs struct {
	// Path is the file path relative to the sandbox base directory.
	Path string `json:"path"`

	// Content is the text content to write.
	Content string `json:"content"`
}

// listDirectoryArgs is the JSON-decoded input for the "list_directory" tool.
type listDirectoryArgs struct {
	// Path is the directory path relative to the sandbox base directory.
	// Empty lists the sandbox root.
	Path string `json:"path,omitempty"`
}

// safePath resolves relPath against baseDir and verifies that the resolved
// absolute path remains inside baseDir (preventing path traversal attacks).
//
// Returns the resolved absolute path on success, or an error if the path
// escapes the sandbox or is otherwise invalid.
func safePath(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("fstool: path must not be empty")
	}

	// filepath.Join cleans the path, resolving ".." components.
	joined := filepath.Join(baseDir, relPath)
	// Ensure the cleaned path is still within baseDir.
	cleanBase := filepath.Clean(baseDir)
	if !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) && joined != cleanBase {
		return "", fmt.Errorf("fstool: path %q escapes the sandbox directory", relPath)
	}
	return joined, nil
}

// makeReadFileHandler returns a handler for the "read_file" tool bound to the
// given base directory.
func makeReadFileHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a readFileArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("fstool: read_file: failed to parse arguments: %w", err)
		}

		absPath, err := safePath(baseDir, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fstool: read_file: %w", ctx.Err())
		default:
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return "", fmt.Errorf("fstool: read_file: %w", err)
		}
		if info.Size() > maxReadBytes {
			return "", fmt.Errorf("fstool: read_file: file %q is too large (%d bytes, max %d)",
				a.Path, info.Size(), maxReadBytes)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return "", fmt.Errorf("fstool: read_file: failed to read file: %w", err)
		}
		return string(data), nil
	}
}

// makeWriteFileHandler returns a handler for the "write_file" tool bound to
// the given base directory.
func makeWriteFileHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a writeFileArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("fstool: write_file: failed to parse arguments: %w", err)
		}

		absPath, err := safePath(baseDir, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fstool: write_file: %w", ctx.Err())
		default:
		}

		// Create parent directories as needed.
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return "", fmt.Errorf("fstool: write_file: failed to create directories: %w", err)
		}

		if err := os.WriteFile(absPath, []byte(a.Content), 0o644); err != nil {
			return "", fmt.Errorf("fstool: write_file: failed to write file: %w", err)
		}
		return fmt.Sprintf("File written: %s", a.Path), nil
	}
}

// makeListDirectoryHandler returns a handler for the "list_directory" tool
// bound to the given base directory.
func makeListDirectoryHandler(baseDir string) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a listDirectoryArgs
		if args != "" && args != "{}" {
			if err := json.Unmarshal([]byte(args), &a); err != nil {
				return "", fmt.Errorf("fstool: list_directory: failed to parse arguments: %w", err)
			}
		}
		if a.Path == "" {
			a.Path = "."
		}

		absPath, err := safePath(baseDir, a.Path)
		if err != nil {
			return "", err
		}

		// Check for context cancellation before doing I/O.
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("fstool: list_directory: %w", ctx.Err())
		default:
		}

		entries, err := os.ReadDir(absPath)
		if err != nil {
			return "", fmt.Errorf("fstool: list_directory: %w", err)
		}

		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		return strings.Join(names, "\n"), nil
	}
}

// NewTools constructs the filesystem tool set sandboxed to baseDir.
//
// baseDir must be an absolute path to an existing directory. All file
// operations are restricted to this directory tree. Path traversal attempts
// are rejected with a descriptive error.
func NewTools(baseDir string) []tools.Tool {
	pathProp := map[string]any{
		"type":        "string",
		"description": "Relative file path within the workspace (e.g. notes/todo.md). Must not contain '..' path components.",
	}

	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "read_file",
				Description: "Read contents of a file from disk.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": pathProp,
					},
					"required": []string{"path"},
				},
			},
			Category: tools.CategoryFilesystem,
			Handler:  makeReadFileHandler(baseDir),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "write_file",
				Description: "Write content to a file on disk.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": pathProp,
						"content": map[string]any{
							"type":        "string",
							"description": "Text content to write to the file.",
						},
					},
					"required": []string{"path", "content"},
				},
			},
			Category: tools.CategoryFilesystem,
			Handler:  makeWriteFileHandler(baseDir),
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "list_directory",
				Description: "List files and folders in a directory.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Relative directory path within the workspace. Defaults to the workspace root.",
						},
					},
				},
			},
			Category: tools.CategoryFilesystem,
			Handler:  makeListDirectoryHandler(baseDir),
		},
	}
}
