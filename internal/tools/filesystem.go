package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 << 10

// ReadFileTool reads a file from inside the workspace.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Group() string       { return "fs" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file in the workspace" }

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace root",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) AllowedModes() []Mode { return []Mode{ModeAgent} }
func (t *ReadFileTool) Risk() RiskLevel      { return RiskHigh }

func (t *ReadFileTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	resolved, err := resolveWorkspacePath(path, t.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResultf("failed to read file: %v", err)
	}
	if info.Size() > maxReadBytes {
		return ErrorResultf("file too large: %d bytes (limit %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResultf("failed to read file: %v", err)
	}
	return NewResult(string(data))
}

// WriteFileTool writes a file inside the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Group() string       { return "fs" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace root",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full content to write; replaces the existing file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) AllowedModes() []Mode { return []Mode{ModeAgent} }
func (t *WriteFileTool) Risk() RiskLevel      { return RiskHigh }

func (t *WriteFileTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}
	resolved, err := resolveWorkspacePath(path, t.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResultf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResultf("failed to write file: %v", err)
	}
	return NewResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// ListDirTool lists a directory inside the workspace.
type ListDirTool struct {
	workspace string
}

func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{workspace: workspace}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Group() string       { return "fs" }
func (t *ListDirTool) Description() string { return "List the entries of a workspace directory" }

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory path relative to the workspace root. Defaults to the root.",
			},
		},
	}
}

func (t *ListDirTool) AllowedModes() []Mode { return []Mode{ModeAgent} }
func (t *ListDirTool) Risk() RiskLevel      { return RiskHigh }

func (t *ListDirTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolveWorkspacePath(path, t.workspace)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResultf("failed to list directory: %v", err)
	}
	if len(entries) == 0 {
		return NewResult("(empty directory)")
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		if info, err := e.Info(); err == nil {
			fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// resolveWorkspacePath resolves a path against the workspace root and rejects
// anything that escapes it. Symlinks are resolved to canonical form first so
// a link pointing outside the workspace cannot smuggle reads or writes past
// the boundary; for paths that do not exist yet the deepest existing ancestor
// is canonicalized instead.
func resolveWorkspacePath(path, workspace string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		// Workspace not created yet. Compare against the declared path.
		wsReal = absWorkspace
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := canonicalize(absResolved)
	if err != nil {
		slog.Warn("workspace path resolution failed", "path", path, "error", err)
		return "", fmt.Errorf("access denied: cannot resolve path")
	}

	if !isInsideDir(real, wsReal) {
		slog.Warn("workspace path escape rejected", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	return real, nil
}

// canonicalize resolves symlinks in a path. For targets that do not exist yet
// it canonicalizes the deepest existing ancestor and reattaches the missing
// components, so a symlinked ancestor cannot slip past the boundary check.
func canonicalize(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	current := path
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent

		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			for _, component := range tail {
				real = filepath.Join(real, component)
			}
			return real, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// isInsideDir reports whether child is parent itself or nested under it.
func isInsideDir(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}
