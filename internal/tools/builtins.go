package tools

import (
	"time"

	"github.com/neomagi/neomagi/internal/store"
)

// RegisterBuiltins registers the built-in tool set. The high-risk filesystem
// and shell tools are registered too: mode membership, not registration,
// decides whether a session can reach them.
func RegisterBuiltins(r *Registry, workspace string, shellTimeout time.Duration, memory store.MemoryStore) error {
	builtins := []Tool{
		NewCurrentTimeTool(),
		NewMemorySearchTool(memory),
		NewReadFileTool(workspace),
		NewWriteFileTool(workspace),
		NewListDirTool(workspace),
		NewShellTool(workspace, shellTimeout),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
