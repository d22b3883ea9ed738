// Package workspace manages the on-disk home of the agent: anchor files the
// user edits, the memory directory of daily notes, and the media directory
// channels download into.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Anchor and context file names at the workspace root.
const (
	AgentsFile   = "AGENTS.md"
	UserFile     = "USER.md"
	SoulFile     = "SOUL.md"
	IdentityFile = "IDENTITY.md"
	ToolsFile    = "TOOLS.md"
	MemoryFile   = "MEMORY.md"

	MemoryDirName = "memory"
	MediaDirName  = "media"
)

// AnchorFiles are the files the guardrail derives its contract from.
var AnchorFiles = []string{AgentsFile, UserFile, SoulFile}

// ContextFiles are the root files the prompt builder includes, in order.
// MEMORY.md is last and only included for the main scope.
var ContextFiles = []string{AgentsFile, UserFile, SoulFile, IdentityFile, MemoryFile}

// Workspace is a handle on one workspace root. The zero value is unusable;
// construct with New.
type Workspace struct {
	root string
}

func New(root string) *Workspace {
	return &Workspace{root: filepath.Clean(root)}
}

func (w *Workspace) Root() string { return w.root }

// PathFor returns the absolute path of a root-level workspace file.
func (w *Workspace) PathFor(name string) string {
	return filepath.Join(w.root, name)
}

func (w *Workspace) MemoryDir() string { return filepath.Join(w.root, MemoryDirName) }
func (w *Workspace) MediaDir() string  { return filepath.Join(w.root, MediaDirName) }

// DailyNotePath returns the memory file for a date, named YYYY-MM-DD.md.
func (w *Workspace) DailyNotePath(date time.Time) string {
	return filepath.Join(w.MemoryDir(), date.Format("2006-01-02")+".md")
}

// LoadFile reads a root-level workspace file. A missing file is not an
// error: prompt layers and guard contracts treat absent files as empty.
func (w *Workspace) LoadFile(name string) (string, error) {
	data, err := os.ReadFile(w.PathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read workspace file %s: %w", name, err)
	}
	return string(data), nil
}

// SaveFile writes a root-level workspace file.
func (w *Workspace) SaveFile(name, content string) error {
	if err := os.WriteFile(w.PathFor(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write workspace file %s: %w", name, err)
	}
	return nil
}

// LoadDailyNote reads the daily note for a date, empty when absent.
func (w *Workspace) LoadDailyNote(date time.Time) (string, error) {
	data, err := os.ReadFile(w.DailyNotePath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read daily note %s: %w", date.Format("2006-01-02"), err)
	}
	return string(data), nil
}
