package memory

import (
	"path/filepath"
	"testing"

	"github.com/neomagi/neomagi/internal/workspace"
)

func TestWatcherMarkDirty(t *testing.T) {
	ws := workspace.New(t.TempDir())
	w := NewWatcher(NewIndexer(&fakeMemoryStore{}, ws), ws)

	tests := []struct {
		name string
		abs  string
		want bool
	}{
		{"daily note", filepath.Join(ws.MemoryDir(), "2026-08-25.md"), true},
		{"stray markdown in memory dir", filepath.Join(ws.MemoryDir(), "scratch.md"), true},
		{"non-markdown in memory dir", filepath.Join(ws.MemoryDir(), "note.swp"), false},
		{"curated memory file", ws.PathFor(workspace.MemoryFile), true},
		{"other root file", ws.PathFor(workspace.AgentsFile), false},
		{"unrelated path", filepath.Join(t.TempDir(), "2026-08-25.md"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.markDirty(tt.abs); got != tt.want {
				t.Errorf("markDirty(%q) = %v, want %v", tt.abs, got, tt.want)
			}
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirty["memory/2026-08-25.md"]; !ok {
		t.Error("daily note not recorded as dirty")
	}
	if _, ok := w.dirty[workspace.MemoryFile]; !ok {
		t.Error("curated file not recorded as dirty")
	}
	if len(w.dirty) != 3 {
		t.Errorf("dirty set = %v", w.dirty)
	}
}

func TestWatcherFlushDirty(t *testing.T) {
	ws := workspace.New(t.TempDir())
	fs := &fakeMemoryStore{}
	w := NewWatcher(NewIndexer(fs, ws), ws)

	writeNote(t, ws, "2026-08-25.md", "[09:00] (source: telegram, scope: main)\nfresh fact\n---\n")
	if err := ws.SaveFile(workspace.MemoryFile, "# Long-Term Memory\n\n## Preferences\n\nEspresso.\n"); err != nil {
		t.Fatal(err)
	}

	w.markDirty(filepath.Join(ws.MemoryDir(), "2026-08-25.md"))
	w.markDirty(ws.PathFor(workspace.MemoryFile))
	w.flushDirty()

	if got := len(fs.pathRows("memory/2026-08-25.md")); got != 1 {
		t.Errorf("note rows = %d, want 1", got)
	}
	if got := len(fs.pathRows(workspace.MemoryFile)); got != 1 {
		t.Errorf("curated rows = %d, want 1", got)
	}

	t.Run("dirty set drains", func(t *testing.T) {
		deletesBefore := len(fs.deletes)
		w.flushDirty()
		if len(fs.deletes) != deletesBefore {
			t.Error("second flush reindexed with nothing dirty")
		}
	})
}
