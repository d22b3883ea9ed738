package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/neomagi/neomagi/internal/workspace"
)

const defaultWatchDebounce = 1500 * time.Millisecond

// Watcher reindexes memory files when they change on disk, so edits
// made outside the runtime (a human in an editor, a sync client) reach
// recall without a restart. Events are debounced per batch; only the
// files that actually changed get reindexed.
type Watcher struct {
	indexer  *Indexer
	ws       *workspace.Workspace
	debounce time.Duration

	fw      *fsnotify.Watcher
	closeCh chan struct{}
	closed  sync.Once

	mu    sync.Mutex
	dirty map[string]struct{}
}

func NewWatcher(indexer *Indexer, ws *workspace.Workspace) *Watcher {
	return &Watcher{
		indexer:  indexer,
		ws:       ws,
		debounce: defaultWatchDebounce,
		closeCh:  make(chan struct{}),
		dirty:    make(map[string]struct{}),
	}
}

// Start runs a full reindex, then begins watching the memory directory
// and MEMORY.md. The initial pass heals index gaps left by best-effort
// appends while the process was down.
func (w *Watcher) Start(ctx context.Context) error {
	if files, rows, err := w.indexer.ReindexAll(ctx); err != nil {
		slog.Warn("initial memory reindex failed", "error", err)
	} else if rows > 0 {
		slog.Info("memory index rebuilt", "files", files, "rows", rows)
	}
	if _, err := w.indexer.ReindexCurated(ctx); err != nil {
		slog.Warn("curated memory reindex failed", "error", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start memory watcher: %w", err)
	}
	if err := os.MkdirAll(w.ws.MemoryDir(), 0o755); err != nil {
		fw.Close()
		return fmt.Errorf("start memory watcher: %w", err)
	}
	if err := fw.Add(w.ws.MemoryDir()); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.ws.MemoryDir(), err)
	}
	// MEMORY.md lives at the workspace root; watch the directory and
	// filter events down to the one file.
	if err := fw.Add(w.ws.Root()); err != nil {
		slog.Warn("curated memory file not watched", "error", err)
	}
	w.fw = fw

	go w.loop()
	slog.Info("memory watcher started", "dir", w.ws.MemoryDir())
	return nil
}

func (w *Watcher) loop() {
	timer := time.NewTimer(0)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 && w.markDirty(event.Name) {
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			w.flushDirty()
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.closeCh:
			return
		}
	}
}

// markDirty records a changed file, reporting whether it is one the
// index cares about.
func (w *Watcher) markDirty(absName string) bool {
	base := filepath.Base(absName)
	var relPath string
	switch {
	case filepath.Dir(absName) == w.ws.MemoryDir() && strings.HasSuffix(base, ".md"):
		relPath = path.Join(workspace.MemoryDirName, base)
	case absName == w.ws.PathFor(workspace.MemoryFile):
		relPath = workspace.MemoryFile
	default:
		return false
	}
	w.mu.Lock()
	w.dirty[relPath] = struct{}{}
	w.mu.Unlock()
	return true
}

func (w *Watcher) flushDirty() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.dirty))
	for p := range w.dirty {
		paths = append(paths, p)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	ctx := context.Background()
	for _, relPath := range paths {
		var (
			rows int
			err  error
		)
		if relPath == workspace.MemoryFile {
			rows, err = w.indexer.ReindexCurated(ctx)
		} else {
			rows, err = w.indexer.ReindexFile(ctx, relPath)
		}
		if err != nil {
			slog.Warn("memory reindex failed", "path", relPath, "error", err)
			continue
		}
		slog.Debug("memory file reindexed", "path", relPath, "rows", rows)
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() {
	w.closed.Do(func() {
		close(w.closeCh)
		if w.fw != nil {
			w.fw.Close()
		}
	})
}
