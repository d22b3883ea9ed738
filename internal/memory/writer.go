package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/neomagi/neomagi/internal/workspace"
)

// MemoryWriteError reports that an append would push a daily note past
// its byte budget. It is a stop signal, not a transient failure: the
// note stays full until a new day starts or the file is curated down.
type MemoryWriteError struct {
	Path      string
	WouldGrow int64
	Limit     int64
}

func (e *MemoryWriteError) Error() string {
	return fmt.Sprintf("daily note %s full: append would grow it to %d bytes, limit %d", e.Path, e.WouldGrow, e.Limit)
}

// IsMemoryWriteError reports whether err is a byte-budget rejection.
func IsMemoryWriteError(err error) bool {
	var mwe *MemoryWriteError
	return errors.As(err, &mwe)
}

// Writer appends fenced entries to daily notes and keeps the search
// index in step. The budget check runs before anything touches the
// file, so a full note is never partially written.
type Writer struct {
	ws       *workspace.Workspace
	indexer  *Indexer
	maxBytes int64
	now      func() time.Time
}

// NewWriter builds a Writer. indexer may be nil, in which case appends
// land on disk only.
func NewWriter(ws *workspace.Workspace, indexer *Indexer, maxBytes int64) *Writer {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &Writer{ws: ws, indexer: indexer, maxBytes: maxBytes, now: time.Now}
}

// Append writes one entry to today's daily note under scopeKey. source
// names where the entry came from (a channel, the curator, a flush).
func (w *Writer) Append(ctx context.Context, scopeKey, source, text string) error {
	return w.append(ctx, scopeKey, source, text, nil, nil)
}

func (w *Writer) append(ctx context.Context, scopeKey, source, text string, confidence *float64, tags []string) error {
	now := w.now().UTC()
	text = sanitizeEntryText(strings.TrimSpace(text))
	if text == "" {
		return nil
	}

	block := fmt.Sprintf("[%s] (source: %s, scope: %s)\n%s\n---\n",
		now.Format("15:04"), source, scopeKey, text)

	relPath := NoteRelPath(now)
	absPath := w.ws.DailyNotePath(now)

	var size int64
	if fi, err := os.Stat(absPath); err == nil {
		size = fi.Size()
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("append daily note: %w", err)
	}
	if grown := size + int64(len(block)); grown > w.maxBytes {
		return &MemoryWriteError{Path: relPath, WouldGrow: grown, Limit: w.maxBytes}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("append daily note: %w", err)
	}
	f, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append daily note: %w", err)
	}
	_, werr := f.WriteString(block)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("append daily note %s: %w", relPath, werr)
	}

	if w.indexer != nil {
		entry := NoteEntry{Time: now.Format("15:04"), Source: source, Scope: scopeKey, Body: strings.TrimSuffix(block, "\n---\n")}
		if err := w.indexer.indexAppended(ctx, relPath, entry, confidence, tags); err != nil {
			slog.Warn("memory entry written but not indexed",
				"path", relPath, "scope", scopeKey, "error", err)
		}
	}
	return nil
}

// ProcessFlushCandidates writes compaction flush candidates into today's
// daily note under the caller's scope. Candidates below minConfidence or
// with empty text are skipped. A full note stops the batch early; the
// returned count says how many entries actually landed.
func (w *Writer) ProcessFlushCandidates(ctx context.Context, scopeKey string, candidates []FlushCandidate, minConfidence float64) (int, error) {
	written := 0
	for _, c := range candidates {
		if c.Confidence < minConfidence || strings.TrimSpace(c.Text) == "" {
			continue
		}
		conf := c.Confidence
		if err := w.append(ctx, scopeKey, SourceCompactionFlush, c.Text, &conf, c.Tags); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// sanitizeEntryText pads any line that would read as an entry separator.
// A bare --- inside the text would split the entry on reparse and leak
// its tail into the main scope.
func sanitizeEntryText(text string) string {
	if !strings.Contains(text, "---") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "---" {
			lines[i] = line + "-"
		}
	}
	return strings.Join(lines, "\n")
}
