package memory

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/internal/workspace"
)

// Source tags written into entry metadata lines.
const (
	SourceCompactionFlush = "compaction_flush"
	SourceCurator         = "curator"
)

// Index row source types. Daily-note rows are re-derivable from the
// file; curated rows come from MEMORY.md sections.
const (
	SourceTypeDailyNote      = "daily_note"
	SourceTypeCurated        = "curated"
	SourceTypeFlushCandidate = "flush_candidate"
)

// Indexer maintains the scoped full-text index over workspace memory
// files. The files stay the source of truth: every row the indexer
// writes can be rebuilt from disk.
type Indexer struct {
	memory store.MemoryStore
	ws     *workspace.Workspace
}

func NewIndexer(memory store.MemoryStore, ws *workspace.Workspace) *Indexer {
	return &Indexer{memory: memory, ws: ws}
}

// NoteRelPath returns the workspace-relative key under which a daily
// note is indexed, always slash-separated.
func NoteRelPath(date time.Time) string {
	return path.Join(workspace.MemoryDirName, date.Format("2006-01-02")+".md")
}

// noteDate extracts the YYYY-MM-DD stamp from a daily-note path, ok=false
// for files that are not date-named.
func noteDate(relPath string) (string, bool) {
	name := strings.TrimSuffix(path.Base(relPath), ".md")
	if _, err := time.Parse("2006-01-02", name); err != nil {
		return "", false
	}
	return name, true
}

// ReindexFile rebuilds every index row derived from one daily note:
// delete by source path, then reinsert what the file currently holds.
// A deleted file simply ends up with zero rows. Files in the memory
// directory that are not date-named are ignored.
func (ix *Indexer) ReindexFile(ctx context.Context, relPath string) (int, error) {
	date, ok := noteDate(relPath)
	if !ok {
		return 0, nil
	}

	absPath := filepath.Join(ix.ws.Root(), filepath.FromSlash(relPath))
	data, err := os.ReadFile(absPath)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("reindex %s: %w", relPath, err)
	}

	if _, err := ix.memory.DeleteBySourcePath(ctx, relPath); err != nil {
		return 0, fmt.Errorf("reindex %s: %w", relPath, err)
	}

	rows := rowsForNote(relPath, date, ParseEntries(string(data)))
	if len(rows) == 0 {
		return 0, nil
	}
	if err := ix.memory.InsertEntries(ctx, rows); err != nil {
		return 0, fmt.Errorf("reindex %s: %w", relPath, err)
	}
	return len(rows), nil
}

// ReindexAll walks the memory directory and reindexes every daily note.
// Used on startup and by the doctor command to heal gaps left by
// best-effort appends.
func (ix *Indexer) ReindexAll(ctx context.Context) (files, rows int, err error) {
	dirEntries, err := os.ReadDir(ix.ws.MemoryDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("reindex memory dir: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
			continue
		}
		relPath := path.Join(workspace.MemoryDirName, de.Name())
		n, err := ix.ReindexFile(ctx, relPath)
		if err != nil {
			return files, rows, err
		}
		if n > 0 {
			files++
			rows += n
		}
	}
	return files, rows, nil
}

// ReindexCurated rebuilds the rows derived from MEMORY.md. Sections
// under H2 headings become titled entries; prose outside any section
// becomes one untitled entry. Curated memory always belongs to the
// main scope.
func (ix *Indexer) ReindexCurated(ctx context.Context) (int, error) {
	content, err := ix.ws.LoadFile(workspace.MemoryFile)
	if err != nil {
		return 0, fmt.Errorf("reindex curated memory: %w", err)
	}
	if _, err := ix.memory.DeleteBySourcePath(ctx, workspace.MemoryFile); err != nil {
		return 0, fmt.Errorf("reindex curated memory: %w", err)
	}
	sections := parseCuratedSections(content)
	if len(sections) == 0 {
		return 0, nil
	}
	rows := make([]store.MemoryEntry, 0, len(sections))
	for _, s := range sections {
		rows = append(rows, store.MemoryEntry{
			ScopeKey:   ScopeMain,
			SourceType: SourceTypeCurated,
			SourcePath: workspace.MemoryFile,
			Title:      s.Title,
			Content:    s.Content,
		})
	}
	if err := ix.memory.InsertEntries(ctx, rows); err != nil {
		return 0, fmt.Errorf("reindex curated memory: %w", err)
	}
	return len(rows), nil
}

type curatedSection struct {
	Title   string
	Content string
}

// parseCuratedSections splits MEMORY.md on H2 headings. The H1 banner
// line is dropped; anything above the first H2 indexes untitled.
func parseCuratedSections(content string) []curatedSection {
	var sections []curatedSection
	var title string
	var body []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			sections = append(sections, curatedSection{Title: title, Content: text})
		}
		body = body[:0]
	}
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			title = strings.TrimSpace(strings.TrimPrefix(line, "## "))
		case strings.HasPrefix(line, "# "):
		default:
			body = append(body, line)
		}
	}
	flush()
	return sections
}

// indexAppended inserts the row for one just-appended entry. Rows for
// earlier entries are left alone; appends only ever grow the file tail.
func (ix *Indexer) indexAppended(ctx context.Context, relPath string, entry NoteEntry, confidence *float64, tags []string) error {
	date, ok := noteDate(relPath)
	if !ok {
		return fmt.Errorf("index %s: not a daily note", relPath)
	}
	row := rowForEntry(relPath, date, entry)
	row.Confidence = confidence
	row.Tags = tags
	return ix.memory.InsertEntries(ctx, []store.MemoryEntry{row})
}

func rowsForNote(relPath, date string, entries []NoteEntry) []store.MemoryEntry {
	rows := make([]store.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.Text()) == "" {
			continue
		}
		rows = append(rows, rowForEntry(relPath, date, e))
	}
	return rows
}

func rowForEntry(relPath, date string, e NoteEntry) store.MemoryEntry {
	sourceType := SourceTypeDailyNote
	if e.Source == SourceCompactionFlush {
		sourceType = SourceTypeFlushCandidate
	}
	return store.MemoryEntry{
		ScopeKey:   e.Scope,
		SourceType: sourceType,
		SourcePath: relPath,
		SourceDate: date,
		Content:    e.Text(),
	}
}
