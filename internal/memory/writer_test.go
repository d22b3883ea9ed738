package memory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/neomagi/neomagi/internal/workspace"
)

var writerClock = time.Date(2026, 8, 25, 14, 5, 0, 0, time.UTC)

func testWriter(t *testing.T, maxBytes int64) (*Writer, *fakeMemoryStore, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(t.TempDir())
	fs := &fakeMemoryStore{}
	w := NewWriter(ws, NewIndexer(fs, ws), maxBytes)
	w.now = func() time.Time { return writerClock }
	return w, fs, ws
}

func TestAppendComposesFencedEntry(t *testing.T) {
	w, fs, ws := testWriter(t, 4096)
	ctx := context.Background()

	if err := w.Append(ctx, "main", "telegram", "User prefers espresso."); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(ws.DailyNotePath(writerClock))
	if err != nil {
		t.Fatalf("read note: %v", err)
	}
	want := "[14:05] (source: telegram, scope: main)\nUser prefers espresso.\n---\n"
	if string(data) != want {
		t.Errorf("note = %q, want %q", data, want)
	}

	rows := fs.pathRows("memory/2026-08-25.md")
	if len(rows) != 1 {
		t.Fatalf("index rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.ScopeKey != "main" || row.SourceType != SourceTypeDailyNote {
		t.Errorf("row = %+v", row)
	}
	if row.Content != "User prefers espresso." {
		t.Errorf("row content = %q", row.Content)
	}
	if row.SourceDate != "2026-08-25" {
		t.Errorf("source date = %q", row.SourceDate)
	}

	t.Run("second append grows the same file", func(t *testing.T) {
		if err := w.Append(ctx, "telegram:peer:42", "telegram", "Peer prefers tea."); err != nil {
			t.Fatalf("append: %v", err)
		}
		data, _ := os.ReadFile(ws.DailyNotePath(writerClock))
		entries := ParseEntries(string(data))
		if len(entries) != 2 {
			t.Fatalf("entries = %d, want 2", len(entries))
		}
		if entries[0].Scope != "main" || entries[1].Scope != "telegram:peer:42" {
			t.Errorf("scopes = %q %q", entries[0].Scope, entries[1].Scope)
		}
		if got := len(fs.pathRows("memory/2026-08-25.md")); got != 2 {
			t.Errorf("index rows = %d, want 2", got)
		}
	})
}

func TestAppendRejectsOverBudget(t *testing.T) {
	w, _, ws := testWriter(t, 60)
	ctx := context.Background()

	err := w.Append(ctx, "main", "telegram", "this line is definitely longer than the remaining budget")
	if !IsMemoryWriteError(err) {
		t.Fatalf("err = %v, want MemoryWriteError", err)
	}
	var mwe *MemoryWriteError
	if errors.As(err, &mwe) {
		if mwe.Limit != 60 || mwe.Path != "memory/2026-08-25.md" {
			t.Errorf("error detail = %+v", mwe)
		}
	}
	if _, statErr := os.Stat(ws.DailyNotePath(writerClock)); !os.IsNotExist(statErr) {
		t.Error("over-budget append must not touch the file")
	}

	t.Run("full note stays intact", func(t *testing.T) {
		w, _, ws := testWriter(t, 100)
		if err := w.Append(ctx, "main", "telegram", "first entry fits fine"); err != nil {
			t.Fatalf("append: %v", err)
		}
		before, _ := os.ReadFile(ws.DailyNotePath(writerClock))

		err := w.Append(ctx, "main", "telegram", "second entry would push the file over its configured byte budget for the day")
		if !IsMemoryWriteError(err) {
			t.Fatalf("err = %v, want MemoryWriteError", err)
		}
		after, _ := os.ReadFile(ws.DailyNotePath(writerClock))
		if string(before) != string(after) {
			t.Error("failed append modified the file")
		}
	})
}

func TestAppendBlankTextIsNoop(t *testing.T) {
	w, fs, ws := testWriter(t, 4096)
	if err := w.Append(context.Background(), "main", "telegram", "   \n  "); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(ws.DailyNotePath(writerClock)); !os.IsNotExist(err) {
		t.Error("blank append created a file")
	}
	if len(fs.rows) != 0 {
		t.Errorf("index rows = %d, want 0", len(fs.rows))
	}
}

func TestAppendPadsSeparatorLines(t *testing.T) {
	w, _, ws := testWriter(t, 4096)
	ctx := context.Background()

	if err := w.Append(ctx, "telegram:peer:42", "telegram", "alpha\n---\nbeta"); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, _ := os.ReadFile(ws.DailyNotePath(writerClock))
	entries := ParseEntries(string(data))
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1: an embedded fence must not split the entry", len(entries))
	}
	if entries[0].Scope != "telegram:peer:42" {
		t.Errorf("scope = %q", entries[0].Scope)
	}
	text := entries[0].Text()
	if text != "alpha\n----\nbeta" {
		t.Errorf("text = %q", text)
	}
}

func TestAppendSurvivesIndexFailure(t *testing.T) {
	w, fs, ws := testWriter(t, 4096)
	fs.insertErr = errors.New("index down")

	if err := w.Append(context.Background(), "main", "telegram", "still lands on disk"); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(ws.DailyNotePath(writerClock))
	if err != nil {
		t.Fatalf("read note: %v", err)
	}
	entries := ParseEntries(string(data))
	if len(entries) != 1 || entries[0].Text() != "still lands on disk" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestProcessFlushCandidates(t *testing.T) {
	w, fs, ws := testWriter(t, 4096)
	ctx := context.Background()

	candidates := []FlushCandidate{
		{Text: "User prefers espresso over filter coffee", Confidence: 0.9, Tags: []string{TagUserPreference}},
		{Text: "too vague to keep", Confidence: 0.3, Tags: []string{TagFact}},
		{Text: "   ", Confidence: 0.8, Tags: []string{TagFact}},
		{Text: "Agreed to move standup to 10am", Confidence: 0.6, Tags: []string{TagFact}},
	}

	written, err := w.ProcessFlushCandidates(ctx, "main", candidates, 0.6)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if written != 2 {
		t.Fatalf("written = %d, want 2", written)
	}

	data, _ := os.ReadFile(ws.DailyNotePath(writerClock))
	entries := ParseEntries(string(data))
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Source != SourceCompactionFlush {
			t.Errorf("source = %q, want %q", e.Source, SourceCompactionFlush)
		}
		if e.Scope != "main" {
			t.Errorf("scope = %q", e.Scope)
		}
	}

	rows := fs.pathRows("memory/2026-08-25.md")
	if len(rows) != 2 {
		t.Fatalf("index rows = %d, want 2", len(rows))
	}
	if rows[0].SourceType != SourceTypeFlushCandidate {
		t.Errorf("row type = %q", rows[0].SourceType)
	}
	if rows[0].Confidence == nil || *rows[0].Confidence != 0.9 {
		t.Errorf("row confidence = %v", rows[0].Confidence)
	}
	if len(rows[0].Tags) != 1 || rows[0].Tags[0] != TagUserPreference {
		t.Errorf("row tags = %v", rows[0].Tags)
	}
}

func TestProcessFlushCandidatesStopsWhenFull(t *testing.T) {
	w, _, _ := testWriter(t, 60)
	candidates := []FlushCandidate{
		{Text: "this candidate alone is already larger than the whole note budget", Confidence: 0.9},
		{Text: "never reached", Confidence: 0.9},
	}
	written, err := w.ProcessFlushCandidates(context.Background(), "main", candidates, 0.6)
	if written != 0 {
		t.Errorf("written = %d, want 0", written)
	}
	if !IsMemoryWriteError(err) {
		t.Errorf("err = %v, want MemoryWriteError", err)
	}
}
