package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neomagi/neomagi/internal/store"
)

// fakeMemoryStore records the search it received and returns canned results.
type fakeMemoryStore struct {
	gotScope string
	gotQuery string
	gotLimit int
	results  []store.MemorySearchResult
	err      error
}

func (f *fakeMemoryStore) InsertEntries(ctx context.Context, entries []store.MemoryEntry) error {
	return nil
}

func (f *fakeMemoryStore) DeleteBySourcePath(ctx context.Context, sourcePath string) (int64, error) {
	return 0, nil
}

func (f *fakeMemoryStore) Search(ctx context.Context, scopeKey, query string, limit int) ([]store.MemorySearchResult, error) {
	f.gotScope = scopeKey
	f.gotQuery = query
	f.gotLimit = limit
	return f.results, f.err
}

func TestMemorySearchUsesContextScope(t *testing.T) {
	fake := &fakeMemoryStore{
		results: []store.MemorySearchResult{
			{Entry: store.MemoryEntry{Title: "Coffee preference", Content: "User prefers oat milk", SourceType: "daily_note", SourcePath: "memory/2026-08-20.md", SourceDate: "2026-08-20"}, Rank: 0.9},
		},
	}
	tool := NewMemorySearchTool(fake)

	res := tool.Execute(context.Background(), ToolContext{ScopeKey: "telegram:peer:42", SessionID: "s1"}, map[string]interface{}{
		"query": "coffee",
	})
	if res.IsError {
		t.Fatalf("search failed: %s", res.ForLLM)
	}
	if fake.gotScope != "telegram:peer:42" {
		t.Errorf("search scope = %q, want telegram:peer:42", fake.gotScope)
	}
	if fake.gotLimit != memorySearchDefaultLimit {
		t.Errorf("default limit = %d, want %d", fake.gotLimit, memorySearchDefaultLimit)
	}
	if !strings.Contains(res.ForLLM, "Coffee preference") || !strings.Contains(res.ForLLM, "oat milk") {
		t.Errorf("result output = %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "memory/2026-08-20.md") {
		t.Errorf("result output %q missing source path", res.ForLLM)
	}
}

func TestMemorySearchLimits(t *testing.T) {
	fake := &fakeMemoryStore{}
	tool := NewMemorySearchTool(fake)

	tests := []struct {
		name      string
		limit     interface{}
		wantLimit int
	}{
		{"explicit limit", float64(3), 3},
		{"clamped to max", float64(100), memorySearchMaxLimit},
		{"zero falls back to default", float64(0), memorySearchDefaultLimit},
		{"non-numeric falls back to default", "five", memorySearchDefaultLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]interface{}{"query": "q", "limit": tt.limit}
			tool.Execute(context.Background(), ToolContext{ScopeKey: "main"}, args)
			if fake.gotLimit != tt.wantLimit {
				t.Errorf("limit passed to store = %d, want %d", fake.gotLimit, tt.wantLimit)
			}
		})
	}
}

func TestMemorySearchEmptyAndError(t *testing.T) {
	t.Run("no matches", func(t *testing.T) {
		tool := NewMemorySearchTool(&fakeMemoryStore{})
		res := tool.Execute(context.Background(), ToolContext{ScopeKey: "main"}, map[string]interface{}{"query": "nothing"})
		if res.IsError {
			t.Fatalf("empty result set treated as error: %s", res.ForLLM)
		}
		if !strings.Contains(res.ForLLM, "No memory entries matched") {
			t.Errorf("output = %q", res.ForLLM)
		}
	})

	t.Run("store error", func(t *testing.T) {
		tool := NewMemorySearchTool(&fakeMemoryStore{err: errors.New("connection refused")})
		res := tool.Execute(context.Background(), ToolContext{ScopeKey: "main"}, map[string]interface{}{"query": "q"})
		if !res.IsError {
			t.Fatal("store error not surfaced")
		}
		if res.Err == nil {
			t.Error("underlying error dropped")
		}
	})

	t.Run("blank query", func(t *testing.T) {
		tool := NewMemorySearchTool(&fakeMemoryStore{})
		res := tool.Execute(context.Background(), ToolContext{ScopeKey: "main"}, map[string]interface{}{"query": "   "})
		if !res.IsError {
			t.Fatal("blank query accepted")
		}
	})
}

func TestSnippetRuneSafe(t *testing.T) {
	long := strings.Repeat("记", memorySnippetRunes+10)
	got := snippet(long, memorySnippetRunes)
	if !strings.HasSuffix(got, "…") {
		t.Error("truncated snippet missing ellipsis")
	}
	for _, r := range got {
		if r != '记' && r != '…' {
			t.Fatalf("snippet split a rune: found %q", r)
		}
	}
}
