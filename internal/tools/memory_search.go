package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/neomagi/neomagi/internal/store"
)

const (
	memorySearchDefaultLimit = 5
	memorySearchMaxLimit     = 20
	memorySnippetRunes       = 400
)

// MemorySearchTool runs a ranked full-text search over the caller's memory
// scope. The scope key comes from ToolContext, so a session can never read
// another scope's entries.
type MemorySearchTool struct {
	memory store.MemoryStore
}

func NewMemorySearchTool(memory store.MemoryStore) *MemorySearchTool {
	return &MemorySearchTool{memory: memory}
}

func (t *MemorySearchTool) Name() string  { return "memory_search" }
func (t *MemorySearchTool) Group() string { return "memory" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for entries matching a query"
}

func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Free-text search query",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum entries to return (default %d, max %d)", memorySearchDefaultLimit, memorySearchMaxLimit),
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) AllowedModes() []Mode { return []Mode{ModeChatSafe, ModeAgent} }
func (t *MemorySearchTool) Risk() RiskLevel      { return RiskLow }

func (t *MemorySearchTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := memorySearchDefaultLimit
	if raw, ok := args["limit"].(float64); ok && int(raw) > 0 {
		limit = int(raw)
	}
	if limit > memorySearchMaxLimit {
		limit = memorySearchMaxLimit
	}

	results, err := t.memory.Search(ctx, tc.ScopeKey, query, limit)
	if err != nil {
		return ErrorResultf("memory search failed: %v", err).WithError(err)
	}
	if len(results) == 0 {
		return NewResult(fmt.Sprintf("No memory entries matched %q.", query))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memory entries for %q:\n", len(results), query)
	for i, res := range results {
		e := res.Entry
		b.WriteString("\n")
		fmt.Fprintf(&b, "%d. ", i+1)
		if e.Title != "" {
			fmt.Fprintf(&b, "%s\n   ", e.Title)
		}
		b.WriteString(snippet(e.Content, memorySnippetRunes))
		b.WriteString("\n")
		if e.SourceDate != "" || e.SourcePath != "" {
			fmt.Fprintf(&b, "   (source: %s", e.SourceType)
			if e.SourcePath != "" {
				fmt.Fprintf(&b, " %s", e.SourcePath)
			}
			if e.SourceDate != "" {
				fmt.Fprintf(&b, ", %s", e.SourceDate)
			}
			b.WriteString(")\n")
		}
	}
	return NewResult(strings.TrimRight(b.String(), "\n"))
}

// snippet truncates on a rune boundary so CJK content is never split
// mid-character.
func snippet(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
