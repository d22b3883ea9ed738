package mcp

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/neomagi/neomagi/internal/tools"
)

func sampleTool() mcpgo.Tool {
	return mcpgo.Tool{
		Name:        "search_issues",
		Description: "Search the issue tracker.",
		InputSchema: mcpgo.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
			},
			Required: []string{"query"},
		},
	}
}

func TestBridgeToolNaming(t *testing.T) {
	var connected atomic.Bool

	t.Run("default prefix is server name", func(t *testing.T) {
		bt := NewBridgeTool("tracker", sampleTool(), nil, "", nil, time.Minute, &connected)
		if bt.Name() != "tracker_search_issues" {
			t.Errorf("Name() = %q, want tracker_search_issues", bt.Name())
		}
		if bt.OriginalName() != "search_issues" {
			t.Errorf("OriginalName() = %q, want search_issues", bt.OriginalName())
		}
	})

	t.Run("explicit prefix wins", func(t *testing.T) {
		bt := NewBridgeTool("tracker", sampleTool(), nil, "gh_", nil, time.Minute, &connected)
		if bt.Name() != "gh_search_issues" {
			t.Errorf("Name() = %q, want gh_search_issues", bt.Name())
		}
	})
}

func TestBridgeToolSchema(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("tracker", sampleTool(), nil, "", nil, time.Minute, &connected)

	params := bt.Parameters()
	if params["type"] != "object" {
		t.Errorf("schema type = %v, want object", params["type"])
	}
	props, ok := params["properties"].(map[string]any)
	if !ok || props["query"] == nil {
		t.Errorf("schema should carry the query property, got %v", params["properties"])
	}
	req, ok := params["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "query" {
		t.Errorf("schema required = %v, want [query]", params["required"])
	}

	if bt.Group() != "mcp:tracker" {
		t.Errorf("Group() = %q, want mcp:tracker", bt.Group())
	}
	if bt.Risk() != tools.RiskHigh {
		t.Errorf("external tools must be high risk, got %q", bt.Risk())
	}
	if bt.Description() != "Search the issue tracker." {
		t.Errorf("Description() = %q", bt.Description())
	}
}

func TestBridgeToolModesAreFailClosed(t *testing.T) {
	var connected atomic.Bool

	bt := NewBridgeTool("tracker", sampleTool(), nil, "", nil, time.Minute, &connected)
	if got := bt.AllowedModes(); len(got) != 0 {
		t.Errorf("no configured modes should mean no modes, got %v", got)
	}

	granted := NewBridgeTool("tracker", sampleTool(), nil, "", []tools.Mode{tools.ModeAgent}, time.Minute, &connected)
	modes := granted.AllowedModes()
	if !reflect.DeepEqual(modes, []tools.Mode{tools.ModeAgent}) {
		t.Fatalf("AllowedModes() = %v, want [agent]", modes)
	}
	// Mutating the returned slice must not leak into the tool.
	modes[0] = tools.ModeChatSafe
	if granted.AllowedModes()[0] != tools.ModeAgent {
		t.Error("AllowedModes must return a copy")
	}
}

func TestBridgeToolExecuteDisconnected(t *testing.T) {
	var connected atomic.Bool // stays false

	bt := NewBridgeTool("tracker", sampleTool(), nil, "", nil, time.Minute, &connected)
	res := bt.Execute(context.Background(), tools.ToolContext{}, map[string]interface{}{"query": "q"})
	if !res.IsError {
		t.Fatal("disconnected server should yield an error result")
	}
	if res.ForLLM == "" {
		t.Error("error result should explain the disconnect")
	}
}

func TestContentText(t *testing.T) {
	parts := []mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first "},
		&mcpgo.TextContent{Type: "text", Text: "second"},
	}
	if got := contentText(parts); got != "first second" {
		t.Errorf("contentText = %q, want %q", got, "first second")
	}
	if got := contentText(nil); got != "" {
		t.Errorf("contentText(nil) = %q, want empty", got)
	}
}

func TestModesFromConfig(t *testing.T) {
	tests := []struct {
		name  string
		names []string
		want  []tools.Mode
	}{
		{
			name:  "both modes",
			names: []string{"chat_safe", "agent"},
			want:  []tools.Mode{tools.ModeChatSafe, tools.ModeAgent},
		},
		{
			name:  "unknown names dropped",
			names: []string{"agent", "sudo", "root"},
			want:  []tools.Mode{tools.ModeAgent},
		},
		{
			name:  "empty stays empty",
			names: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := modesFromConfig("srv", tt.names)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("modesFromConfig(%v) = %v, want %v", tt.names, got, tt.want)
			}
		})
	}
}
