package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/neomagi/neomagi/internal/tools"
)

// BridgeTool wraps one discovered MCP tool as a registry tool. Mode
// membership comes from the server's config, never from the server
// itself, and external tools are always high risk: missing contract
// anchors block them.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	name      string
	modes     []tools.Mode
	timeout   time.Duration
	connected *atomic.Bool
}

// NewBridgeTool builds the bridge for one discovered tool. An empty
// prefix defaults to "{server}_" so tool names stay unique across
// servers.
func NewBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, prefix string, modes []tools.Mode, timeout time.Duration, connected *atomic.Bool) *BridgeTool {
	if prefix == "" {
		prefix = server + "_"
	}
	return &BridgeTool{
		server:    server,
		tool:      t,
		client:    client,
		name:      prefix + t.Name,
		modes:     modes,
		timeout:   timeout,
		connected: connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName returns the tool name as the server declared it.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

// Server returns the owning MCP server name.
func (t *BridgeTool) Server() string { return t.server }

func (t *BridgeTool) Description() string { return t.tool.Description }

func (t *BridgeTool) Parameters() map[string]interface{} {
	schema := map[string]interface{}{"type": "object"}
	if t.tool.InputSchema.Type != "" {
		schema["type"] = t.tool.InputSchema.Type
	}
	if len(t.tool.InputSchema.Properties) > 0 {
		schema["properties"] = t.tool.InputSchema.Properties
	}
	if len(t.tool.InputSchema.Required) > 0 {
		schema["required"] = t.tool.InputSchema.Required
	}
	return schema
}

func (t *BridgeTool) Group() string { return "mcp:" + t.server }

func (t *BridgeTool) AllowedModes() []tools.Mode {
	modes := make([]tools.Mode, len(t.modes))
	copy(modes, t.modes)
	return modes
}

func (t *BridgeTool) Risk() tools.RiskLevel { return tools.RiskHigh }

// Execute forwards the call to the MCP server with the configured
// timeout. Text content parts are concatenated into the result.
func (t *BridgeTool) Execute(ctx context.Context, _ tools.ToolContext, args map[string]interface{}) *tools.Result {
	if !t.connected.Load() {
		return tools.ErrorResultf("MCP server %s is not connected", t.server)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResultf("call %s on MCP server %s: %v", t.tool.Name, t.server, err).WithError(err)
	}

	text := contentText(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error with no output"
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewResult(text)
}

// contentText joins the text parts of an MCP result. Non-text parts
// (images, resources) are skipped.
func contentText(parts []mcpgo.Content) string {
	var sb strings.Builder
	for _, part := range parts {
		switch tc := part.(type) {
		case mcpgo.TextContent:
			sb.WriteString(tc.Text)
		case *mcpgo.TextContent:
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
