package agent

import (
	"log/slog"

	"github.com/neomagi/neomagi/internal/providers"
)

const missingToolResult = "[Tool result missing: session was compacted]"

// sanitizeHistory repairs tool-call pairing before history is sent to
// the model. Compaction cuts at turn boundaries, but a crashed run or
// a cross-worker handoff can still leave orphaned tool results or an
// assistant tool call with no result row, and chat endpoints reject
// both. Orphans are dropped; missing results are synthesized in the
// assistant's declaration order so repeated repairs are deterministic.
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch {
		case m.Role == providers.RoleTool:
			// Only reached when no preceding assistant claimed this id.
			slog.Warn("dropping orphaned tool result", "tool_call_id", m.ToolCallID)

		case m.Role == providers.RoleAssistant && len(m.ToolCalls) > 0:
			out = append(out, m)
			unmatched := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				unmatched[tc.ID] = true
			}
			for i+1 < len(msgs) && msgs[i+1].Role == providers.RoleTool {
				i++
				if unmatched[msgs[i].ToolCallID] {
					out = append(out, msgs[i])
					delete(unmatched, msgs[i].ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", msgs[i].ToolCallID)
				}
			}
			for _, tc := range m.ToolCalls {
				if unmatched[tc.ID] {
					slog.Warn("synthesizing missing tool result", "tool_call_id", tc.ID)
					out = append(out, providers.Message{
						Role:       providers.RoleTool,
						Content:    missingToolResult,
						ToolCallID: tc.ID,
					})
				}
			}

		default:
			out = append(out, m)
		}
	}
	return out
}
