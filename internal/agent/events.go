package agent

// EventType discriminates the events one run yields.
type EventType string

const (
	// EventChunk carries a partial-text delta of the assistant reply.
	EventChunk EventType = "chunk"
	// EventToolCall announces a model-requested tool invocation.
	EventToolCall EventType = "tool_call"
	// EventToolDenied announces a tool call stopped by the mode gate or
	// the guardrail. Unknown tools do not produce this event.
	EventToolDenied EventType = "tool_denied"
)

// Event is one item in the ordered stream a run emits. Chunk events
// carry Text; tool events carry the tool fields plus the raw argument
// string, and denials add the code and reason the adapter can show.
type Event struct {
	Type      EventType
	Text      string
	ToolName  string
	ToolID    string
	Arguments string
	Code      string
	Reason    string
}
