// Package providers implements the abstract streaming model client and
// its OpenAI-compatible implementation.
package providers

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ErrProviderNotAvailable is returned when a requested provider has no
// configured client.
var ErrProviderNotAvailable = errors.New("provider not available")

// ErrEmptyChoices is returned when the API answers 200 with no choices.
// Callers treat this as a provider failure, not as an empty reply.
var ErrEmptyChoices = errors.New("llm response contained no choices")

// Message is one chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments stay a raw
// JSON string; parsing (and INVALID_ARGS handling) is the caller's job.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the function-call schema sent to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // always "function"
	Function ToolFunctionSchema `json:"function"`
}

type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is a provider-neutral chat call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// ChatResponse is the complete result of a chat call, streamed or not.
// Usage is zero when the endpoint did not report it.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// StreamEventType discriminates streaming events.
type StreamEventType int

const (
	// StreamDelta carries a partial-text content delta.
	StreamDelta StreamEventType = iota
	// StreamToolCalls carries the complete accumulated tool-call list.
	// Emitted at most once, after the stream ends.
	StreamToolCalls
)

// StreamEvent is one event from a streaming chat call.
type StreamEvent struct {
	Type      StreamEventType
	Delta     string
	ToolCalls []ToolCall
}

// Client is the abstract streaming model client the runtime core depends on.
type Client interface {
	// Chat performs a blocking call and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming call. onEvent receives content
	// deltas as they arrive and, when the model requested tools, one
	// final StreamToolCalls event. Fragment accumulation across chunks
	// is the client's responsibility. Returning an error from onEvent
	// aborts the stream.
	ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent) error) (*ChatResponse, error)

	// Name identifies the provider (e.g. "openai", "openrouter").
	Name() string

	// DefaultModel is the canonical model used when a request names none.
	DefaultModel() string
}
