// Package protocol defines the framed-message envelope spoken between
// channel adapters and the gateway. Every frame is a single JSON object
// with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped on breaking envelope changes.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameTypeRequest     = "request"
	FrameTypeResponse    = "response"
	FrameTypeStreamChunk = "stream_chunk"
	FrameTypeToolCall    = "tool_call"
	FrameTypeToolDenied  = "tool_denied"
	FrameTypeError       = "error"
)

// RequestFrame is a client-to-server method invocation.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a request for non-streaming methods
// (connect, health, chat.history). chat.send replies only through
// stream_chunk / tool_call / tool_denied / error frames.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// StreamChunkFrame carries one text delta of a streamed assistant reply.
// The terminal chunk has Done=true and usually empty content.
type StreamChunkFrame struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data StreamChunkData `json:"data"`
}

type StreamChunkData struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// ToolCallFrame announces that the model requested a tool invocation.
type ToolCallFrame struct {
	Type string       `json:"type"`
	ID   string       `json:"id"`
	Data ToolCallData `json:"data"`
}

type ToolCallData struct {
	ToolName  string `json:"tool_name"`
	Arguments string `json:"arguments"`
	CallID    string `json:"call_id"`
}

// ToolDeniedFrame reports a tool call rejected by the mode gate or the
// guardrail. The conversation continues; the model sees the denial as a
// structured tool result.
type ToolDeniedFrame struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Data ToolDeniedData `json:"data"`
}

type ToolDeniedData struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Mode       string `json:"mode"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	NextAction string `json:"next_action"`
}

// ErrorFrame is a terminal dispatch-level failure for one request.
type ErrorFrame struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStreamChunk builds a stream_chunk frame for request id.
func NewStreamChunk(id, content string, done bool) StreamChunkFrame {
	return StreamChunkFrame{
		Type: FrameTypeStreamChunk,
		ID:   id,
		Data: StreamChunkData{Content: content, Done: done},
	}
}

// NewToolCall builds a tool_call frame for request id.
func NewToolCall(id, toolName, arguments, callID string) ToolCallFrame {
	return ToolCallFrame{
		Type: FrameTypeToolCall,
		ID:   id,
		Data: ToolCallData{ToolName: toolName, Arguments: arguments, CallID: callID},
	}
}

// NewToolDenied builds a tool_denied frame for request id.
func NewToolDenied(id string, data ToolDeniedData) ToolDeniedFrame {
	return ToolDeniedFrame{Type: FrameTypeToolDenied, ID: id, Data: data}
}

// NewError builds a terminal error frame for request id.
func NewError(id, code, message string) ErrorFrame {
	return ErrorFrame{
		Type:  FrameTypeError,
		ID:    id,
		Error: ErrorBody{Code: code, Message: message},
	}
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload interface{}) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id, code, message string) ResponseFrame {
	return ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorBody{Code: code, Message: message},
	}
}

// ParseFrameType extracts the type discriminator without decoding the
// whole frame.
func ParseFrameType(raw []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("parse frame: missing type")
	}
	return probe.Type, nil
}
