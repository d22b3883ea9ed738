package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI-compatible chat completions API. It
// covers OpenAI itself plus OpenRouter, DeepSeek, Groq and any other
// endpoint that follows the same wire format.
type OpenAIClient struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// OpenAIOption customizes a client at construction.
type OpenAIOption func(*OpenAIClient)

func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.client = hc }
}

func WithRetryConfig(rc RetryConfig) OpenAIOption {
	return func(c *OpenAIClient) { c.retryConfig = rc }
}

// NewOpenAIClient builds a client for an OpenAI-compatible endpoint.
// apiBase should be the API root (e.g. "https://api.openai.com/v1").
func NewOpenAIClient(name, apiKey, apiBase, defaultModel string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClient) Name() string         { return c.name }
func (c *OpenAIClient) DefaultModel() string { return c.defaultModel }

// Chat performs a blocking completion.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return RetryDo(ctx, c.retryConfig, func() (*ChatResponse, error) {
		body, err := c.buildRequestBody(req, false)
		if err != nil {
			return nil, err
		}
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()
		return c.parseResponse(respBody)
	})
}

// ChatStream performs a streaming completion, invoking onEvent for each
// content delta and once more with the accumulated tool calls if the
// model requested any. Retries cover the connection phase only; once
// bytes are flowing a failure surfaces to the caller.
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent) error) (*ChatResponse, error) {
	body, err := c.buildRequestBody(req, true)
	if err != nil {
		return nil, err
	}

	respBody, err := RetryDo(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		return c.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	return c.consumeStream(respBody, onEvent)
}

// openAIWireMessage is a message in the chat completions wire format.
type openAIWireMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIWireCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIWireCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIWireFunc `json:"function"`
}

type openAIWireFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (c *OpenAIClient) buildRequestBody(req ChatRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openAIWireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := openAIWireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, openAIWireCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIWireFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, wm)
	}

	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Function.Name,
					"description": t.Function.Description,
					"parameters":  t.Function.Parameters,
				},
			})
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}

	return json.Marshal(payload)
}

func (c *OpenAIClient) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	url := c.apiBase + c.chatPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

// completionEnvelope is the non-streaming response shape.
type completionEnvelope struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIWireCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *OpenAIClient) parseResponse(r io.Reader) (*ChatResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var envelope completionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return nil, ErrEmptyChoices
	}

	choice := envelope.Choices[0]
	resp := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if envelope.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     envelope.Usage.PromptTokens,
			CompletionTokens: envelope.Usage.CompletionTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		}
	}
	return resp, nil
}

// streamChunk is a single SSE data payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// toolCallAccumulator collects a tool call streamed as fragments.
type toolCallAccumulator struct {
	id      string
	name    string
	rawArgs string
}

func (c *OpenAIClient) consumeStream(r io.Reader, onEvent func(StreamEvent) error) (*ChatResponse, error) {
	var (
		content      strings.Builder
		accumulators = make(map[int]*toolCallAccumulator)
		finishReason string
		usage        Usage
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if onEvent != nil {
				if err := onEvent(StreamEvent{Type: StreamDelta, Delta: choice.Delta.Content}); err != nil {
					return nil, err
				}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				accumulators[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.rawArgs += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	resp := &ChatResponse{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage:        usage,
	}
	if len(accumulators) > 0 {
		// Providers may skip stream indexes, so order by the indexes
		// actually seen rather than assuming 0..n-1.
		indexes := make([]int, 0, len(accumulators))
		for i := range accumulators {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		calls := make([]ToolCall, 0, len(accumulators))
		for _, i := range indexes {
			acc := accumulators[i]
			calls = append(calls, ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: acc.rawArgs,
			})
		}
		resp.ToolCalls = calls
		if resp.FinishReason == "" {
			resp.FinishReason = "tool_calls"
		}
		if onEvent != nil {
			if err := onEvent(StreamEvent{Type: StreamToolCalls, ToolCalls: calls}); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}
