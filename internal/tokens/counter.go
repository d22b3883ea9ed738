// Package tokens provides token counting and context budget tracking.
package tokens

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/neomagi/neomagi/internal/providers"
)

// Encoding is cl100k_base, a reasonable fit for the OpenAI-compatible
// models the runtime talks to.
const Encoding = "cl100k_base"

// Counter modes reported in budget status.
const (
	ModeExact    = "exact"
	ModeEstimate = "estimate"
)

// Per-message structural overhead (role, wrapping) in tokens.
const messageOverhead = 4

// Counter counts tokens. When the tiktoken encoding is unavailable it
// degrades to a chars/4 estimate and never errors. The encoding tables
// are immutable once loaded, so a Counter is safe for concurrent use.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

var (
	globalCounter     *Counter
	globalCounterOnce sync.Once
)

// Default returns the process-wide counter. Encoding tables load once;
// on failure the counter stays in estimate mode.
func Default() *Counter {
	globalCounterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			slog.Warn("tokens: encoding unavailable, using chars/4 estimate", "error", err)
			globalCounter = &Counter{}
			return
		}
		globalCounter = &Counter{encoding: enc}
	})
	return globalCounter
}

// Mode reports "exact" when tiktoken loaded, "estimate" otherwise.
func (c *Counter) Mode() string {
	if c == nil || c.encoding == nil {
		return ModeEstimate
	}
	return ModeExact
}

// CountText returns the token count for a string.
func (c *Counter) CountText(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage returns tokens for one message including structural
// overhead and any tool-call payloads.
func (c *Counter) CountMessage(msg providers.Message) int {
	total := messageOverhead + c.CountText(msg.Content)
	for _, tc := range msg.ToolCalls {
		total += c.CountText(tc.Name) + c.CountText(tc.Arguments) + 2
	}
	if msg.ToolCallID != "" {
		total += c.CountText(msg.ToolCallID)
	}
	return total
}

// CountMessages sums CountMessage over a history slice.
func (c *Counter) CountMessages(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.CountMessage(m)
	}
	return total
}

// CountTools counts the serialized tool schemas sent with each request.
func (c *Counter) CountTools(tools []providers.ToolDefinition) int {
	total := 0
	for _, t := range tools {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		total += c.CountText(string(data))
	}
	return total
}
