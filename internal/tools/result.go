package tools

import (
	"encoding/json"
	"fmt"
)

// Result is what a tool execution hands back to the agent loop. ForLLM is
// persisted verbatim as the content of the tool-role message, so the model
// observes it on the next iteration.
type Result struct {
	ForLLM  string
	IsError bool

	// Err carries the underlying failure for logging only.
	Err error `json:"-"`
}

// StructuredError is the payload persisted as a tool result when a call is
// denied or fails before it runs. The model keys off error_code to decide
// its next action, so the field is always present.
type StructuredError struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	NextAction string `json:"next_action,omitempty"`
}

// NewResult creates a successful result.
func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// ErrorResult creates a plain-text error result.
func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// ErrorResultf creates a formatted plain-text error result.
func ErrorResultf(format string, args ...interface{}) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

// CodedResult creates an error result whose ForLLM is a StructuredError
// serialized as JSON.
func CodedResult(code, message, nextAction string) *Result {
	payload, err := json.Marshal(StructuredError{
		ErrorCode:  code,
		Message:    message,
		NextAction: nextAction,
	})
	if err != nil {
		// Marshal of a flat string struct cannot fail; keep a readable fallback.
		return &Result{ForLLM: fmt.Sprintf(`{"error_code":%q,"message":%q}`, code, message), IsError: true}
	}
	return &Result{ForLLM: string(payload), IsError: true}
}

// WithError attaches the underlying error for logging.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
