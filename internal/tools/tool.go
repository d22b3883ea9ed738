package tools

import "context"

// Mode is a tool-mode tag. A session's mode decides which tools the model may
// see and invoke. Only chat_safe is honored by the session store in the
// current milestone; agent exists so high-risk tools can declare where they
// would be legal without being reachable today.
type Mode string

const (
	ModeChatSafe Mode = "chat_safe"
	ModeAgent    Mode = "agent"
)

// RiskLevel classifies what a tool can damage. The guardrail blocks high-risk
// tools when contract anchors are missing and lets low-risk ones through with
// a degraded-audit log.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// ToolContext carries the runtime identity a tool may act on. It is the only
// per-call state handed to Execute: tools must not derive the memory scope
// from the session id themselves.
type ToolContext struct {
	ScopeKey  string
	SessionID string
}

// Tool is the capability set every executable tool implements. Parameters
// returns a JSON-schema object in the shape the chat-completions tools field
// expects. AllowedModes is the base mode membership: an empty set means the
// tool is callable in no mode until an operator grants one.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Group() string
	AllowedModes() []Mode
	Risk() RiskLevel
	Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result
}
