package protocol

// RPC method names.
const (
	MethodConnect     = "connect"
	MethodHealth      = "health"
	MethodStatus      = "status"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
)

// Error codes surfaced at the RPC boundary.
const (
	CodeSessionBusy          = "SESSION_BUSY"
	CodeBudgetExceeded       = "BUDGET_EXCEEDED"
	CodeProviderNotAvailable = "PROVIDER_NOT_AVAILABLE"
	CodeSessionFenced        = "SESSION_FENCED"
	CodeMethodNotFound       = "METHOD_NOT_FOUND"
	CodeInternalError        = "INTERNAL_ERROR"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeInvalidParams        = "INVALID_PARAMS"
)

// Per-tool error codes embedded in tool results and tool_denied frames.
const (
	CodeModeDenied         = "MODE_DENIED"
	CodeUnknownTool        = "UNKNOWN_TOOL"
	CodeInvalidArgs        = "INVALID_ARGS"
	CodeGuardAnchorMissing = "GUARD_ANCHOR_MISSING"
	CodeToolError          = "TOOL_ERROR"
)

// ChatSendParams are the parameters of chat.send.
type ChatSendParams struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	Provider  string `json:"provider,omitempty"`
}

// ChatHistoryParams are the parameters of chat.history.
type ChatHistoryParams struct {
	SessionID string `json:"session_id"`
}

// ConnectParams are the parameters of connect.
type ConnectParams struct {
	Token string `json:"token,omitempty"`
}
