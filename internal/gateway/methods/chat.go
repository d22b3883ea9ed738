// Package methods implements the gateway's RPC method handlers.
package methods

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/agent"
	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/gateway"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/sessions"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/pkg/protocol"
)

// ChatMethods handles chat.send and chat.history.
type ChatMethods struct {
	dispatcher *dispatch.Dispatcher
	sessions   store.SessionStore
	maxChars   int
}

func NewChatMethods(d *dispatch.Dispatcher, sess store.SessionStore, maxChars int) *ChatMethods {
	return &ChatMethods{dispatcher: d, sessions: sess, maxChars: maxChars}
}

// Register registers the chat RPC methods.
func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
}

// handleSend runs one message through dispatch, bridging loop events to
// wire frames as they happen. chat.send never answers with a response
// frame: success ends with a done stream_chunk, failure with an error
// frame.
func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatSendParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Content == "" || params.SessionID == "" {
		client.SendFrame(protocol.NewError(req.ID, protocol.CodeInvalidParams, "content and session_id are required"))
		return
	}
	if m.maxChars > 0 && len([]rune(params.Content)) > m.maxChars {
		client.SendFrame(protocol.NewError(req.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("content exceeds %d characters", m.maxChars)))
		return
	}
	if !client.AllowChat() {
		client.SendFrame(protocol.NewError(req.ID, protocol.CodeRateLimited, "message rate limit reached, slow down"))
		return
	}

	// Snapshot the mode once; denial frames carry it so the adapter
	// can explain what the session would need.
	mode := m.sessions.Mode(ctx, params.SessionID)
	runID := "ws-" + uuid.NewString()[:8]

	_, err := m.dispatcher.Send(ctx, dispatch.Request{
		SessionID: params.SessionID,
		Provider:  params.Provider,
		Message:   params.Content,
		Identity: sessions.Identity{
			SessionID:   params.SessionID,
			ChannelType: "websocket",
			PeerID:      client.ID(),
		},
		RunID: runID,
	}, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventChunk:
			client.SendFrame(protocol.NewStreamChunk(req.ID, ev.Text, false))
		case agent.EventToolCall:
			client.SendFrame(protocol.NewToolCall(req.ID, ev.ToolName, ev.Arguments, ev.ToolID))
		case agent.EventToolDenied:
			client.SendFrame(protocol.NewToolDenied(req.ID, protocol.ToolDeniedData{
				CallID:     ev.ToolID,
				ToolName:   ev.ToolName,
				Mode:       mode,
				ErrorCode:  ev.Code,
				Message:    ev.Reason,
				NextAction: nextAction(ev.Code),
			}))
		}
	})
	if err != nil {
		code, msg := sendErrorCode(err)
		slog.Error("chat.send failed", "session", params.SessionID, "run_id", runID, "code", code, "error", err)
		client.SendFrame(protocol.NewError(req.ID, code, msg))
		return
	}
	client.SendFrame(protocol.NewStreamChunk(req.ID, "", true))
}

// handleHistory force-reloads the session and returns every message in
// seq order. An unknown session answers with an empty list, not an
// error, so adapters can open a fresh conversation view.
func (m *ChatMethods) handleHistory(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatHistoryParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.SessionID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "session_id is required"))
		return
	}

	found, err := m.sessions.Load(ctx, params.SessionID, true)
	if err != nil {
		slog.Error("chat.history load", "session", params.SessionID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "failed to load session"))
		return
	}
	if !found {
		client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
			"session_id": params.SessionID,
			"messages":   []store.Message{},
		}))
		return
	}

	msgs, err := m.sessions.EffectiveHistory(ctx, params.SessionID, 0)
	if err != nil {
		slog.Error("chat.history read", "session", params.SessionID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "failed to read history"))
		return
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"session_id": params.SessionID,
		"messages":   msgs,
	}))
}

// sendErrorCode maps a dispatch failure to the wire code plus a client
// safe message. Unrecognized errors stay behind INTERNAL_ERROR; the
// detail goes to the log only.
func sendErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, dispatch.ErrSessionBusy):
		return protocol.CodeSessionBusy, "another message is being processed for this session"
	case errors.Is(err, store.ErrBudgetExceeded):
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			return protocol.CodeBudgetExceeded, exceeded.Error()
		}
		return protocol.CodeBudgetExceeded, "budget ceiling reached"
	case errors.Is(err, providers.ErrProviderNotAvailable):
		return protocol.CodeProviderNotAvailable, err.Error()
	case errors.Is(err, store.ErrSessionFenced):
		return protocol.CodeSessionFenced, "the session was taken over by another worker"
	default:
		return protocol.CodeInternalError, "internal error"
	}
}

// nextAction suggests what would unblock a denied tool call.
func nextAction(code string) string {
	switch code {
	case protocol.CodeModeDenied:
		return "switch the session to agent mode to enable this tool"
	case protocol.CodeGuardAnchorMissing:
		return "restore the workspace anchor files, then retry"
	default:
		return ""
	}
}
