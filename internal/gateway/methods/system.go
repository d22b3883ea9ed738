package methods

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"

	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/gateway"
	"github.com/neomagi/neomagi/pkg/protocol"
)

// SystemMethods handles connect, health and status.
type SystemMethods struct {
	token    string
	version  string
	registry *dispatch.Registry
	gate     *budget.Gate
	server   *gateway.Server
}

func NewSystemMethods(token, version string, reg *dispatch.Registry, gate *budget.Gate, server *gateway.Server) *SystemMethods {
	return &SystemMethods{token: token, version: version, registry: reg, gate: gate, server: server}
}

// Register registers the system RPC methods.
func (m *SystemMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodConnect, m.handleConnect)
	router.Register(protocol.MethodHealth, m.handleHealth)
	router.Register(protocol.MethodStatus, m.handleStatus)
}

func (m *SystemMethods) handleConnect(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ConnectParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if m.token != "" && subtle.ConstantTimeCompare([]byte(params.Token), []byte(m.token)) != 1 {
		slog.Warn("connect rejected", "client", client.ID())
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeUnauthorized, "invalid gateway token"))
		return
	}
	client.Authorize()
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"version":  m.version,
	}))
}

func (m *SystemMethods) handleHealth(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
	}))
}

func (m *SystemMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	cumulative, err := m.gate.Cumulative(ctx)
	if err != nil {
		slog.Error("status: budget read failed", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "failed to read budget state"))
		return
	}
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"version":          m.version,
		"protocol":         protocol.ProtocolVersion,
		"providers":        m.registry.Providers(),
		"default_provider": m.registry.DefaultProvider(),
		"cumulative_eur":   cumulative,
		"clients":          m.server.ClientCount(),
	}))
}
