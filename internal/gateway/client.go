package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/neomagi/neomagi/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 50 * time.Second
	maxFrameSize = 1 << 20

	chatBurst = 5
)

// Client is one WebSocket connection. Writes from concurrent request
// handlers are serialized through writeMu.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	limiter *rate.Limiter
	authed  atomic.Bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. With an empty configured
// token the client starts authenticated.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  server,
		limiter: chatLimiter(server.cfg.Gateway.RateLimitRPM),
	}
	if !server.authRequired() {
		c.authed.Store(true)
	}
	return c
}

// chatLimiter builds the per-client chat.send limiter. rpm <= 0
// disables limiting.
func chatLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), chatBurst)
}

// ID returns the connection id, used as the peer id for scope
// resolution on WebSocket sessions.
func (c *Client) ID() string { return c.id }

// Authorize marks the client authenticated after a valid connect.
func (c *Client) Authorize() { c.authed.Store(true) }

// AllowChat consumes one rate-limit token for chat.send.
func (c *Client) AllowChat() bool {
	if c.limiter == nil {
		return true
	}
	return c.limiter.Allow()
}

// SendFrame writes any frame to the connection.
func (c *Client) SendFrame(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// SendResponse writes a response frame.
func (c *Client) SendResponse(resp protocol.ResponseFrame) {
	if err := c.SendFrame(resp); err != nil {
		slog.Debug("response write failed", "client", c.id, "error", err)
	}
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// Run reads frames until the connection drops or ctx is canceled. Each
// request runs in its own goroutine; chat.send can stream for minutes
// while pings and further requests keep flowing.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("read failed", "client", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.CodeInvalidParams, "malformed frame"))
			continue
		}
		if frameType != protocol.FrameTypeRequest {
			c.SendResponse(protocol.NewErrorResponse("", protocol.CodeInvalidParams, "only request frames are accepted"))
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.SendResponse(protocol.NewErrorResponse("", protocol.CodeInvalidParams, "malformed request frame"))
			continue
		}

		go c.handleRequest(ctx, &req)
	}
}

func (c *Client) handleRequest(ctx context.Context, req *protocol.RequestFrame) {
	if !c.authed.Load() && req.Method != protocol.MethodConnect && req.Method != protocol.MethodHealth {
		c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeUnauthorized, "connect with the gateway token first"))
		return
	}
	c.server.router.Dispatch(ctx, c, req)
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
