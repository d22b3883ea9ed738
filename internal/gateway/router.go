package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/neomagi/neomagi/pkg/protocol"
)

// HandlerFunc handles one request frame for one client.
type HandlerFunc func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers. Registration happens at
// startup; Dispatch runs on every request frame.
type MethodRouter struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a method name, replacing any previous
// binding.
func (r *MethodRouter) Register(method string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Dispatch routes one request frame. Unknown methods answer with
// METHOD_NOT_FOUND.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method)))
		return
	}
	h(ctx, client, req)
}
