package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/agent"
	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/dispatch"
	"github.com/neomagi/neomagi/internal/gateway"
	"github.com/neomagi/neomagi/internal/gateway/methods"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/pkg/protocol"
)

// wsRunner stands in for an agent loop behind the dispatcher.
type wsRunner struct {
	events []agent.Event
	result *agent.RunResult
	err    error

	mu  sync.Mutex
	got []agent.RunRequest
}

func (r *wsRunner) Run(ctx context.Context, req agent.RunRequest, emit func(agent.Event)) (*agent.RunResult, error) {
	r.mu.Lock()
	r.got = append(r.got, req)
	r.mu.Unlock()
	if emit != nil {
		for _, ev := range r.events {
			emit(ev)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func (r *wsRunner) Provider() string { return "openai" }
func (r *wsRunner) Model() string    { return "gpt-5-mini" }

func (r *wsRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// wsLeaseStore fakes the session store behind the gateway.
type wsLeaseStore struct {
	mu      sync.Mutex
	claimOK bool
	history []store.Message
	forced  int
}

func (s *wsLeaseStore) TryClaim(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.claimOK {
		return "", false, nil
	}
	return "lease-1", true, nil
}

func (s *wsLeaseStore) Release(ctx context.Context, sessionID, lockToken string) error { return nil }

func (s *wsLeaseStore) AppendMessage(ctx context.Context, sessionID string, msg store.Message, lockToken string) (int64, error) {
	return 0, errors.New("append not expected")
}

func (s *wsLeaseStore) Load(ctx context.Context, sessionID string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if force {
		s.forced++
	}
	return true, nil
}

func (s *wsLeaseStore) EffectiveHistory(ctx context.Context, sessionID string, afterSeq int64) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.history {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *wsLeaseStore) CompactionState(ctx context.Context, sessionID string) (*store.CompactionState, error) {
	return nil, nil
}

func (s *wsLeaseStore) StoreCompactionResult(ctx context.Context, sessionID string, rec store.CompactionRecord, lockToken string) error {
	return errors.New("compaction not expected")
}

func (s *wsLeaseStore) Mode(ctx context.Context, sessionID string) string { return "chat_safe" }

func (s *wsLeaseStore) forcedLoads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// wsBudget fakes the budget store with the SQL store's semantics.
type wsBudget struct {
	mu           sync.Mutex
	cumulative   float64
	reservations int
}

func (b *wsBudget) TryReserve(ctx context.Context, r store.ReserveRequest, stopEUR float64) (*store.BudgetReservation, float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cumulative+r.CostEUR >= stopEUR {
		return nil, b.cumulative, store.ErrBudgetExceeded
	}
	b.cumulative += r.CostEUR
	b.reservations++
	return &store.BudgetReservation{
		ReservationID: uuid.New(),
		Provider:      r.Provider,
		Model:         r.Model,
		SessionID:     r.SessionID,
		ReservedEUR:   r.CostEUR,
		Status:        "reserved",
		CreatedAt:     time.Now().UTC(),
	}, b.cumulative, nil
}

func (b *wsBudget) Settle(ctx context.Context, reservationID uuid.UUID, actualEUR float64) (bool, error) {
	return true, nil
}

func (b *wsBudget) Cumulative(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cumulative, nil
}

func (b *wsBudget) reserveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reservations
}

type gatewayEnv struct {
	addr   string
	lease  *wsLeaseStore
	bank   *wsBudget
	runner *wsRunner
}

func startGateway(t *testing.T, mutate func(*config.Config, *gatewayEnv)) *gatewayEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 0

	env := &gatewayEnv{
		lease: &wsLeaseStore{claimOK: true},
		bank:  &wsBudget{},
		runner: &wsRunner{
			events: []agent.Event{
				{Type: agent.EventChunk, Text: "Hi "},
				{Type: agent.EventChunk, Text: "there."},
			},
			result: &agent.RunResult{
				Content: "Hi there.",
				Usage:   providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			},
		},
	}
	if mutate != nil {
		mutate(cfg, env)
	}

	reg, err := dispatch.NewRegistry("openai", map[string]*dispatch.Provider{
		"openai": {Loop: env.runner},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	gate := budget.NewGate(env.bank, cfg.Budget)
	dsp := dispatch.NewDispatcher(reg, env.lease, gate, time.Minute)

	srv := gateway.NewServer(cfg)
	methods.NewChatMethods(dsp, env.lease, cfg.Gateway.MaxMessageChars).Register(srv.Router())
	methods.NewSystemMethods(cfg.Gateway.Token, "test", reg, gate, srv).Register(srv.Router())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := gateway.StartTestServer(srv, ctx)
	go start()

	env.addr = addr
	return env
}

func dialGateway(t *testing.T, ctx context.Context, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadLimit(1 << 20)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeRequest(t *testing.T, ctx context.Context, conn *websocket.Conn, id, method string, params interface{}) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		buf, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		raw = buf
	}
	frame, err := json.Marshal(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frameType, err := protocol.ParseFrameType(raw)
	if err != nil {
		t.Fatalf("frame type: %v", err)
	}
	return frameType, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func TestGatewayHealthEndpoint(t *testing.T) {
	env := startGateway(t, nil)

	resp, err := http.Get("http://" + env.addr + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var health struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Protocol != protocol.ProtocolVersion {
		t.Errorf("health = %+v", health)
	}
}

func TestGatewayChatSendStreams(t *testing.T) {
	env := startGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content:   "hello",
		SessionID: "ws_main",
	})

	var texts []string
	for {
		frameType, raw := readFrame(t, ctx, conn)
		if frameType != protocol.FrameTypeStreamChunk {
			t.Fatalf("frame type = %s, want stream_chunk (raw %s)", frameType, raw)
		}
		chunk := decode[protocol.StreamChunkFrame](t, raw)
		if chunk.ID != "r1" {
			t.Errorf("chunk id = %q", chunk.ID)
		}
		if chunk.Data.Done {
			break
		}
		texts = append(texts, chunk.Data.Content)
	}
	if len(texts) != 2 || texts[0] != "Hi " || texts[1] != "there." {
		t.Errorf("streamed %q", texts)
	}
	if env.runner.calls() != 1 {
		t.Errorf("runner calls = %d, want 1", env.runner.calls())
	}
}

func TestGatewayChatSendBridgesToolFrames(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		e.runner.events = []agent.Event{
			{Type: agent.EventToolCall, ToolName: "read_file", ToolID: "call-9", Arguments: `{"path":"notes.txt"}`},
			{Type: agent.EventToolDenied, ToolName: "read_file", ToolID: "call-9",
				Code: protocol.CodeModeDenied, Reason: `tool "read_file" is not callable in mode "chat_safe"`},
			{Type: agent.EventChunk, Text: "I cannot read files here."},
		}
		e.runner.result = &agent.RunResult{Content: "I cannot read files here."}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content:   "read my notes",
		SessionID: "ws_main",
	})

	frameType, raw := readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeToolCall {
		t.Fatalf("frame 1 = %s, want tool_call", frameType)
	}
	call := decode[protocol.ToolCallFrame](t, raw)
	if call.Data.ToolName != "read_file" || call.Data.CallID != "call-9" || call.Data.Arguments != `{"path":"notes.txt"}` {
		t.Errorf("tool_call data = %+v", call.Data)
	}

	frameType, raw = readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeToolDenied {
		t.Fatalf("frame 2 = %s, want tool_denied", frameType)
	}
	denied := decode[protocol.ToolDeniedFrame](t, raw)
	if denied.Data.ErrorCode != protocol.CodeModeDenied || denied.Data.Mode != "chat_safe" {
		t.Errorf("tool_denied data = %+v", denied.Data)
	}
	if denied.Data.NextAction == "" {
		t.Error("mode denial must carry a next_action hint")
	}

	frameType, _ = readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeStreamChunk {
		t.Fatalf("frame 3 = %s, want stream_chunk", frameType)
	}
}

func TestGatewayChatSendBusy(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		e.lease.claimOK = false
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content:   "hello",
		SessionID: "ws_main",
	})

	frameType, raw := readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeError {
		t.Fatalf("frame = %s, want error (raw %s)", frameType, raw)
	}
	errFrame := decode[protocol.ErrorFrame](t, raw)
	if errFrame.Error.Code != protocol.CodeSessionBusy {
		t.Errorf("code = %q, want SESSION_BUSY", errFrame.Error.Code)
	}
	if env.bank.reserveCount() != 0 {
		t.Error("busy session must not reserve budget")
	}
	if env.runner.calls() != 0 {
		t.Error("busy session must not reach the loop")
	}
}

func TestGatewayChatSendBudgetExceeded(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		e.bank.cumulative = 24.99
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content:   "hello",
		SessionID: "ws_main",
	})

	frameType, raw := readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeError {
		t.Fatalf("frame = %s, want error (raw %s)", frameType, raw)
	}
	errFrame := decode[protocol.ErrorFrame](t, raw)
	if errFrame.Error.Code != protocol.CodeBudgetExceeded {
		t.Errorf("code = %q, want BUDGET_EXCEEDED", errFrame.Error.Code)
	}
	if env.runner.calls() != 0 {
		t.Error("denied request must not reach the model")
	}
}

func TestGatewayChatSendInvalidParams(t *testing.T) {
	env := startGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content: "hello", // no session_id
	})

	frameType, raw := readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeError {
		t.Fatalf("frame = %s, want error", frameType)
	}
	errFrame := decode[protocol.ErrorFrame](t, raw)
	if errFrame.Error.Code != protocol.CodeInvalidParams {
		t.Errorf("code = %q, want INVALID_PARAMS (raw %s)", errFrame.Error.Code, raw)
	}
}

func TestGatewayChatHistory(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		now := time.Now().UTC()
		e.lease.history = []store.Message{
			{Seq: 1, Role: "user", Content: "hello", CreatedAt: now},
			{Seq: 2, Role: "assistant", Content: "Hi there.", CreatedAt: now},
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "h1", protocol.MethodChatHistory, protocol.ChatHistoryParams{
		SessionID: "ws_main",
	})

	frameType, raw := readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeResponse {
		t.Fatalf("frame = %s, want response", frameType)
	}
	resp := decode[struct {
		ID      string `json:"id"`
		OK      bool   `json:"ok"`
		Payload struct {
			SessionID string          `json:"session_id"`
			Messages  []store.Message `json:"messages"`
		} `json:"payload"`
	}](t, raw)
	if !resp.OK || resp.ID != "h1" {
		t.Fatalf("response = %s", raw)
	}
	if len(resp.Payload.Messages) != 2 || resp.Payload.Messages[1].Content != "Hi there." {
		t.Errorf("messages = %+v", resp.Payload.Messages)
	}
	if env.lease.forcedLoads() != 1 {
		t.Errorf("forced loads = %d, history must force a reload", env.lease.forcedLoads())
	}
}

func TestGatewayAuthGate(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		cfg.Gateway.Token = "sekret"
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	// Before connect, chat is rejected.
	writeRequest(t, ctx, conn, "r1", protocol.MethodChatSend, protocol.ChatSendParams{
		Content: "hello", SessionID: "ws_main",
	})
	frameType, raw := readFrame(t, ctx, conn)
	resp := decode[protocol.ResponseFrame](t, raw)
	if frameType != protocol.FrameTypeResponse || resp.Error == nil || resp.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("pre-auth chat.send answered %s", raw)
	}

	// Wrong token stays rejected.
	writeRequest(t, ctx, conn, "c1", protocol.MethodConnect, protocol.ConnectParams{Token: "wrong"})
	_, raw = readFrame(t, ctx, conn)
	resp = decode[protocol.ResponseFrame](t, raw)
	if resp.Error == nil || resp.Error.Code != protocol.CodeUnauthorized {
		t.Fatalf("wrong token answered %s", raw)
	}

	// Right token opens the session up.
	writeRequest(t, ctx, conn, "c2", protocol.MethodConnect, protocol.ConnectParams{Token: "sekret"})
	_, raw = readFrame(t, ctx, conn)
	resp = decode[protocol.ResponseFrame](t, raw)
	if !resp.OK {
		t.Fatalf("connect with the right token answered %s", raw)
	}

	writeRequest(t, ctx, conn, "r2", protocol.MethodChatSend, protocol.ChatSendParams{
		Content: "hello", SessionID: "ws_main",
	})
	frameType, _ = readFrame(t, ctx, conn)
	if frameType != protocol.FrameTypeStreamChunk {
		t.Fatalf("post-auth chat.send frame = %s, want stream_chunk", frameType)
	}
}

func TestGatewayUnknownMethod(t *testing.T) {
	env := startGateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "r1", "chat.transmogrify", nil)
	_, raw := readFrame(t, ctx, conn)
	resp := decode[protocol.ResponseFrame](t, raw)
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("unknown method answered %s", raw)
	}
}

func TestGatewayStatus(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		e.bank.cumulative = 1.25
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	writeRequest(t, ctx, conn, "s1", protocol.MethodStatus, nil)
	_, raw := readFrame(t, ctx, conn)
	resp := decode[struct {
		OK      bool `json:"ok"`
		Payload struct {
			Providers       []string `json:"providers"`
			DefaultProvider string   `json:"default_provider"`
			CumulativeEUR   float64  `json:"cumulative_eur"`
			Clients         int      `json:"clients"`
		} `json:"payload"`
	}](t, raw)
	if !resp.OK {
		t.Fatalf("status answered %s", raw)
	}
	p := resp.Payload
	if p.DefaultProvider != "openai" || len(p.Providers) != 1 {
		t.Errorf("providers = %+v", p)
	}
	if p.CumulativeEUR != 1.25 {
		t.Errorf("cumulative_eur = %v, want 1.25", p.CumulativeEUR)
	}
	if p.Clients != 1 {
		t.Errorf("clients = %d, want 1", p.Clients)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	env := startGateway(t, func(cfg *config.Config, e *gatewayEnv) {
		cfg.Gateway.RateLimitRPM = 1 // burst of 5, then a ~minute per token
	})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	conn := dialGateway(t, ctx, env.addr)

	sendOnce := func(id string) string {
		writeRequest(t, ctx, conn, id, protocol.MethodChatSend, protocol.ChatSendParams{
			Content: "hello", SessionID: "ws_main",
		})
		for {
			frameType, raw := readFrame(t, ctx, conn)
			switch frameType {
			case protocol.FrameTypeStreamChunk:
				chunk := decode[protocol.StreamChunkFrame](t, raw)
				if chunk.Data.Done {
					return ""
				}
			case protocol.FrameTypeError:
				return decode[protocol.ErrorFrame](t, raw).Error.Code
			default:
				t.Fatalf("frame = %s (raw %s)", frameType, raw)
			}
		}
	}

	for i := 0; i < 5; i++ {
		if code := sendOnce(fmt.Sprintf("r%d", i)); code != "" {
			t.Fatalf("send %d rejected with %s before the burst ran out", i, code)
		}
	}
	if code := sendOnce("r5"); code != protocol.CodeRateLimited {
		t.Fatalf("send 6 answered %q, want RATE_LIMITED", code)
	}
}
