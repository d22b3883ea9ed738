package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomagi/neomagi/internal/agent"
	"github.com/neomagi/neomagi/internal/budget"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/sessions"
	"github.com/neomagi/neomagi/internal/store"
)

// ErrSessionBusy reports that another worker holds the session lease.
// The caller retries later; nothing was reserved or written.
var ErrSessionBusy = errors.New("session busy: another message is being processed")

const cleanupTimeout = 5 * time.Second

// Runner is the loop surface the dispatcher drives. *agent.Loop
// implements it.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest, emit func(agent.Event)) (*agent.RunResult, error)
	Provider() string
	Model() string
}

// Request is one inbound chat message.
type Request struct {
	SessionID string
	Provider  string // empty selects the default
	Message   string
	Identity  sessions.Identity
	RunID     string
}

// Result reports a completed run plus the provider that served it.
type Result struct {
	Content  string
	Provider string
	Model    string
	Usage    providers.Usage
}

// Dispatcher runs the request lifecycle: route, claim, force reload,
// reserve, run, settle, release. Settle and release are best-effort
// and never mask the run's outcome; the lease TTL backstops a missed
// release.
type Dispatcher struct {
	registry *Registry
	sessions store.SessionStore
	gate     *budget.Gate
	lockTTL  time.Duration
	tracer   trace.Tracer
}

func NewDispatcher(registry *Registry, st store.SessionStore, gate *budget.Gate, lockTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sessions: st,
		gate:     gate,
		lockTTL:  lockTTL,
		tracer:   otel.Tracer("github.com/neomagi/neomagi/internal/dispatch"),
	}
}

// Registry exposes the provider registry for status surfaces.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Send handles one chat request end to end, forwarding loop events to
// emit as they happen.
func (d *Dispatcher) Send(ctx context.Context, req Request, emit func(agent.Event)) (*Result, error) {
	prov, err := d.registry.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	model := prov.Model
	if model == "" {
		model = prov.Loop.Model()
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("provider", prov.Loop.Provider()),
		attribute.String("model", model),
		attribute.Int("message_length", len(req.Message)),
	))
	defer span.End()

	token, ok, err := d.sessions.TryClaim(ctx, req.SessionID, d.lockTTL)
	if err != nil {
		return nil, spanFail(span, fmt.Errorf("claim session %s: %w", req.SessionID, err))
	}
	if !ok {
		return nil, spanFail(span, fmt.Errorf("session %s: %w", req.SessionID, ErrSessionBusy))
	}
	defer d.release(req.SessionID, token)

	// Force reload so this worker sees what a previous lease holder wrote.
	if _, err := d.sessions.Load(ctx, req.SessionID, true); err != nil {
		return nil, spanFail(span, fmt.Errorf("load session %s: %w", req.SessionID, err))
	}

	reservation, err := d.gate.Reserve(ctx, prov.Loop.Provider(), model, req.SessionID, EvalRunID(req.SessionID))
	if err != nil {
		return nil, spanFail(span, err)
	}

	runRes, runErr := prov.Loop.Run(ctx, agent.RunRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
		Identity:  req.Identity,
		LockToken: token,
		RunID:     req.RunID,
	}, emit)

	d.settle(reservation, req.SessionID)

	if runErr != nil {
		return nil, spanFail(span, runErr)
	}
	span.SetAttributes(
		attribute.Int("tokens.input", runRes.Usage.PromptTokens),
		attribute.Int("tokens.output", runRes.Usage.CompletionTokens),
		attribute.Int("iterations", runRes.Iterations),
		attribute.Int("compactions", runRes.Compactions),
	)
	span.SetStatus(codes.Ok, "")
	return &Result{
		Content:  runRes.Content,
		Provider: prov.Loop.Provider(),
		Model:    model,
		Usage:    runRes.Usage,
	}, nil
}

// settle flips the reservation at its reserved cost. The flat
// per-request cost model keeps actual equal to reserved, so the settle
// is a status flip with a zero delta. On failure the reservation stays
// reserved and the money stays counted.
func (d *Dispatcher) settle(res *store.BudgetReservation, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.gate.Settle(ctx, res.ReservationID, res.ReservedEUR); err != nil {
		slog.Error("budget settle failed",
			"reservation_id", res.ReservationID,
			"session_id", sessionID,
			"error", err)
	}
}

// release clears the lease; the TTL backstops a failure here.
func (d *Dispatcher) release(sessionID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.sessions.Release(ctx, sessionID, token); err != nil {
		slog.Warn("session release failed, lease will expire by TTL",
			"session", sessionID, "error", err)
	}
}

func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// evalSessionPrefix marks benchmark sessions, named
// m6_eval_{provider}_{task}_{timestamp}.
const evalSessionPrefix = "m6_eval_"

// EvalRunID groups benchmark sessions for budget reporting: the
// trailing timestamp field is stripped so every run of one task lands
// in the same group. Online session ids return "".
func EvalRunID(sessionID string) string {
	if !strings.HasPrefix(sessionID, evalSessionPrefix) {
		return ""
	}
	rest := sessionID[len(evalSessionPrefix):]
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || !strings.Contains(rest[:i], "_") {
		// No separate timestamp field; the whole id is the group.
		return sessionID
	}
	return evalSessionPrefix + rest[:i]
}
