// Package agent runs the per-turn agent loop: build the prompt, stream
// the model call, execute or deny tools, persist every message through
// the fencing-guarded store, and compact the context when the budget
// tracker says so.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomagi/neomagi/internal/compact"
	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/guard"
	"github.com/neomagi/neomagi/internal/memory"
	"github.com/neomagi/neomagi/internal/prompt"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/sessions"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/internal/tokens"
	"github.com/neomagi/neomagi/internal/tools"
	"github.com/neomagi/neomagi/pkg/protocol"
)

const (
	defaultMaxIterations = 10
	defaultMaxTokens     = 8192
	chatTemperature      = 0.7
	recallLimit          = 5
)

// Loop drives one provider's agent execution. One Loop exists per
// configured provider; concurrent runs on different sessions are safe.
type Loop struct {
	client   providers.Client
	model    string
	sessions store.SessionStore
	memory   store.MemoryStore
	registry *tools.Registry
	guard    *guard.Guardrail
	builder  *prompt.Builder
	counter  *tokens.Counter
	tracker  *tokens.Tracker
	engine   *compact.Engine
	writer   *memory.Writer

	maxTokens          int
	maxIterations      int
	dmScope            sessions.DMScopePolicy
	compaction         config.CompactionConfig
	flushMinConfidence float64

	activeRuns atomic.Int32
	now        func() time.Time
	tracer     trace.Tracer
}

// LoopConfig wires the collaborators for one Loop.
type LoopConfig struct {
	Client   providers.Client
	Model    string
	Sessions store.SessionStore
	Memory   store.MemoryStore
	Registry *tools.Registry
	Guard    *guard.Guardrail
	Builder  *prompt.Builder
	Counter  *tokens.Counter
	Tracker  *tokens.Tracker
	Engine   *compact.Engine
	Writer   *memory.Writer

	MaxTokens          int
	MaxToolIterations  int
	DMScope            sessions.DMScopePolicy
	Compaction         config.CompactionConfig
	FlushMinConfidence float64
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	model := cfg.Model
	if model == "" {
		model = cfg.Client.DefaultModel()
	}
	return &Loop{
		client:             cfg.Client,
		model:              model,
		sessions:           cfg.Sessions,
		memory:             cfg.Memory,
		registry:           cfg.Registry,
		guard:              cfg.Guard,
		builder:            cfg.Builder,
		counter:            cfg.Counter,
		tracker:            cfg.Tracker,
		engine:             cfg.Engine,
		writer:             cfg.Writer,
		maxTokens:          cfg.MaxTokens,
		maxIterations:      cfg.MaxToolIterations,
		dmScope:            cfg.DMScope,
		compaction:         cfg.Compaction,
		flushMinConfidence: cfg.FlushMinConfidence,
		now:                time.Now,
		tracer:             otel.Tracer("github.com/neomagi/neomagi/internal/agent"),
	}
}

// Provider names the model client this loop runs on.
func (l *Loop) Provider() string { return l.client.Name() }

// Model returns the model this loop calls.
func (l *Loop) Model() string { return l.model }

// ActiveRuns reports how many runs are currently executing.
func (l *Loop) ActiveRuns() int { return int(l.activeRuns.Load()) }

// RunRequest is one incoming user message plus the identity it came
// from. LockToken fences every write against cross-worker takeover.
type RunRequest struct {
	SessionID string
	Message   string
	Identity  sessions.Identity
	LockToken string
	RunID     string
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Content     string
	Iterations  int
	Compactions int
	Usage       providers.Usage
}

// Run handles exactly one user message, emitting chunk, tool_call and
// tool_denied events in order as they happen. Every emitted event has
// been delivered before Run returns.
func (l *Loop) Run(ctx context.Context, req RunRequest, emit func(Event)) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)
	if emit == nil {
		emit = func(Event) {}
	}

	sid := req.SessionID
	userSeq, err := l.sessions.AppendMessage(ctx, sid, store.Message{
		SessionID: sid,
		Role:      providers.RoleUser,
		Content:   req.Message,
	}, req.LockToken)
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	state, err := l.sessions.CompactionState(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load compaction state: %w", err)
	}
	summary := ""
	watermark := int64(0)
	if state != nil {
		summary = state.Summary
		watermark = state.LastCompactionSeq
	}

	identity := req.Identity
	if identity.SessionID == "" {
		identity.SessionID = sid
	}
	scopeKey, _, err := sessions.ResolveScope(identity, l.dmScope)
	if err != nil {
		return nil, err
	}
	mode := tools.Mode(l.sessions.Mode(ctx, sid))

	history, err := l.sessions.EffectiveHistory(ctx, sid, watermark)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	recall := l.recall(ctx, scopeKey, req.Message)
	systemPrompt := l.builder.Build(prompt.Input{
		Mode:     mode,
		ScopeKey: scopeKey,
		Summary:  summary,
		Recall:   recall,
	})

	var usage providers.Usage
	compactions := 0

	for iteration := 1; iteration <= l.maxIterations; iteration++ {
		wire := sanitizeHistory(store.ProviderHistory(history))
		toolDefs := l.registry.Schemas(mode)

		budget := l.tracker.Evaluate(
			l.counter.CountText(systemPrompt),
			l.counter.CountMessages(wire),
			l.counter.CountTools(toolDefs),
			l.counter.Mode(),
		)
		logBudget(sid, iteration, budget)

		if budget.Status == tokens.StatusCompactNeeded && req.LockToken != "" && compactions < l.compaction.MaxCompactionsPerRequest {
			compactions++
			newSummary, newWatermark, compacted := l.compactContext(ctx, sid, req.LockToken, scopeKey, history, userSeq, watermark, summary, systemPrompt)
			if compacted {
				summary, watermark = newSummary, newWatermark
				history, err = l.sessions.EffectiveHistory(ctx, sid, watermark)
				if err != nil {
					return nil, fmt.Errorf("reload history after compaction: %w", err)
				}
				systemPrompt = l.builder.Build(prompt.Input{
					Mode:     mode,
					ScopeKey: scopeKey,
					Summary:  summary,
					Recall:   recall,
				})
				wire = sanitizeHistory(store.ProviderHistory(history))
			}
		}

		check := l.guard.PreLLM(systemPrompt)

		messages := make([]providers.Message, 0, len(wire)+1)
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: systemPrompt})
		messages = append(messages, wire...)

		llmCtx, llmSpan := l.tracer.Start(ctx, "agent.llm_call", trace.WithAttributes(
			attribute.String("provider", l.client.Name()),
			attribute.String("model", l.model),
			attribute.Int("iteration", iteration),
		))
		resp, err := l.client.ChatStream(llmCtx, providers.ChatRequest{
			Model:       l.model,
			Messages:    messages,
			MaxTokens:   l.maxTokens,
			Temperature: chatTemperature,
			Tools:       toolDefs,
		}, func(ev providers.StreamEvent) error {
			if ev.Type == providers.StreamDelta && ev.Delta != "" {
				emit(Event{Type: EventChunk, Text: ev.Delta})
			}
			return nil
		})
		if err != nil {
			llmSpan.RecordError(err)
			llmSpan.SetStatus(codes.Error, err.Error())
			llmSpan.End()
			return nil, fmt.Errorf("model call failed (iteration %d): %w", iteration, err)
		}
		llmSpan.SetAttributes(
			attribute.Int("tokens.prompt", resp.Usage.PromptTokens),
			attribute.Int("tokens.completion", resp.Usage.CompletionTokens),
			attribute.Int("tool_calls", len(resp.ToolCalls)),
		)
		llmSpan.SetStatus(codes.Ok, "")
		llmSpan.End()
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			content := sanitizeAssistantText(resp.Content)
			if _, err := l.sessions.AppendMessage(ctx, sid, store.Message{
				SessionID: sid,
				Role:      providers.RoleAssistant,
				Content:   content,
			}, req.LockToken); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
			return &RunResult{
				Content:     content,
				Iterations:  iteration,
				Compactions: compactions,
				Usage:       usage,
			}, nil
		}

		assistant := store.Message{
			SessionID: sid,
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		toolMsgs := make([]store.Message, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			emit(Event{Type: EventToolCall, ToolName: tc.Name, ToolID: tc.ID, Arguments: tc.Arguments})
			slog.Info("tool call", "session", sid, "tool", tc.Name, "args_len", len(tc.Arguments))

			result := l.resolveToolCall(ctx, tc, mode, check, scopeKey, sid, emit)
			if result.IsError {
				slog.Warn("tool error", "session", sid, "tool", tc.Name,
					"error", truncateForLog(result.ForLLM, 200))
			}
			toolMsgs = append(toolMsgs, store.Message{
				SessionID:  sid,
				Role:       providers.RoleTool,
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}

		seq, err := l.sessions.AppendMessage(ctx, sid, assistant, req.LockToken)
		if err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}
		assistant.Seq = seq
		history = append(history, assistant)
		for i := range toolMsgs {
			seq, err := l.sessions.AppendMessage(ctx, sid, toolMsgs[i], req.LockToken)
			if err != nil {
				return nil, fmt.Errorf("append tool result: %w", err)
			}
			toolMsgs[i].Seq = seq
			history = append(history, toolMsgs[i])
		}
	}

	capText := fmt.Sprintf("Reached the tool-call limit of %d iterations for this message; stopping here.", l.maxIterations)
	emit(Event{Type: EventChunk, Text: capText})
	return &RunResult{
		Content:     capText,
		Iterations:  l.maxIterations,
		Compactions: compactions,
		Usage:       usage,
	}, nil
}

// compactContext runs one compaction attempt and stores the outcome.
// Noop results are never stored. An engine or store failure falls back
// to an emergency trim; when that fails too the run continues at the
// old watermark and the next iteration tries again or gives up at the
// reentry cap.
func (l *Loop) compactContext(ctx context.Context, sid, lockToken, scopeKey string, history []store.Message, userSeq, watermark int64, summary, systemPrompt string) (string, int64, bool) {
	var stored *compact.Result

	res, err := l.engine.Compact(ctx, compact.Request{
		SessionID:         sid,
		History:           history,
		CurrentUserSeq:    userSeq,
		LastCompactionSeq: watermark,
		PreviousSummary:   summary,
		SystemPrompt:      systemPrompt,
	})
	switch {
	case err != nil:
		slog.Warn("compaction engine failed, attempting emergency trim", "session", sid, "error", err)
	case res.Noop():
		return "", 0, false
	default:
		if serr := l.storeCompaction(ctx, sid, lockToken, res); serr != nil {
			slog.Warn("compaction store failed, attempting emergency trim", "session", sid, "error", serr)
		} else {
			stored = res
		}
	}

	if stored == nil {
		trim := compact.EmergencyTrim(history, userSeq, watermark, l.compaction.MinPreservedTurns, l.now())
		if trim == nil {
			return "", 0, false
		}
		if serr := l.storeCompaction(ctx, sid, lockToken, trim); serr != nil {
			slog.Warn("emergency trim store failed, continuing uncompacted", "session", sid, "error", serr)
			return "", 0, false
		}
		stored = trim
	}

	if len(stored.FlushCandidates) > 0 && l.writer != nil {
		written, ferr := l.writer.ProcessFlushCandidates(ctx, scopeKey, stored.FlushCandidates, l.flushMinConfidence)
		if ferr != nil {
			slog.Warn("memory flush write failed", "session", sid, "written", written, "error", ferr)
		} else if written > 0 {
			slog.Info("memory flush written", "session", sid, "entries", written)
		}
	}

	slog.Info("context compacted",
		"session", sid,
		"status", stored.Status,
		"watermark", stored.NewCompactionSeq,
		"summarized_turns", stored.Metadata.SummarizedTurns,
		"preserved_turns", stored.Metadata.PreservedTurns,
	)
	return stored.Summary, stored.NewCompactionSeq, true
}

func (l *Loop) storeCompaction(ctx context.Context, sid, lockToken string, res *compact.Result) error {
	rec, err := res.Record()
	if err != nil {
		return err
	}
	return l.sessions.StoreCompactionResult(ctx, sid, rec, lockToken)
}

// resolveToolCall gates one tool call and executes it when allowed.
// Every denial path returns a JSON result with an error_code so the
// model can reason about what happened.
func (l *Loop) resolveToolCall(ctx context.Context, tc providers.ToolCall, mode tools.Mode, check guard.CheckResult, scopeKey, sessionID string, emit func(Event)) *tools.Result {
	tool, known := l.registry.Lookup(tc.Name)
	if !known {
		// A hallucinated name is not a denial; tell the model and move on.
		return tools.CodedResult(protocol.CodeUnknownTool,
			fmt.Sprintf("tool %q does not exist", tc.Name),
			"use one of the tools listed in the request")
	}

	if !l.registry.CheckMode(tc.Name, mode) {
		reason := fmt.Sprintf("tool %q is not callable in mode %q", tc.Name, mode)
		emit(Event{Type: EventToolDenied, ToolName: tc.Name, ToolID: tc.ID, Code: protocol.CodeModeDenied, Reason: reason})
		return tools.CodedResult(protocol.CodeModeDenied, reason,
			"answer without this tool or ask the operator to enable it")
	}

	if blocked := l.guard.PreTool(check, tc.Name, tool.Risk()); blocked != nil {
		emit(Event{Type: EventToolDenied, ToolName: tc.Name, ToolID: tc.ID, Code: blocked.Code, Reason: blocked.Message})
		return tools.CodedResult(blocked.Code, blocked.Message, "")
	}

	args, err := parseToolArgs(tc.Arguments)
	if err != nil {
		return tools.CodedResult(protocol.CodeInvalidArgs,
			fmt.Sprintf("arguments for %s are not a JSON object: %v", tc.Name, err),
			"retry with a single JSON object")
	}

	return l.executeTool(ctx, tool, tc, scopeKey, sessionID, args)
}

// executeTool isolates tool panics: a crashing tool becomes an error
// result instead of taking the run down.
func (l *Loop) executeTool(ctx context.Context, tool tools.Tool, tc providers.ToolCall, scopeKey, sessionID string, args map[string]interface{}) (res *tools.Result) {
	ctx, span := l.tracer.Start(ctx, "agent.tool_exec", trace.WithAttributes(
		attribute.String("tool", tc.Name),
		attribute.String("call_id", tc.ID),
	))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", tc.Name, "panic", r)
			res = tools.CodedResult(protocol.CodeToolError,
				fmt.Sprintf("tool %s crashed: %v", tc.Name, r), "")
		}
		if res != nil && res.IsError {
			span.SetStatus(codes.Error, truncateForLog(res.ForLLM, 200))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()
	res = tool.Execute(ctx, tools.ToolContext{ScopeKey: scopeKey, SessionID: sessionID}, args)
	if res == nil {
		res = tools.CodedResult(protocol.CodeToolError,
			fmt.Sprintf("tool %s returned no result", tc.Name), "")
	}
	return res
}

// parseToolArgs decodes a tool-call argument string. Empty and null
// mean no arguments; anything that is not a JSON object is an error.
func parseToolArgs(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return map[string]interface{}{}, nil
	}
	return args, nil
}

func (l *Loop) recall(ctx context.Context, scopeKey, query string) []store.MemorySearchResult {
	if l.memory == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	results, err := l.memory.Search(ctx, scopeKey, query, recallLimit)
	if err != nil {
		slog.Warn("memory recall failed", "scope", scopeKey, "error", err)
		return nil
	}
	return results
}

func logBudget(sid string, iteration int, b tokens.BudgetStatus) {
	attrs := []any{
		"session", sid,
		"iteration", iteration,
		"status", string(b.Status),
		"current", b.CurrentTokens,
		"usable", b.UsableBudget,
		"compact_at", b.CompactThreshold,
		"tokenizer", b.TokenizerMode,
	}
	if b.Status == tokens.StatusOK {
		slog.Debug("context budget", attrs...)
	} else {
		slog.Warn("context budget", attrs...)
	}
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
