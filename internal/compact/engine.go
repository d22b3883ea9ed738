package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/guard"
	"github.com/neomagi/neomagi/internal/memory"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/internal/tokens"
)

const (
	compactionSchemaVersion = 1

	// summaryRatio bounds the summary to a fraction of its input; below
	// minSummaryTokens the model call is not worth making.
	summaryRatio     = 0.3
	minSummaryTokens = 100
)

const summarySystemPrompt = `You compress conversation history for an AI assistant. Reply with a single JSON object, no prose, using exactly this shape:
{"facts": [], "decisions": [], "open_todos": [], "user_prefs": [], "timeline": []}
Each array holds short plain-text strings. Include only information stated in the conversation.`

// AnchorChecker validates that the safety contract stays visible in a
// rebuilt prompt.
type AnchorChecker interface {
	PreLLM(prompt string) guard.CheckResult
}

// Engine produces rolling-summary compactions. It never writes to the
// store itself; the caller owns persistence and fencing.
type Engine struct {
	client  providers.Client
	checker AnchorChecker
	counter *tokens.Counter
	cfg     config.CompactionConfig
	now     func() time.Time
}

func NewEngine(client providers.Client, checker AnchorChecker, counter *tokens.Counter, cfg config.CompactionConfig) *Engine {
	return &Engine{
		client:  client,
		checker: checker,
		counter: counter,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Request carries one compaction's inputs. History is the effective
// history including the current user message; CurrentUserSeq marks
// where the in-flight turn begins.
type Request struct {
	SessionID         string
	History           []store.Message
	CurrentUserSeq    int64
	LastCompactionSeq int64
	PreviousSummary   string
	SystemPrompt      string
}

// Result is one compaction outcome. Status noop means nothing changed
// and nothing may be stored.
type Result struct {
	Status           string
	Summary          string
	NewCompactionSeq int64
	FlushCandidates  []memory.FlushCandidate
	Preserved        []store.Message
	Metadata         store.CompactionMetadata
}

func (r *Result) Noop() bool { return r.Status == store.CompactionStatusNoop }

// Record converts the result to its storable form. Callers must not
// store noop results.
func (r *Result) Record() (store.CompactionRecord, error) {
	cands := r.FlushCandidates
	if cands == nil {
		cands = []memory.FlushCandidate{}
	}
	raw, err := json.Marshal(cands)
	if err != nil {
		return store.CompactionRecord{}, fmt.Errorf("marshal flush candidates: %w", err)
	}
	return store.CompactionRecord{
		Summary:          r.Summary,
		NewCompactionSeq: r.NewCompactionSeq,
		Metadata:         r.Metadata,
		FlushCandidates:  raw,
	}, nil
}

// Compact runs one compaction. Model failures degrade rather than
// fail: the watermark still advances and the previous summary is kept,
// so a broken summarizer can never wedge a session at the context
// ceiling.
func (e *Engine) Compact(ctx context.Context, req Request) (*Result, error) {
	zones := SplitZones(SplitTurns(req.History), req.CurrentUserSeq, req.LastCompactionSeq, e.cfg.MinPreservedTurns)
	if len(zones.Compressible) == 0 || len(zones.Preserved) == 0 {
		return &Result{Status: store.CompactionStatusNoop}, nil
	}

	compressed := Flatten(zones.Compressible)
	preserved := Flatten(zones.Preserved)
	sourceText := renderMessages(compressed)
	inputTokens := e.counter.CountText(sourceText)

	meta := store.CompactionMetadata{
		SchemaVersion:   compactionSchemaVersion,
		PreservedTurns:  len(zones.Preserved),
		SummarizedTurns: len(zones.Compressible),
		TriggeredAt:     e.now().UTC(),
		InputTokens:     inputTokens,
	}

	candidates, flushSkipped := e.extractFlush(ctx, compressed, req.SessionID)
	meta.FlushSkipped = flushSkipped

	status := store.CompactionStatusSuccess
	summary := req.PreviousSummary

	maxOut := int(float64(inputTokens) * summaryRatio)
	if maxOut < minSummaryTokens {
		status = store.CompactionStatusDegraded
	} else if newSummary, outTokens, err := e.summarize(ctx, req.PreviousSummary, sourceText, maxOut); err != nil {
		slog.Warn("compaction summary failed", "session", req.SessionID, "error", err)
		status = store.CompactionStatusDegraded
	} else {
		summary = newSummary
		meta.OutputTokens = outTokens

		check := e.checker.PreLLM(anchorProbe(req.SystemPrompt, summary, preserved))
		if !check.Passed && e.cfg.AnchorRetry {
			meta.AnchorRetried = true
			if retried, retriedTokens, rerr := e.summarize(ctx, req.PreviousSummary, sourceText, maxOut); rerr == nil {
				summary = retried
				meta.OutputTokens = retriedTokens
				check = e.checker.PreLLM(anchorProbe(req.SystemPrompt, summary, preserved))
			}
		}
		meta.AnchorValidated = check.Passed
		if !check.Passed {
			status = store.CompactionStatusDegraded
			slog.Warn("compacted prompt failed anchor validation",
				"session", req.SessionID, "missing", len(check.MissingAnchors))
		}
	}

	meta.Status = status
	return &Result{
		Status:           status,
		Summary:          summary,
		NewCompactionSeq: zones.Watermark(req.CurrentUserSeq),
		FlushCandidates:  candidates,
		Preserved:        preserved,
		Metadata:         meta,
	}, nil
}

type flushOut struct {
	cands []memory.FlushCandidate
	ok    bool
}

// extractFlush runs candidate extraction under its own timeout.
// Timeouts and panics surface as skipped, never as a failed compaction.
func (e *Engine) extractFlush(ctx context.Context, msgs []store.Message, sessionID string) ([]memory.FlushCandidate, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FlushTimeout())
	defer cancel()

	done := make(chan flushOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("memory flush extraction panicked", "session", sessionID, "panic", r)
				done <- flushOut{}
			}
		}()
		done <- flushOut{cands: memory.ExtractCandidates(msgs, sessionID, e.cfg), ok: true}
	}()

	select {
	case out := <-done:
		return out.cands, !out.ok
	case <-ctx.Done():
		slog.Warn("memory flush extraction timed out", "session", sessionID)
		return nil, true
	}
}

func (e *Engine) summarize(ctx context.Context, previous, sourceText string, maxTokens int) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CompactTimeout())
	defer cancel()

	var user strings.Builder
	if previous != "" {
		user.WriteString("Existing context: " + previous + "\n\n")
	}
	user.WriteString("Conversation:\n" + sourceText)

	resp, err := e.client.Chat(ctx, providers.ChatRequest{
		Model:       e.client.DefaultModel(),
		MaxTokens:   maxTokens,
		Temperature: e.cfg.SummaryTemperature,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: summarySystemPrompt},
			{Role: providers.RoleUser, Content: user.String()},
		},
	})
	if err != nil {
		return "", 0, err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", 0, fmt.Errorf("model returned an empty summary")
	}

	outTokens := resp.Usage.CompletionTokens
	if outTokens == 0 {
		outTokens = e.counter.CountText(content)
	}
	return renderSummary(content), outTokens, nil
}

type summaryDoc struct {
	Facts     []string `json:"facts"`
	Decisions []string `json:"decisions"`
	OpenTodos []string `json:"open_todos"`
	UserPrefs []string `json:"user_prefs"`
	Timeline  []string `json:"timeline"`
}

// renderSummary turns the model's JSON into readable labeled bullets.
// Anything that does not parse is kept as-is; a malformed summary is
// still better than none.
func renderSummary(content string) string {
	text := stripCodeFence(content)

	var doc summaryDoc
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return content
	}
	sections := []struct {
		label string
		items []string
	}{
		{"Facts", doc.Facts},
		{"Decisions", doc.Decisions},
		{"Open TODOs", doc.OpenTodos},
		{"User preferences", doc.UserPrefs},
		{"Timeline", doc.Timeline},
	}
	var b strings.Builder
	for _, s := range sections {
		if len(s.items) == 0 {
			continue
		}
		b.WriteString(s.label + ":\n")
		for _, item := range s.items {
			b.WriteString("- " + item + "\n")
		}
		b.WriteString("\n")
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return content
	}
	return out
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

func anchorProbe(systemPrompt, summary string, preserved []store.Message) string {
	return systemPrompt + "\n\n" + summary + "\n\n" + renderMessages(preserved)
}

// renderMessages flattens messages to role-labeled lines for the
// summarizer input.
func renderMessages(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "user: %s\n", m.Content)
		case "assistant":
			if m.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "assistant called %s(%s)\n", tc.Name, tc.Arguments)
			}
		case "tool":
			fmt.Fprintf(&b, "tool result: %s\n", m.Content)
		}
	}
	return b.String()
}
