package compact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/guard"
	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/internal/tokens"
)

type stubClient struct {
	responses []string
	err       error
	calls     int
	lastReq   providers.ChatRequest
}

func (s *stubClient) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &providers.ChatResponse{
		Content: s.responses[idx],
		Usage:   providers.Usage{CompletionTokens: 42},
	}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, req providers.ChatRequest, onEvent func(providers.StreamEvent) error) (*providers.ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *stubClient) Name() string         { return "stub" }
func (s *stubClient) DefaultModel() string { return "stub-model" }

// stubChecker passes anchor validation from call number passOn onward;
// passOn 0 always fails.
type stubChecker struct {
	passOn int
	calls  int
}

func (s *stubChecker) PreLLM(prompt string) guard.CheckResult {
	s.calls++
	if s.passOn != 0 && s.calls >= s.passOn {
		return guard.CheckResult{Passed: true}
	}
	return guard.CheckResult{Passed: false, MissingAnchors: []string{"Operating Rules"}}
}

const summaryJSON = `{"facts":["user works at ACME"],"decisions":["move standup to 10am"],"open_todos":[],"user_prefs":["espresso"],"timeline":[]}`

func testEngine(client providers.Client, checker AnchorChecker, mutate func(*config.CompactionConfig)) *Engine {
	cfg := config.Default().Compaction
	cfg.MinPreservedTurns = 1
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewEngine(client, checker, &tokens.Counter{}, cfg)
	e.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	return e
}

// longHistory builds three completed turns plus the current user
// message, with enough text that the summary budget clears the
// minimum.
func longHistory() []store.Message {
	long := strings.Repeat("the quarterly report revenue breakdown needs work ", 20)
	return []store.Message{
		msg(1, "user", long),
		msg(2, "assistant", long),
		msg(3, "user", long),
		msg(4, "assistant", long),
		msg(5, "user", "short question"),
		msg(6, "assistant", "short answer"),
		msg(7, "user", "current message"),
	}
}

func baseRequest(history []store.Message) Request {
	return Request{
		SessionID:       "sess-1",
		History:         history,
		CurrentUserSeq:  7,
		PreviousSummary: "earlier summary",
		SystemPrompt:    "You are NeoMAGI.",
	}
}

func TestCompactSuccess(t *testing.T) {
	client := &stubClient{responses: []string{summaryJSON}}
	e := testEngine(client, &stubChecker{passOn: 1}, nil)

	res, err := e.Compact(context.Background(), baseRequest(longHistory()))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Status != store.CompactionStatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	if res.NewCompactionSeq != 4 {
		t.Errorf("watermark = %d, want 4", res.NewCompactionSeq)
	}
	if !strings.Contains(res.Summary, "Facts:") || !strings.Contains(res.Summary, "espresso") {
		t.Errorf("summary = %q", res.Summary)
	}
	if len(res.Preserved) != 2 || res.Preserved[0].Seq != 5 {
		t.Errorf("preserved = %+v", res.Preserved)
	}
	if len(res.FlushCandidates) == 0 {
		t.Error("no flush candidates from compressible user messages")
	}

	meta := res.Metadata
	if meta.SchemaVersion != 1 || meta.Status != store.CompactionStatusSuccess {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.PreservedTurns != 1 || meta.SummarizedTurns != 2 {
		t.Errorf("turn counts = %d preserved, %d summarized", meta.PreservedTurns, meta.SummarizedTurns)
	}
	if meta.FlushSkipped {
		t.Error("flush skipped on a healthy run")
	}
	if !meta.AnchorValidated || meta.AnchorRetried {
		t.Errorf("anchor flags = validated %v retried %v", meta.AnchorValidated, meta.AnchorRetried)
	}
	if meta.InputTokens == 0 || meta.OutputTokens != 42 {
		t.Errorf("token counts = %d in, %d out", meta.InputTokens, meta.OutputTokens)
	}
	if client.calls != 1 {
		t.Errorf("model calls = %d, want 1", client.calls)
	}
	if client.lastReq.Temperature != e.cfg.SummaryTemperature {
		t.Errorf("temperature = %v", client.lastReq.Temperature)
	}
	if !strings.Contains(client.lastReq.Messages[1].Content, "Existing context: earlier summary") {
		t.Error("previous summary missing from the model input")
	}
}

func TestCompactNoop(t *testing.T) {
	client := &stubClient{responses: []string{summaryJSON}}

	t.Run("empty history", func(t *testing.T) {
		e := testEngine(client, &stubChecker{passOn: 1}, nil)
		res, err := e.Compact(context.Background(), baseRequest(nil))
		if err != nil || !res.Noop() {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})

	t.Run("everything already compacted", func(t *testing.T) {
		e := testEngine(client, &stubChecker{passOn: 1}, nil)
		req := baseRequest(longHistory())
		req.LastCompactionSeq = 4
		res, err := e.Compact(context.Background(), req)
		if err != nil || !res.Noop() {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})

	t.Run("too few completed turns", func(t *testing.T) {
		e := testEngine(client, &stubChecker{passOn: 1}, func(c *config.CompactionConfig) {
			c.MinPreservedTurns = 5
		})
		res, err := e.Compact(context.Background(), baseRequest(longHistory()))
		if err != nil || !res.Noop() {
			t.Fatalf("res = %+v, err = %v", res, err)
		}
	})

	if client.calls != 0 {
		t.Errorf("model calls = %d, noop must not invoke the model", client.calls)
	}
}

func TestCompactDegradedShortInput(t *testing.T) {
	client := &stubClient{responses: []string{summaryJSON}}
	e := testEngine(client, &stubChecker{passOn: 1}, nil)

	history := []store.Message{
		msg(1, "user", "hi"),
		msg(2, "assistant", "hello"),
		msg(3, "user", "more"),
		msg(4, "assistant", "sure"),
		msg(5, "user", "ok then"),
		msg(6, "assistant", "done"),
		msg(7, "user", "current"),
	}
	res, err := e.Compact(context.Background(), baseRequest(history))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Status != store.CompactionStatusDegraded {
		t.Fatalf("status = %q, want degraded", res.Status)
	}
	if client.calls != 0 {
		t.Errorf("model calls = %d, tiny input must skip the model", client.calls)
	}
	if res.Summary != "earlier summary" {
		t.Errorf("summary = %q, want previous preserved", res.Summary)
	}
	if res.NewCompactionSeq != 4 {
		t.Errorf("watermark = %d, must advance even when degraded", res.NewCompactionSeq)
	}
}

func TestCompactDegradedModelFailure(t *testing.T) {
	client := &stubClient{err: errors.New("upstream 500")}
	e := testEngine(client, &stubChecker{passOn: 1}, nil)

	res, err := e.Compact(context.Background(), baseRequest(longHistory()))
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Status != store.CompactionStatusDegraded {
		t.Fatalf("status = %q, want degraded", res.Status)
	}
	if res.Summary != "earlier summary" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.NewCompactionSeq != 4 {
		t.Errorf("watermark = %d", res.NewCompactionSeq)
	}
}

func TestCompactAnchorRetry(t *testing.T) {
	t.Run("retry recovers", func(t *testing.T) {
		client := &stubClient{responses: []string{summaryJSON}}
		checker := &stubChecker{passOn: 2}
		e := testEngine(client, checker, nil)

		res, err := e.Compact(context.Background(), baseRequest(longHistory()))
		if err != nil {
			t.Fatalf("compact: %v", err)
		}
		if res.Status != store.CompactionStatusSuccess {
			t.Errorf("status = %q", res.Status)
		}
		if !res.Metadata.AnchorRetried || !res.Metadata.AnchorValidated {
			t.Errorf("anchor flags = %+v", res.Metadata)
		}
		if client.calls != 2 {
			t.Errorf("model calls = %d, want 2", client.calls)
		}
	})

	t.Run("retry exhausted degrades", func(t *testing.T) {
		client := &stubClient{responses: []string{summaryJSON}}
		checker := &stubChecker{passOn: 0}
		e := testEngine(client, checker, nil)

		res, err := e.Compact(context.Background(), baseRequest(longHistory()))
		if err != nil {
			t.Fatalf("compact: %v", err)
		}
		if res.Status != store.CompactionStatusDegraded {
			t.Errorf("status = %q", res.Status)
		}
		if res.Metadata.AnchorValidated {
			t.Error("validation flag set despite failing checks")
		}
		if !res.Metadata.AnchorRetried {
			t.Error("retry flag not set")
		}
		if res.NewCompactionSeq != 4 {
			t.Errorf("watermark = %d", res.NewCompactionSeq)
		}
	})

	t.Run("retry disabled", func(t *testing.T) {
		client := &stubClient{responses: []string{summaryJSON}}
		checker := &stubChecker{passOn: 0}
		e := testEngine(client, checker, func(c *config.CompactionConfig) { c.AnchorRetry = false })

		res, err := e.Compact(context.Background(), baseRequest(longHistory()))
		if err != nil {
			t.Fatalf("compact: %v", err)
		}
		if res.Status != store.CompactionStatusDegraded {
			t.Errorf("status = %q", res.Status)
		}
		if res.Metadata.AnchorRetried {
			t.Error("retried despite disabled retry")
		}
		if client.calls != 1 {
			t.Errorf("model calls = %d, want 1", client.calls)
		}
	})
}

func TestRenderSummary(t *testing.T) {
	t.Run("fenced json", func(t *testing.T) {
		got := renderSummary("```json\n" + summaryJSON + "\n```")
		if !strings.Contains(got, "Facts:\n- user works at ACME") {
			t.Errorf("rendered = %q", got)
		}
		if strings.Contains(got, "Open TODOs") {
			t.Error("empty section rendered")
		}
	})

	t.Run("non-json kept verbatim", func(t *testing.T) {
		raw := "The user mostly discussed the ACME report."
		if got := renderSummary(raw); got != raw {
			t.Errorf("rendered = %q", got)
		}
	})
}

func TestResultRecord(t *testing.T) {
	res := &Result{
		Status:           store.CompactionStatusSuccess,
		Summary:          "sum",
		NewCompactionSeq: 4,
		Metadata:         store.CompactionMetadata{SchemaVersion: 1},
	}
	rec, err := res.Record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if string(rec.FlushCandidates) != "[]" {
		t.Errorf("flush candidates = %s, want empty array not null", rec.FlushCandidates)
	}
	if rec.Summary != "sum" || rec.NewCompactionSeq != 4 {
		t.Errorf("record = %+v", rec)
	}
}
