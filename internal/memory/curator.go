package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/workspace"
)

const (
	defaultCuratorLookbackDays = 14
	defaultCuratorMaxTokens    = 2048
	defaultCuratorTimeout      = 2 * time.Minute
)

const curatorSystemPrompt = `You maintain MEMORY.md, the long-term memory file of a personal AI assistant.

You receive the current MEMORY.md and recent daily-note entries. Rewrite MEMORY.md so it holds the distilled, durable knowledge about the user: preferences, facts, ongoing projects, boundaries.

Rules:
- Organize the document under "## " section headings.
- Merge new observations into existing sections; drop duplicates and stale items.
- Keep only durable knowledge. Day-to-day chatter does not belong here.
- Never invent facts that are not in the input.
- Output the complete markdown document and nothing else.`

// Curator periodically consolidates recent daily notes into MEMORY.md
// using an LLM, then reindexes the curated rows. Only main-scope
// entries are consolidated: peer-scoped memory never crosses into the
// shared memory file.
type Curator struct {
	ws      *workspace.Workspace
	indexer *Indexer
	client  providers.Client
	cron    string

	lookbackDays int
	maxTokens    int
	timeout      time.Duration
	temperature  float64
	now          func() time.Time

	closeCh chan struct{}
	closed  sync.Once
}

// NewCurator builds a Curator. cronExpr follows standard five-field
// cron; an invalid expression is rejected here rather than at first
// tick.
func NewCurator(ws *workspace.Workspace, indexer *Indexer, client providers.Client, cronExpr string, temperature float64) (*Curator, error) {
	if _, err := gronx.NextTickAfter(cronExpr, time.Now(), false); err != nil {
		return nil, fmt.Errorf("curator cron %q: %w", cronExpr, err)
	}
	return &Curator{
		ws:           ws,
		indexer:      indexer,
		client:       client,
		cron:         cronExpr,
		lookbackDays: defaultCuratorLookbackDays,
		maxTokens:    defaultCuratorMaxTokens,
		timeout:      defaultCuratorTimeout,
		temperature:  temperature,
		now:          time.Now,
		closeCh:      make(chan struct{}),
	}, nil
}

// Start runs the cron loop until Close. Each pass computes the next
// due time instead of polling, so a curator scheduled weekly costs one
// sleeping goroutine.
func (c *Curator) Start() {
	go func() {
		for {
			next, err := gronx.NextTickAfter(c.cron, c.now(), false)
			if err != nil {
				slog.Error("curator schedule broken", "cron", c.cron, "error", err)
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-timer.C:
				if err := c.RunOnce(context.Background()); err != nil {
					slog.Warn("memory curation failed", "error", err)
				}
			case <-c.closeCh:
				timer.Stop()
				return
			}
		}
	}()
	slog.Info("memory curator started", "cron", c.cron)
}

// Close stops the cron loop. Safe to call more than once.
func (c *Curator) Close() {
	c.closed.Do(func() { close(c.closeCh) })
}

// RunOnce consolidates now. The MEMORY.md write lands before the index
// commit; if reindexing fails the old file content is restored and the
// index error propagates.
func (c *Curator) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	observations := c.collectObservations()
	if observations == "" {
		slog.Debug("memory curation skipped, no recent entries")
		return nil
	}

	current, err := c.ws.LoadFile(workspace.MemoryFile)
	if err != nil {
		return fmt.Errorf("curate memory: %w", err)
	}

	curated, err := c.consolidate(ctx, current, observations)
	if err != nil {
		return fmt.Errorf("curate memory: %w", err)
	}

	if err := c.ws.SaveFile(workspace.MemoryFile, curated); err != nil {
		return fmt.Errorf("curate memory: %w", err)
	}
	rows, err := c.indexer.ReindexCurated(ctx)
	if err != nil {
		if rerr := c.ws.SaveFile(workspace.MemoryFile, current); rerr != nil {
			slog.Error("curated memory rollback failed", "error", rerr)
		}
		return fmt.Errorf("curate memory: %w", err)
	}

	slog.Info("memory curated",
		"bytes", len(curated), "sections", rows, "provider", c.client.Name())
	return nil
}

// collectObservations gathers main-scope entries from the lookback
// window, newest day last. Today is excluded; it is still being written.
func (c *Curator) collectObservations() string {
	var b strings.Builder
	today := c.now().UTC()
	for back := c.lookbackDays; back >= 1; back-- {
		day := today.AddDate(0, 0, -back)
		content, err := c.ws.LoadDailyNote(day)
		if err != nil || content == "" {
			continue
		}
		entries := FilterScope(ParseEntries(content), ScopeMain)
		if len(entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "### %s\n", day.Format("2006-01-02"))
		for _, e := range entries {
			b.WriteString(e.Body)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func (c *Curator) consolidate(ctx context.Context, current, observations string) (string, error) {
	userMsg := fmt.Sprintf("Current MEMORY.md:\n\n%s\n\nRecent daily-note entries:\n\n%s", current, observations)
	resp, err := c.client.Chat(ctx, providers.ChatRequest{
		Model:       c.client.DefaultModel(),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: curatorSystemPrompt},
			{Role: providers.RoleUser, Content: userMsg},
		},
	})
	if err != nil {
		return "", err
	}
	curated := strings.TrimSpace(resp.Content)
	if curated == "" {
		return "", fmt.Errorf("model returned an empty memory document")
	}
	if !strings.HasPrefix(curated, "# ") {
		curated = "# Long-Term Memory\n\n" + curated
	}
	return curated + "\n", nil
}
