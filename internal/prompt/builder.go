// Package prompt assembles the system prompt from its ordered layers:
// identity, tooling, safety, skills, workspace context, compacted context,
// memory recall, and the clock line. Empty layers are skipped.
package prompt

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/memory"
	"github.com/neomagi/neomagi/internal/store"
	"github.com/neomagi/neomagi/internal/tokens"
	"github.com/neomagi/neomagi/internal/tools"
	"github.com/neomagi/neomagi/internal/workspace"
)

const (
	truncationMarker = "\n[... truncated ...]"
	summaryLabel     = "[Previous conversation summary]"
)

// Input is the per-request state the builder folds into the prompt.
type Input struct {
	Mode     tools.Mode
	ScopeKey string

	// Summary is the rolling compaction summary, empty when none.
	Summary string

	// Recall holds memory search results to surface, already scoped.
	Recall []store.MemorySearchResult
}

// Builder assembles system prompts. Safe for concurrent use.
type Builder struct {
	ws       *workspace.Workspace
	registry *tools.Registry
	counter  *tokens.Counter

	fileMaxChars     int
	recallEntryChars int
	recallMaxTokens  int

	now func() time.Time
}

func NewBuilder(ws *workspace.Workspace, registry *tools.Registry, counter *tokens.Counter, cfg *config.Config) *Builder {
	return &Builder{
		ws:               ws,
		registry:         registry,
		counter:          counter,
		fileMaxChars:     cfg.Agent.WorkspaceFileMaxChars,
		recallEntryChars: cfg.Memory.RecallEntryChars,
		recallMaxTokens:  cfg.Memory.RecallMaxTokens,
		now:              time.Now,
	}
}

// Build returns the composed system prompt. Unreadable workspace files are
// logged and skipped; the build itself never fails.
func (b *Builder) Build(in Input) string {
	layers := []string{
		b.identityLayer(),
		b.toolingLayer(in.Mode),
		b.safetyLayer(in.Mode),
		b.skillsLayer(),
		b.workspaceLayer(in.ScopeKey),
		b.summaryLayer(in.Summary),
		b.recallLayer(in.Recall),
		b.clockLayer(),
	}

	var nonEmpty []string
	for _, l := range layers {
		if strings.TrimSpace(l) != "" {
			nonEmpty = append(nonEmpty, strings.TrimRight(l, "\n"))
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func (b *Builder) identityLayer() string {
	return "You are NeoMAGI, a personal AI that serves a single user across their connected channels. You remember what matters to them and act within the tools and rules configured in the workspace."
}

func (b *Builder) toolingLayer(mode tools.Mode) string {
	list := b.registry.ListTools(mode)
	notes, err := b.ws.LoadFile(workspace.ToolsFile)
	if err != nil {
		slog.Warn("prompt: failed to load tool notes", "error", err)
	}
	if len(list) == 0 && notes == "" {
		return ""
	}

	var sb strings.Builder
	if len(list) > 0 {
		sb.WriteString("## Tools\n\nYou can call these tools:\n")
		for _, t := range list {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), t.Description())
		}
	}
	if notes != "" {
		sb.WriteString("\n")
		sb.WriteString(b.truncateFile(notes, workspace.ToolsFile))
	}
	return sb.String()
}

// safetyLayer names the tool classes the current mode shuts off, so the
// model can refuse with a reason instead of hallucinating a capability.
func (b *Builder) safetyLayer(mode tools.Mode) string {
	if mode != tools.ModeChatSafe {
		return ""
	}
	disabled := b.disabledGroups(mode)
	var sb strings.Builder
	sb.WriteString("## Safety\n\nYou are running in chat_safe mode.")
	if len(disabled) > 0 {
		fmt.Fprintf(&sb, " These tool classes are disabled: %s.", strings.Join(disabled, ", "))
		sb.WriteString(" When a request needs one of them, say what you cannot do in this mode and offer what you can.")
	}
	return sb.String()
}

// disabledGroups returns the groups that have at least one registered tool
// but none callable in the given mode.
func (b *Builder) disabledGroups(mode tools.Mode) []string {
	enabled := make(map[string]bool)
	for _, t := range b.registry.ListTools(mode) {
		enabled[t.Group()] = true
	}
	seen := make(map[string]bool)
	var disabled []string
	for _, name := range b.registry.Names() {
		t, ok := b.registry.Lookup(name)
		if !ok {
			continue
		}
		g := t.Group()
		if !enabled[g] && !seen[g] {
			seen[g] = true
			disabled = append(disabled, g)
		}
	}
	sort.Strings(disabled)
	return disabled
}

// skillsLayer is reserved; there is no skill loader yet.
func (b *Builder) skillsLayer() string { return "" }

func (b *Builder) workspaceLayer(scopeKey string) string {
	var sb strings.Builder
	for _, name := range workspace.ContextFiles {
		if name == workspace.MemoryFile && scopeKey != memory.ScopeMain {
			continue
		}
		content, err := b.ws.LoadFile(name)
		if err != nil {
			slog.Warn("prompt: failed to load workspace file", "file", name, "error", err)
			continue
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "<!-- %s -->\n%s\n\n", name, strings.TrimRight(b.truncateFile(content, name), "\n"))
	}

	sb.WriteString(b.dailyNotes(scopeKey))
	return strings.TrimRight(sb.String(), "\n")
}

// dailyNotes renders the scope-filtered entries of today's and yesterday's
// notes, one truncated snippet per file.
func (b *Builder) dailyNotes(scopeKey string) string {
	var sb strings.Builder
	now := b.now().UTC()
	for _, date := range []time.Time{now, now.AddDate(0, 0, -1)} {
		content, err := b.ws.LoadDailyNote(date)
		if err != nil {
			slog.Warn("prompt: failed to load daily note", "date", date.Format("2006-01-02"), "error", err)
			continue
		}
		if content == "" {
			continue
		}
		entries := memory.FilterScope(memory.ParseEntries(content), scopeKey)
		if len(entries) == 0 {
			continue
		}
		bodies := make([]string, len(entries))
		for i, e := range entries {
			bodies[i] = e.Body
		}
		day := date.Format("2006-01-02")
		snippet := b.truncateFile(strings.Join(bodies, "\n---\n"), day+".md")
		fmt.Fprintf(&sb, "<!-- memory/%s.md -->\n%s\n\n", day, snippet)
	}
	return sb.String()
}

func (b *Builder) summaryLayer(summary string) string {
	if strings.TrimSpace(summary) == "" {
		return ""
	}
	return summaryLabel + "\n" + summary
}

// recallLayer renders search results as a bulleted block, truncating each
// entry and stopping before the block would cross the token cap.
func (b *Builder) recallLayer(recall []store.MemorySearchResult) string {
	if len(recall) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Recalled memory\n")
	used := b.counter.CountText(sb.String())
	for _, res := range recall {
		line := "- "
		if res.Entry.Title != "" {
			line += res.Entry.Title + ": "
		}
		line += truncateChars(res.Entry.Content, b.recallEntryChars) + "\n"

		cost := b.counter.CountText(line)
		if b.recallMaxTokens > 0 && used+cost > b.recallMaxTokens {
			break
		}
		sb.WriteString(line)
		used += cost
	}
	return sb.String()
}

func (b *Builder) clockLayer() string {
	return "Current time: " + b.now().UTC().Format("2006-01-02 15:04") + " UTC"
}

func (b *Builder) truncateFile(content, name string) string {
	if b.fileMaxChars <= 0 || len(content) <= b.fileMaxChars {
		return content
	}
	slog.Debug("prompt: truncating workspace file", "file", name, "chars", len(content), "budget", b.fileMaxChars)
	return truncateChars(content, b.fileMaxChars) + truncationMarker
}

// truncateChars cuts on a rune boundary at roughly max characters.
func truncateChars(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
