// Package guard checks that the safety contract written into the workspace
// anchor files is actually visible to the model, and gates tool execution
// on the result.
package guard

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/neomagi/neomagi/internal/tools"
	"github.com/neomagi/neomagi/internal/workspace"
	"github.com/neomagi/neomagi/pkg/protocol"
)

// CheckResult is the outcome of a pre-LLM anchor check.
type CheckResult struct {
	Passed         bool
	MissingAnchors []string
}

// Blocked reports a tool call stopped by the guard. Nil means allowed.
type Blocked struct {
	Code    string
	Message string
}

// Guardrail loads the contract lazily and re-reads it only when the anchor
// files' hash changes, so a mid-run edit cannot leave a stale contract in
// force.
type Guardrail struct {
	ws *workspace.Workspace

	mu       sync.Mutex
	contract *Contract
}

func New(ws *workspace.Workspace) *Guardrail {
	return &Guardrail{ws: ws}
}

// Contract returns the current contract, refreshing it when the files
// changed. The returned value is shared; callers must not mutate it.
func (g *Guardrail) Contract() (*Contract, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.contract != nil {
		hash, err := sourceHash(g.ws)
		if err != nil {
			return nil, err
		}
		if hash == g.contract.SourceHash {
			return g.contract, nil
		}
		slog.Info("guard contract changed, reloading", "old_hash", short(g.contract.SourceHash), "new_hash", short(hash))
	}

	c, err := loadContract(g.ws)
	if err != nil {
		return nil, err
	}
	g.contract = c
	return c, nil
}

// PreLLM verifies every anchor phrase appears in the composed prompt.
// Detection only: it never blocks the model call and never returns an
// error. A load failure degrades to a passing result with a warning so a
// broken disk cannot take chat down.
func (g *Guardrail) PreLLM(prompt string) CheckResult {
	c, err := g.Contract()
	if err != nil {
		slog.Warn("guard contract unavailable, skipping anchor check", "error", err)
		return CheckResult{Passed: true}
	}

	var missing []string
	for _, anchor := range c.Anchors {
		if !strings.Contains(prompt, anchor) {
			missing = append(missing, anchor)
		}
	}
	if len(missing) > 0 {
		slog.Warn("guard anchors missing from prompt",
			"missing", missing,
			"total_anchors", len(c.Anchors),
			"source_hash", short(c.SourceHash),
		)
		return CheckResult{Passed: false, MissingAnchors: missing}
	}
	return CheckResult{Passed: true}
}

// PreTool gates one tool call on the pre-LLM result and the tool's risk.
// High-risk tools are blocked when anchors were missing; low-risk tools
// proceed under a degraded-audit log.
func (g *Guardrail) PreTool(check CheckResult, toolName string, risk tools.RiskLevel) *Blocked {
	if check.Passed {
		return nil
	}
	if risk != tools.RiskHigh {
		slog.Warn("guard degraded audit: low-risk tool allowed with anchors missing",
			"tool", toolName,
			"missing", check.MissingAnchors,
		)
		return nil
	}
	return &Blocked{
		Code: protocol.CodeGuardAnchorMissing,
		Message: "safety contract anchors are missing from the prompt; high-risk tool " +
			toolName + " is blocked until the contract is visible",
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
