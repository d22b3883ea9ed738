package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/neomagi/neomagi/internal/providers"
)

// Registry keeps the name → tool map plus an optional override-mode-set per
// tool. Overrides only restrict: the effective membership is always the
// intersection of the tool's declared modes and the override, so no
// configuration can grant a tool a mode it never declared.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	overrides map[string][]Mode
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		overrides: make(map[string][]Mode),
	}
}

// Register adds a tool. Registering the same name twice is a wiring bug.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Unregister removes a tool and any override it carried. Unknown names
// are a no-op. Used when an external tool source disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.overrides, name)
}

// SetOverride replaces the override mode set for a tool. An empty (non-nil)
// set restricts the tool out of every mode; passing nil clears the override.
func (r *Registry) SetOverride(name string, modes []Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if modes == nil {
		delete(r.overrides, name)
		return
	}
	cp := make([]Mode, len(modes))
	copy(cp, modes)
	r.overrides[name] = cp
}

// Lookup returns the tool regardless of mode membership. Callers use it to
// tell an unknown tool apart from a mode denial.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// CheckMode is the authoritative gate: true only when the tool exists and the
// mode is in its effective membership. Unknown tools return false, but that
// is not a mode denial; use Lookup first when the distinction matters.
func (r *Registry) CheckMode(name string, mode Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	return modeAllowed(r.effectiveModes(t), mode)
}

// ListTools returns the tools callable in the given mode, sorted by name so
// the schema order handed to the model is deterministic.
func (r *Registry) ListTools(mode Mode) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		if modeAllowed(r.effectiveModes(t), mode) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas materializes the function-call definitions for every tool callable
// in the given mode.
func (r *Registry) Schemas(mode Mode) []providers.ToolDefinition {
	list := r.ListTools(mode)
	defs := make([]providers.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, ToProviderDef(t))
	}
	return defs
}

// ToProviderDef converts a tool into the wire-format definition sent to the
// chat-completions endpoint.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// effectiveModes intersects the tool's declared modes with its override, if
// any. Callers must hold r.mu.
func (r *Registry) effectiveModes(t Tool) []Mode {
	base := t.AllowedModes()
	override, ok := r.overrides[t.Name()]
	if !ok {
		return base
	}
	allowed := make(map[Mode]bool, len(override))
	for _, m := range override {
		allowed[m] = true
	}
	var out []Mode
	for _, m := range base {
		if allowed[m] {
			out = append(out, m)
		}
	}
	return out
}

func modeAllowed(modes []Mode, mode Mode) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
