package tools

import (
	"context"
	"encoding/json"
	"testing"
)

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	name  string
	modes []Mode
	risk  RiskLevel
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Group() string       { return "test" }
func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (s *stubTool) AllowedModes() []Mode { return s.modes }
func (s *stubTool) Risk() RiskLevel      { return s.risk }
func (s *stubTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	return NewResult("ok")
}

func newTestRegistry(t *testing.T, tools ...Tool) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t, &stubTool{name: "alpha", modes: []Mode{ModeChatSafe}})
	if err := r.Register(&stubTool{name: "alpha"}); err == nil {
		t.Fatal("expected error registering duplicate name")
	}
	if err := r.Register(&stubTool{name: ""}); err == nil {
		t.Fatal("expected error registering empty name")
	}
}

func TestCheckMode(t *testing.T) {
	r := newTestRegistry(t,
		&stubTool{name: "safe", modes: []Mode{ModeChatSafe, ModeAgent}, risk: RiskLow},
		&stubTool{name: "risky", modes: []Mode{ModeAgent}, risk: RiskHigh},
		&stubTool{name: "orphan", modes: nil, risk: RiskHigh},
	)

	tests := []struct {
		name string
		tool string
		mode Mode
		want bool
	}{
		{"safe tool in chat_safe", "safe", ModeChatSafe, true},
		{"safe tool in agent", "safe", ModeAgent, true},
		{"risky tool denied in chat_safe", "risky", ModeChatSafe, false},
		{"risky tool allowed in agent", "risky", ModeAgent, true},
		{"no declared modes is callable nowhere", "orphan", ModeChatSafe, false},
		{"no declared modes even in agent", "orphan", ModeAgent, false},
		{"unknown tool", "ghost", ModeChatSafe, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.CheckMode(tt.tool, tt.mode); got != tt.want {
				t.Errorf("CheckMode(%q, %q) = %v, want %v", tt.tool, tt.mode, got, tt.want)
			}
		})
	}
}

func TestLookupDistinguishesUnknownFromDenied(t *testing.T) {
	r := newTestRegistry(t, &stubTool{name: "risky", modes: []Mode{ModeAgent}})

	if _, ok := r.Lookup("risky"); !ok {
		t.Error("Lookup(risky) = not found, want found even though mode-denied")
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Error("Lookup(ghost) = found, want not found")
	}
}

func TestOverridesOnlyRestrict(t *testing.T) {
	r := newTestRegistry(t, &stubTool{name: "risky", modes: []Mode{ModeAgent}})

	t.Run("override cannot expand beyond declared modes", func(t *testing.T) {
		r.SetOverride("risky", []Mode{ModeChatSafe, ModeAgent})
		if r.CheckMode("risky", ModeChatSafe) {
			t.Error("override granted chat_safe to a tool that never declared it")
		}
		if !r.CheckMode("risky", ModeAgent) {
			t.Error("override removed a mode it listed")
		}
	})

	t.Run("empty override restricts everything", func(t *testing.T) {
		r.SetOverride("risky", []Mode{})
		if r.CheckMode("risky", ModeAgent) {
			t.Error("empty override left tool callable")
		}
	})

	t.Run("nil clears the override", func(t *testing.T) {
		r.SetOverride("risky", nil)
		if !r.CheckMode("risky", ModeAgent) {
			t.Error("clearing override did not restore declared modes")
		}
	})
}

func TestListToolsFiltersAndSorts(t *testing.T) {
	r := newTestRegistry(t,
		&stubTool{name: "zeta", modes: []Mode{ModeChatSafe}},
		&stubTool{name: "alpha", modes: []Mode{ModeChatSafe}},
		&stubTool{name: "risky", modes: []Mode{ModeAgent}},
	)

	list := r.ListTools(ModeChatSafe)
	if len(list) != 2 {
		t.Fatalf("ListTools(chat_safe) returned %d tools, want 2", len(list))
	}
	if list[0].Name() != "alpha" || list[1].Name() != "zeta" {
		t.Errorf("ListTools order = [%s %s], want [alpha zeta]", list[0].Name(), list[1].Name())
	}
}

func TestSchemasShape(t *testing.T) {
	r := newTestRegistry(t, &stubTool{name: "alpha", modes: []Mode{ModeChatSafe}})

	defs := r.Schemas(ModeChatSafe)
	if len(defs) != 1 {
		t.Fatalf("Schemas returned %d definitions, want 1", len(defs))
	}
	def := defs[0]
	if def.Type != "function" {
		t.Errorf("definition type = %q, want function", def.Type)
	}
	if def.Function.Name != "alpha" {
		t.Errorf("function name = %q, want alpha", def.Function.Name)
	}
	if def.Function.Parameters == nil {
		t.Error("function parameters missing")
	}
}

func TestCodedResultCarriesErrorCode(t *testing.T) {
	res := CodedResult("MODE_DENIED", "tool read_file is not available in chat_safe mode", "answer without the tool")
	if !res.IsError {
		t.Error("coded result not flagged as error")
	}
	var decoded StructuredError
	if err := json.Unmarshal([]byte(res.ForLLM), &decoded); err != nil {
		t.Fatalf("coded result is not valid JSON: %v", err)
	}
	if decoded.ErrorCode != "MODE_DENIED" {
		t.Errorf("error_code = %q, want MODE_DENIED", decoded.ErrorCode)
	}
	if decoded.NextAction == "" {
		t.Error("next_action dropped")
	}
}
