package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current date and time, optionally in a
// requested IANA timezone.
type CurrentTimeTool struct {
	// now is swappable for tests.
	now func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string  { return "current_time" }
func (t *CurrentTimeTool) Group() string { return "utility" }
func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific timezone"
}

func (t *CurrentTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name such as Europe/Berlin. Defaults to UTC.",
			},
		},
	}
}

func (t *CurrentTimeTool) AllowedModes() []Mode { return []Mode{ModeChatSafe, ModeAgent} }
func (t *CurrentTimeTool) Risk() RiskLevel      { return RiskLow }

func (t *CurrentTimeTool) Execute(ctx context.Context, tc ToolContext, args map[string]interface{}) *Result {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResultf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	now := t.now().In(loc)
	return NewResult(fmt.Sprintf("%s (%s)", now.Format("2006-01-02 15:04:05 MST"), now.Weekday()))
}
