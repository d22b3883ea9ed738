package tokens

// Status classifies context usage against the compaction thresholds.
type Status string

const (
	StatusOK            Status = "ok"
	StatusWarn          Status = "warn"
	StatusCompactNeeded Status = "compact_needed"
)

// Tracker evaluates context usage against a model's context window.
// The usable budget excludes the output reservation and safety margin.
type Tracker struct {
	ContextLimit   int
	ReservedOutput int
	SafetyMargin   int
	WarnRatio      float64
	CompactRatio   float64
}

// BudgetStatus is one evaluation of current usage.
type BudgetStatus struct {
	Status           Status
	CurrentTokens    int
	UsableBudget     int
	WarnThreshold    int
	CompactThreshold int
	TokenizerMode    string
}

// Usable returns limit minus output reservation minus safety margin.
func (t *Tracker) Usable() int {
	return t.ContextLimit - t.ReservedOutput - t.SafetyMargin
}

// Evaluate classifies the sum of prompt, history and tool-schema
// tokens. Thresholds are inclusive: usage exactly at a threshold
// already has that status.
func (t *Tracker) Evaluate(promptTokens, historyTokens, toolTokens int, mode string) BudgetStatus {
	usable := t.Usable()
	warnAt := int(float64(usable) * t.WarnRatio)
	compactAt := int(float64(usable) * t.CompactRatio)
	current := promptTokens + historyTokens + toolTokens

	status := StatusOK
	switch {
	case current >= compactAt:
		status = StatusCompactNeeded
	case current >= warnAt:
		status = StatusWarn
	}

	return BudgetStatus{
		Status:           status,
		CurrentTokens:    current,
		UsableBudget:     usable,
		WarnThreshold:    warnAt,
		CompactThreshold: compactAt,
		TokenizerMode:    mode,
	}
}
