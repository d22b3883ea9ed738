package agent

import (
	"regexp"
	"strings"
)

// Some OpenAI-compatible backends leak reasoning blocks into the
// content field instead of keeping them in a separate channel. They
// are model-internal and must never reach the user or the session
// transcript.
var (
	thinkingBlockRe = regexp.MustCompile(`(?is)<(think|thinking|thought)>.*?</(think|thinking|thought)>`)
	thinkingOpenRe  = regexp.MustCompile(`(?i)<(think|thinking|thought)>`)
)

// sanitizeAssistantText strips leaked reasoning markup from a final
// assistant reply. An unclosed tag swallows everything after it, since
// a truncated stream can end mid-thought.
func sanitizeAssistantText(s string) string {
	if s == "" {
		return s
	}
	out := thinkingBlockRe.ReplaceAllString(s, "")
	if loc := thinkingOpenRe.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}
	return strings.TrimSpace(out)
}
