package memory

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/store"
)

// FlushCandidate is a durable fact extracted from turns about to be
// compacted away. Candidates are persisted on the session row and written
// into daily notes, so the knowledge survives the summary.
type FlushCandidate struct {
	ID          uuid.UUID `json:"id"`
	SessionID   string    `json:"session_id"`
	MessageSeqs []int64   `json:"message_seqs"`
	Text        string    `json:"text"`
	Tags        []string  `json:"tags"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	TagUserPreference = "user_preference"
	TagSafetyBoundary = "safety_boundary"
	TagFact           = "fact"
)

// Confidence tiers per extraction rule.
const (
	confidenceExplicit = 0.9
	confidenceDecision = 0.6
	confidenceAmbient  = 0.3
)

// minAmbientRunes is the length gate for the lowest tier: shorter user
// messages that match no family are dropped entirely.
const minAmbientRunes = 20

var (
	// Single-token acknowledgments in English and CJK, never worth keeping.
	casualAckRe = regexp.MustCompile(`(?i)^\s*(ok|okay|k|kk|yes|yep|yeah|no|nope|sure|thanks|thank you|thx|ty|cool|nice|great|got it|good|fine|好的|好|嗯|行|可以|收到|谢谢|多谢|没事|不用)\s*[.!?~。！？]*\s*$`)

	// Explicit declarations of preference or standing instruction.
	explicitRe = regexp.MustCompile(`(?i)(please remember|remember that|remember this|keep in mind|i prefer|i like|i love|i hate|i dislike|my favorite|from now on|always|never|请记住|记住|记一下|我喜欢|我讨厌|我偏好|以后都|永远|从不)`)

	// Negative/forbid phrasing inside an explicit declaration marks a
	// safety boundary on top of the preference.
	forbidRe = regexp.MustCompile(`(?i)(never|don't|do not|stop|must not|no longer|不要|别|不准|禁止|不能|停止)`)

	// Decisions and confirmations worth keeping as facts.
	decisionRe = regexp.MustCompile(`(?i)(let's|we will|we'll|i will|i'll|i've decided|we decided|decided to|agreed|confirmed|go with|settled on|就这样|决定|确定|同意|确认|定了)`)
)

// ExtractCandidates runs the rule families over the user messages of the
// compressible turns. Assistant and tool messages never produce candidates.
func ExtractCandidates(messages []store.Message, sessionID string, cfg config.CompactionConfig) []FlushCandidate {
	maxCandidates := cfg.MaxFlushCandidates
	if maxCandidates <= 0 {
		maxCandidates = 20
	}
	maxBytes := cfg.MaxCandidateTextBytes
	if maxBytes <= 0 {
		maxBytes = 2000
	}

	var out []FlushCandidate
	for _, msg := range messages {
		if len(out) >= maxCandidates {
			break
		}
		if msg.Role != "user" {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" || casualAckRe.MatchString(text) {
			continue
		}

		confidence, tags := classify(text)
		if confidence == 0 {
			continue
		}

		out = append(out, FlushCandidate{
			ID:          uuid.New(),
			SessionID:   sessionID,
			MessageSeqs: []int64{msg.Seq},
			Text:        truncateBytes(text, maxBytes),
			Tags:        tags,
			Confidence:  confidence,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return out
}

// classify returns the confidence tier and tags for one user message, or
// (0, nil) when the message should be skipped.
func classify(text string) (float64, []string) {
	if explicitRe.MatchString(text) {
		tags := []string{TagUserPreference}
		if forbidRe.MatchString(text) {
			tags = append(tags, TagSafetyBoundary)
		}
		return confidenceExplicit, tags
	}
	if decisionRe.MatchString(text) {
		return confidenceDecision, []string{TagFact}
	}
	if utf8.RuneCountInString(text) >= minAmbientRunes {
		return confidenceAmbient, []string{TagFact}
	}
	return 0, nil
}

// truncateBytes cuts text to at most max bytes without splitting a rune.
func truncateBytes(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
