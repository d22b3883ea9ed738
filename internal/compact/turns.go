// Package compact implements rolling-summary compaction of session
// history: turn splitting, zone selection, summary generation and the
// emergency trim fallback.
package compact

import (
	"github.com/neomagi/neomagi/internal/store"
)

// Turn is one user message plus every assistant and tool message that
// follows it, up to the next user message. Tool messages never start a
// turn, so a tool-call chain cannot be cut in half.
type Turn struct {
	Messages []store.Message
}

func (t Turn) StartSeq() int64 { return t.Messages[0].Seq }
func (t Turn) EndSeq() int64   { return t.Messages[len(t.Messages)-1].Seq }

// SplitTurns groups a seq-ordered history into turns. Messages before
// the first user message (possible after partial histories) form a
// headless leading turn rather than being dropped.
func SplitTurns(msgs []store.Message) []Turn {
	var turns []Turn
	var current []store.Message
	for _, m := range msgs {
		if m.Role == "user" && len(current) > 0 {
			turns = append(turns, Turn{Messages: current})
			current = nil
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		turns = append(turns, Turn{Messages: current})
	}
	return turns
}

// Zones is the preservation split of completed turns.
type Zones struct {
	// Preserved stays verbatim in the history.
	Preserved []Turn
	// Compressible is summarized away. Empty means compaction is a noop.
	Compressible []Turn
}

// SplitZones selects the compaction zones. Only completed turns (those
// starting before the current user message) participate; the last
// minPreserved of them are kept, and of the rest only turns ending
// after the previous watermark can be compressed again.
func SplitZones(turns []Turn, currentUserSeq, lastCompactionSeq int64, minPreserved int) Zones {
	if minPreserved < 1 {
		minPreserved = 1
	}
	var completed []Turn
	for _, t := range turns {
		if t.StartSeq() < currentUserSeq {
			completed = append(completed, t)
		}
	}
	if len(completed) <= minPreserved {
		return Zones{Preserved: completed}
	}

	cut := len(completed) - minPreserved
	z := Zones{Preserved: completed[cut:]}
	for _, t := range completed[:cut] {
		if t.EndSeq() > lastCompactionSeq {
			z.Compressible = append(z.Compressible, t)
		}
	}
	return z
}

// Watermark computes the new compaction watermark for a compressible
// zone: the end of the zone, never crossing into the current turn.
func (z Zones) Watermark(currentUserSeq int64) int64 {
	if len(z.Compressible) == 0 {
		return 0
	}
	wm := z.Compressible[len(z.Compressible)-1].EndSeq()
	if max := currentUserSeq - 1; wm > max {
		wm = max
	}
	return wm
}

// Flatten returns the messages of a turn list in order.
func Flatten(turns []Turn) []store.Message {
	var out []store.Message
	for _, t := range turns {
		out = append(out, t.Messages...)
	}
	return out
}
