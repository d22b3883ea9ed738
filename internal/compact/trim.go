package compact

import (
	"time"

	"github.com/neomagi/neomagi/internal/store"
)

// EmergencyTrim builds the fallback result used when Compact itself
// errors: drop the compressible zone without a summary so the session
// can keep responding. The watermark respects the same turn boundaries
// as a real compaction, so a tool-call chain is never cut. Returns nil
// when there is no safe watermark; the caller then continues without
// compaction.
func EmergencyTrim(history []store.Message, currentUserSeq, lastCompactionSeq int64, minPreserved int, now time.Time) *Result {
	zones := SplitZones(SplitTurns(history), currentUserSeq, lastCompactionSeq, minPreserved)
	if len(zones.Compressible) == 0 || len(zones.Preserved) == 0 {
		return nil
	}

	meta := store.CompactionMetadata{
		SchemaVersion:   compactionSchemaVersion,
		Status:          store.CompactionStatusFailed,
		PreservedTurns:  len(zones.Preserved),
		SummarizedTurns: len(zones.Compressible),
		FlushSkipped:    true,
		TriggeredAt:     now.UTC(),
	}
	return &Result{
		Status:           store.CompactionStatusFailed,
		NewCompactionSeq: zones.Watermark(currentUserSeq),
		Preserved:        Flatten(zones.Preserved),
		Metadata:         meta,
	}
}
