// Package store defines the persistence contracts for sessions,
// messages, memory entries and the cost budget.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/providers"
)

var (
	// ErrSessionFenced means a guarded write matched zero rows: the
	// caller's lock token no longer holds the lease (or a compaction
	// store would have moved the watermark backwards). The caller must
	// drop its local state and surface SESSION_FENCED.
	ErrSessionFenced = errors.New("session fenced: lease lost to another worker")

	// ErrBudgetExceeded means a reservation would cross the hard stop
	// ceiling. Not retryable within the same budget window.
	ErrBudgetExceeded = errors.New("budget exceeded: hard stop ceiling reached")
)

// Message is one persisted conversation message. Seq is unique per
// session and strictly increasing in creation order.
type Message struct {
	ID         uuid.UUID            `json:"id"`
	SessionID  string               `json:"session_id"`
	Seq        int64                `json:"seq"`
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// ProviderHistory converts stored messages to the provider wire shape.
func ProviderHistory(msgs []Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

// Compaction result statuses as persisted in metadata.
const (
	CompactionStatusSuccess  = "success"
	CompactionStatusDegraded = "degraded"
	CompactionStatusFailed   = "failed"
	CompactionStatusNoop     = "noop"
)

// CompactionMetadata describes the last stored compaction.
type CompactionMetadata struct {
	SchemaVersion   int       `json:"schema_version"`
	Status          string    `json:"status"`
	PreservedTurns  int       `json:"preserved_turns"`
	SummarizedTurns int       `json:"summarized_turns"`
	FlushSkipped    bool      `json:"flush_skipped"`
	AnchorValidated bool      `json:"anchor_validated"`
	AnchorRetried   bool      `json:"anchor_retried"`
	TriggeredAt     time.Time `json:"triggered_at"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
}

// CompactionState is a session's rolling summary plus watermark.
// LastCompactionSeq 0 means no compaction has happened yet (message
// seqs start at 1, so 0 never collides with a real watermark).
type CompactionState struct {
	Summary           string
	LastCompactionSeq int64
	Metadata          *CompactionMetadata
}

// CompactionRecord is the atomically-stored outcome of one compaction.
type CompactionRecord struct {
	Summary          string
	NewCompactionSeq int64
	Metadata         CompactionMetadata
	FlushCandidates  json.RawMessage
}

// SessionStore owns session rows, messages and all lock/seq operations.
type SessionStore interface {
	// TryClaim acquires the session lease, creating the session row if
	// needed. Returns a fresh lock token, or ok=false when another
	// worker holds an unexpired lease.
	TryClaim(ctx context.Context, sessionID string, ttl time.Duration) (token string, ok bool, err error)

	// Release clears the lease only when lockToken matches the stored
	// token. A mismatch is a silent no-op so a stale worker can never
	// clear its successor's lease.
	Release(ctx context.Context, sessionID, lockToken string) error

	// AppendMessage allocates the next seq and inserts the message in
	// one transaction. A non-empty lockToken makes the seq allocation
	// conditional on the stored token matching (or being null); a
	// failed guard returns ErrSessionFenced.
	AppendMessage(ctx context.Context, sessionID string, msg Message, lockToken string) (seq int64, err error)

	// Load populates the in-memory cache from the database. Returns
	// false when the session does not exist. With force=true a
	// database error propagates; otherwise it degrades to false.
	// Cross-worker handoff always uses force.
	Load(ctx context.Context, sessionID string, force bool) (bool, error)

	// EffectiveHistory returns messages with seq strictly greater than
	// afterSeq, in seq order. afterSeq 0 returns everything.
	EffectiveHistory(ctx context.Context, sessionID string, afterSeq int64) ([]Message, error)

	// CompactionState returns the session's summary, watermark and
	// metadata, or nil when the session has never compacted.
	CompactionState(ctx context.Context, sessionID string) (*CompactionState, error)

	// StoreCompactionResult stores summary, metadata, watermark and
	// flush candidates atomically, guarded by the lock token and by
	// watermark monotonicity. Zero matched rows returns
	// ErrSessionFenced. Must never be called for a noop result.
	StoreCompactionResult(ctx context.Context, sessionID string, rec CompactionRecord, lockToken string) error

	// Mode returns the session's tool mode, fail-closed: lookup
	// errors, unknown values and anything that is not chat-safe
	// downgrade to chat-safe with a logged warning.
	Mode(ctx context.Context, sessionID string) string
}

// MemoryEntry is one row in the scoped memory index.
type MemoryEntry struct {
	ID         uuid.UUID
	ScopeKey   string
	SourceType string // daily_note | curated | flush_candidate
	SourcePath string
	SourceDate string // YYYY-MM-DD, empty when not date-bound
	Title      string
	Content    string
	Tags       []string
	Confidence *float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemorySearchResult pairs an entry with its full-text rank.
type MemorySearchResult struct {
	Entry MemoryEntry
	Rank  float64
}

// MemoryStore is the search index over memory entries. Every search
// carries a mandatory scope key; there is no unscoped query path.
type MemoryStore interface {
	InsertEntries(ctx context.Context, entries []MemoryEntry) error

	// DeleteBySourcePath removes every entry indexed from one source
	// file. One daily note holds entries of several scopes, so the
	// delete half of a reindex is keyed by path alone.
	DeleteBySourcePath(ctx context.Context, sourcePath string) (int64, error)

	// Search runs a ranked full-text query restricted to scopeKey.
	Search(ctx context.Context, scopeKey, query string, limit int) ([]MemorySearchResult, error)
}

// BudgetReservation is one pre-authorized spend.
type BudgetReservation struct {
	ReservationID uuid.UUID
	Provider      string
	Model         string
	SessionID     string
	EvalRunID     string
	ReservedEUR   float64
	ActualEUR     *float64
	Status        string // reserved | settled
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// BudgetStore owns the global cumulative spend row and reservations.
// All ceiling comparisons happen inside SQL so concurrent reservations
// cannot race past the stop threshold.
type BudgetStore interface {
	// TryReserve atomically adds costEUR to the cumulative spend iff
	// the result stays strictly under stopEUR, then records a
	// reservation. Returns ErrBudgetExceeded on denial.
	TryReserve(ctx context.Context, r ReserveRequest, stopEUR float64) (*BudgetReservation, float64, error)

	// Settle flips the reservation to settled exactly once and applies
	// the actual-minus-reserved delta to the cumulative spend. Repeat
	// calls are no-ops; applied reports whether this call settled it.
	Settle(ctx context.Context, reservationID uuid.UUID, actualEUR float64) (applied bool, err error)

	// Cumulative reads the current global spend.
	Cumulative(ctx context.Context) (float64, error)
}

// ReserveRequest names one budget reservation.
type ReserveRequest struct {
	Provider  string
	Model     string
	SessionID string
	EvalRunID string
	CostEUR   float64
}

// Stores aggregates the persistence backends handed to the runtime.
type Stores struct {
	Sessions SessionStore
	Memory   MemoryStore
	Budget   BudgetStore
}
