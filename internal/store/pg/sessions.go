package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/providers"
	"github.com/neomagi/neomagi/internal/store"
)

// chatSafeMode is the only mode honored at runtime; everything else
// downgrades to it.
const chatSafeMode = "chat_safe"

// SessionStore implements store.SessionStore backed by Postgres. The
// session row is the serialization point for seq allocation and the
// lease; an in-memory cache keeps hot sessions out of the read path
// during tool loops.
type SessionStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*sessionCache
}

type sessionCache struct {
	messages []store.Message
	state    *store.CompactionState
	mode     string
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{
		db:    db,
		cache: make(map[string]*sessionCache),
	}
}

// TryClaim acquires the session lease with a single upsert. A fresh
// UUIDv4 token is generated per attempt. The update path only fires
// when the row is unclaimed or the previous claim aged past the TTL;
// otherwise zero rows match and the claim reports busy.
func (s *SessionStore) TryClaim(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (id, next_seq, lock_token, processing_since, created_at, updated_at)
		 VALUES ($1, 1, $2, now(), now(), now())
		 ON CONFLICT (id) DO UPDATE
		 SET lock_token = EXCLUDED.lock_token, processing_since = now(), updated_at = now()
		 WHERE sessions.processing_since IS NULL
		    OR sessions.processing_since < now() - ($3 * interval '1 second')
		 RETURNING id`,
		sessionID, token, ttl.Seconds(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	return token, true, nil
}

// Release clears the lease only when the stored token matches. A
// mismatch affects zero rows and stays silent: after a TTL takeover
// the stale worker must not clear its successor's lease.
func (s *SessionStore) Release(ctx context.Context, sessionID, lockToken string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET lock_token = NULL, processing_since = NULL, updated_at = now()
		 WHERE id = $1 AND lock_token = $2`,
		sessionID, lockToken)
	if err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	return nil
}

// AppendMessage allocates the next seq through the session-row upsert
// and inserts the message in the same transaction. The returned seq is
// the row's pre-increment value; the UNIQUE (session_id, seq)
// constraint is the safety net underneath.
func (s *SessionStore) AppendMessage(ctx context.Context, sessionID string, msg store.Message, lockToken string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append message: begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if lockToken != "" {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO sessions (id, next_seq, created_at, updated_at)
			 VALUES ($1, 2, now(), now())
			 ON CONFLICT (id) DO UPDATE
			 SET next_seq = sessions.next_seq + 1, updated_at = now()
			 WHERE sessions.lock_token IS NULL OR sessions.lock_token = $2
			 RETURNING next_seq - 1`,
			sessionID, lockToken,
		).Scan(&seq)
	} else {
		err = tx.QueryRowContext(ctx,
			`INSERT INTO sessions (id, next_seq, created_at, updated_at)
			 VALUES ($1, 2, now(), now())
			 ON CONFLICT (id) DO UPDATE
			 SET next_seq = sessions.next_seq + 1, updated_at = now()
			 RETURNING next_seq - 1`,
			sessionID,
		).Scan(&seq)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("append message to %s: %w", sessionID, store.ErrSessionFenced)
	}
	if err != nil {
		return 0, fmt.Errorf("append message to %s: allocate seq: %w", sessionID, err)
	}

	id := uuid.Must(uuid.NewV7())
	now := time.Now().UTC()
	var toolCallsJSON any
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("append message to %s: marshal tool calls: %w", sessionID, err)
		}
		toolCallsJSON = data
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, tool_calls, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, sessionID, seq, msg.Role, msg.Content, toolCallsJSON, nilStr(msg.ToolCallID), now)
	if err != nil {
		return 0, fmt.Errorf("append message to %s: insert: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append message to %s: commit: %w", sessionID, err)
	}

	s.mu.Lock()
	if c, ok := s.cache[sessionID]; ok {
		stored := msg
		stored.ID = id
		stored.SessionID = sessionID
		stored.Seq = seq
		stored.CreatedAt = now
		c.messages = append(c.messages, stored)
	}
	s.mu.Unlock()

	return seq, nil
}

// Load populates the cache from the database. force always refetches
// and propagates database errors; without force a database error
// degrades to "not found" with a warning.
func (s *SessionStore) Load(ctx context.Context, sessionID string, force bool) (bool, error) {
	if !force {
		s.mu.RLock()
		_, ok := s.cache[sessionID]
		s.mu.RUnlock()
		if ok {
			return true, nil
		}
	}

	c, err := s.loadFromDB(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if force {
			return false, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		slog.Warn("session load failed, treating as missing", "session_id", sessionID, "error", err)
		return false, nil
	}

	s.mu.Lock()
	s.cache[sessionID] = c
	s.mu.Unlock()
	return true, nil
}

func (s *SessionStore) loadFromDB(ctx context.Context, sessionID string) (*sessionCache, error) {
	var (
		mode     string
		summary  sql.NullString
		lastSeq  sql.NullInt64
		metaJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, compacted_context, last_compaction_seq, compaction_metadata
		 FROM sessions WHERE id = $1`, sessionID,
	).Scan(&mode, &summary, &lastSeq, &metaJSON)
	if err != nil {
		return nil, err
	}

	c := &sessionCache{mode: mode}
	if summary.Valid || lastSeq.Valid {
		state := &store.CompactionState{
			Summary:           summary.String,
			LastCompactionSeq: lastSeq.Int64,
		}
		if len(metaJSON) > 0 {
			var meta store.CompactionMetadata
			if err := json.Unmarshal(metaJSON, &meta); err == nil {
				state.Metadata = &meta
			}
		}
		c.state = state
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows, sessionID)
		if err != nil {
			return nil, err
		}
		c.messages = append(c.messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return c, nil
}

// EffectiveHistory returns messages with seq strictly greater than
// afterSeq. Served from the cache when the session is loaded.
func (s *SessionStore) EffectiveHistory(ctx context.Context, sessionID string, afterSeq int64) ([]store.Message, error) {
	s.mu.RLock()
	if c, ok := s.cache[sessionID]; ok {
		var out []store.Message
		for _, m := range c.messages {
			if m.Seq > afterSeq {
				out = append(out, m)
			}
		}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, role, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE session_id = $1 AND seq > $2 ORDER BY seq`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("effective history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows, sessionID)
		if err != nil {
			return nil, fmt.Errorf("effective history for %s: %w", sessionID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("effective history for %s: %w", sessionID, err)
	}
	return out, nil
}

// CompactionState returns the cached or stored compaction state, nil
// when the session has never compacted (or does not exist).
func (s *SessionStore) CompactionState(ctx context.Context, sessionID string) (*store.CompactionState, error) {
	s.mu.RLock()
	if c, ok := s.cache[sessionID]; ok {
		state := c.state
		s.mu.RUnlock()
		if state == nil {
			return nil, nil
		}
		cp := *state
		return &cp, nil
	}
	s.mu.RUnlock()

	var (
		summary  sql.NullString
		lastSeq  sql.NullInt64
		metaJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT compacted_context, last_compaction_seq, compaction_metadata
		 FROM sessions WHERE id = $1`, sessionID,
	).Scan(&summary, &lastSeq, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compaction state for %s: %w", sessionID, err)
	}
	if !summary.Valid && !lastSeq.Valid {
		return nil, nil
	}

	state := &store.CompactionState{
		Summary:           summary.String,
		LastCompactionSeq: lastSeq.Int64,
	}
	if len(metaJSON) > 0 {
		var meta store.CompactionMetadata
		if err := json.Unmarshal(metaJSON, &meta); err == nil {
			state.Metadata = &meta
		}
	}
	return state, nil
}

// StoreCompactionResult stores the compaction outcome atomically. The
// guard requires the caller's token AND watermark monotonicity; zero
// matched rows means the lease was lost or the watermark would move
// backwards, both fatal for the caller's view of the session.
func (s *SessionStore) StoreCompactionResult(ctx context.Context, sessionID string, rec store.CompactionRecord, lockToken string) error {
	if rec.Metadata.Status == store.CompactionStatusNoop {
		return fmt.Errorf("store compaction for %s: refusing to store a noop result", sessionID)
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store compaction for %s: marshal metadata: %w", sessionID, err)
	}
	var flushJSON any
	if len(rec.FlushCandidates) > 0 {
		flushJSON = []byte(rec.FlushCandidates)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			compacted_context = $2,
			compaction_metadata = $3,
			last_compaction_seq = $4,
			memory_flush_candidates = $5,
			updated_at = now()
		 WHERE id = $1
		   AND lock_token = $6
		   AND (last_compaction_seq IS NULL OR last_compaction_seq < $4)`,
		sessionID, rec.Summary, metaJSON, rec.NewCompactionSeq, flushJSON, lockToken)
	if err != nil {
		return fmt.Errorf("store compaction for %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store compaction for %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("store compaction for %s: %w", sessionID, store.ErrSessionFenced)
	}

	s.mu.Lock()
	if c, ok := s.cache[sessionID]; ok {
		meta := rec.Metadata
		c.state = &store.CompactionState{
			Summary:           rec.Summary,
			LastCompactionSeq: rec.NewCompactionSeq,
			Metadata:          &meta,
		}
	}
	s.mu.Unlock()
	return nil
}

// Mode reads the session's tool mode fail-closed: lookup errors,
// missing rows and any value other than chat_safe come back as
// chat_safe, with a warning when an actual downgrade happened.
func (s *SessionStore) Mode(ctx context.Context, sessionID string) string {
	s.mu.RLock()
	if c, ok := s.cache[sessionID]; ok {
		mode := c.mode
		s.mu.RUnlock()
		return downgradeMode(sessionID, mode)
	}
	s.mu.RUnlock()

	var mode string
	err := s.db.QueryRowContext(ctx,
		`SELECT mode FROM sessions WHERE id = $1`, sessionID).Scan(&mode)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Warn("session mode lookup failed, downgrading to chat_safe",
				"session_id", sessionID, "error", err)
		}
		return chatSafeMode
	}
	return downgradeMode(sessionID, mode)
}

func downgradeMode(sessionID, mode string) string {
	if mode != chatSafeMode {
		slog.Warn("unsupported session mode, downgrading to chat_safe",
			"session_id", sessionID, "mode", mode)
		return chatSafeMode
	}
	return mode
}

// Forget drops a session from the cache. Used by tests and after a
// fencing error invalidates the local view.
func (s *SessionStore) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()
}

// --- helpers ---

func scanMessage(rows *sql.Rows, sessionID string) (store.Message, error) {
	var (
		m             store.Message
		toolCallsJSON []byte
		toolCallID    sql.NullString
	)
	if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &toolCallsJSON, &toolCallID, &m.CreatedAt); err != nil {
		return store.Message{}, err
	}
	m.SessionID = sessionID
	if len(toolCallsJSON) > 0 {
		var calls []providers.ToolCall
		if err := json.Unmarshal(toolCallsJSON, &calls); err == nil {
			m.ToolCalls = calls
		}
	}
	if toolCallID.Valid {
		m.ToolCallID = toolCallID.String
	}
	return m, nil
}

func nilStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
