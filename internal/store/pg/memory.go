package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/neomagi/neomagi/internal/store"
)

// MemoryStore implements store.MemoryStore. The search_vector column
// is maintained by an insert/update trigger (title weighted A, content
// weighted B); Go never touches it directly.
type MemoryStore struct {
	db *sql.DB
}

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// InsertEntries inserts a batch in one transaction. IDs are assigned
// when missing.
func (s *MemoryStore) InsertEntries(ctx context.Context, entries []store.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert memory entries: begin: %w", err)
	}
	defer tx.Rollback()

	for i := range entries {
		e := &entries[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.Must(uuid.NewV7())
		}
		now := time.Now().UTC()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now

		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_entries
			 (id, scope_key, source_type, source_path, source_date, title, content, tags, confidence, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.ScopeKey, e.SourceType, nilStr(e.SourcePath), nilStr(e.SourceDate),
			e.Title, e.Content, pq.Array(e.Tags), e.Confidence, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert memory entry %q: %w", e.Title, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert memory entries: commit: %w", err)
	}
	return nil
}

// DeleteBySourcePath removes every entry for one source file. Paired
// with InsertEntries this is the reindex operation: delete-then-reinsert
// keeps row counts stable for unchanged files.
func (s *MemoryStore) DeleteBySourcePath(ctx context.Context, sourcePath string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE source_path = $1`,
		sourcePath)
	if err != nil {
		return 0, fmt.Errorf("delete memory entries for %s: %w", sourcePath, err)
	}
	return res.RowsAffected()
}

// Search runs a ranked full-text query. The scope predicate is part of
// the statement itself; there is no variant without it.
func (s *MemoryStore) Search(ctx context.Context, scopeKey, query string, limit int) ([]store.MemorySearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope_key, source_type, source_path, source_date, title, content, tags, confidence,
		        created_at, updated_at,
		        ts_rank(search_vector, plainto_tsquery('simple', $2)) AS rank
		 FROM memory_entries
		 WHERE scope_key = $1 AND search_vector @@ plainto_tsquery('simple', $2)
		 ORDER BY rank DESC, created_at DESC
		 LIMIT $3`,
		scopeKey, query, limit)
	if err != nil {
		return nil, fmt.Errorf("memory search in scope %s: %w", scopeKey, err)
	}
	defer rows.Close()

	var results []store.MemorySearchResult
	for rows.Next() {
		var (
			e          store.MemoryEntry
			sourcePath sql.NullString
			sourceDate sql.NullTime
			confidence sql.NullFloat64
			rank       float64
		)
		if err := rows.Scan(&e.ID, &e.ScopeKey, &e.SourceType, &sourcePath, &sourceDate,
			&e.Title, &e.Content, pq.Array(&e.Tags), &confidence,
			&e.CreatedAt, &e.UpdatedAt, &rank); err != nil {
			return nil, fmt.Errorf("memory search in scope %s: %w", scopeKey, err)
		}
		if sourcePath.Valid {
			e.SourcePath = sourcePath.String
		}
		if sourceDate.Valid {
			e.SourceDate = sourceDate.Time.Format("2006-01-02")
		}
		if confidence.Valid {
			v := confidence.Float64
			e.Confidence = &v
		}
		results = append(results, store.MemorySearchResult{Entry: e, Rank: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory search in scope %s: %w", scopeKey, err)
	}
	return results, nil
}
