package pg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/store"
)

func newTestSessionID() string {
	return "test:" + uuid.NewString()
}

func TestClaimReleaseCycle(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()
	sid := newTestSessionID()

	token, ok, err := s.TryClaim(ctx, sid, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("claim returned empty token")
	}

	_, ok, err = s.TryClaim(ctx, sid, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded while lease held")
	}

	if err := s.Release(ctx, sid, token); err != nil {
		t.Fatalf("release: %v", err)
	}

	token2, ok, err := s.TryClaim(ctx, sid, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after release: ok=%v err=%v", ok, err)
	}
	if token2 == token {
		t.Error("claim reused the previous token")
	}
	s.Release(ctx, sid, token2)
}

func TestExpiredLeaseIsPreemptible(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()
	sid := newTestSessionID()

	tokenA, ok, err := s.TryClaim(ctx, sid, time.Second)
	if err != nil || !ok {
		t.Fatalf("claim A: ok=%v err=%v", ok, err)
	}

	time.Sleep(1100 * time.Millisecond)

	tokenB, ok, err := s.TryClaim(ctx, sid, time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover claim: ok=%v err=%v", ok, err)
	}

	// A's stale release must not clear B's lease.
	if err := s.Release(ctx, sid, tokenA); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	_, ok, err = s.TryClaim(ctx, sid, time.Minute)
	if err != nil {
		t.Fatalf("probe claim: %v", err)
	}
	if ok {
		t.Fatal("stale release cleared the successor's lease")
	}

	s.Release(ctx, sid, tokenB)
}

func TestAppendMessageSeqsDistinctUnderConcurrency(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()
	sid := newTestSessionID()

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	seqs := make(chan int64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seq, err := s.AppendMessage(ctx, sid, store.Message{
					Role:    "user",
					Content: "hello",
				}, "")
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	var max int64
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
		if seq > max {
			max = seq
		}
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d seqs, want %d", len(seen), workers*perWorker)
	}
	if max != int64(workers*perWorker) {
		t.Errorf("max seq = %d, want %d (seqs start at 1, no gaps)", max, workers*perWorker)
	}
}

func TestAppendMessageFencedAfterTakeover(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()
	sid := newTestSessionID()

	tokenA, ok, err := s.TryClaim(ctx, sid, time.Second)
	if err != nil || !ok {
		t.Fatalf("claim A: ok=%v err=%v", ok, err)
	}
	if _, err := s.AppendMessage(ctx, sid, store.Message{Role: "user", Content: "before"}, tokenA); err != nil {
		t.Fatalf("append while holding lease: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)
	tokenB, ok, err := s.TryClaim(ctx, sid, time.Minute)
	if err != nil || !ok {
		t.Fatalf("takeover claim: ok=%v err=%v", ok, err)
	}
	defer s.Release(context.Background(), sid, tokenB)

	_, err = s.AppendMessage(ctx, sid, store.Message{Role: "user", Content: "stale"}, tokenA)
	if !errors.Is(err, store.ErrSessionFenced) {
		t.Fatalf("stale append err = %v, want ErrSessionFenced", err)
	}

	// The new holder keeps writing.
	if _, err := s.AppendMessage(ctx, sid, store.Message{Role: "user", Content: "fresh"}, tokenB); err != nil {
		t.Fatalf("append by new holder: %v", err)
	}
}

func TestCompactionStoreAndEffectiveHistory(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()
	sid := newTestSessionID()

	token, ok, err := s.TryClaim(ctx, sid, time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	defer s.Release(context.Background(), sid, token)

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, sid, store.Message{Role: "user", Content: "m"}, token); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rec := store.CompactionRecord{
		Summary:          "summary of early turns",
		NewCompactionSeq: 3,
		Metadata: store.CompactionMetadata{
			SchemaVersion:   1,
			Status:          store.CompactionStatusSuccess,
			PreservedTurns:  2,
			SummarizedTurns: 3,
			TriggeredAt:     time.Now().UTC(),
		},
	}
	if err := s.StoreCompactionResult(ctx, sid, rec, token); err != nil {
		t.Fatalf("store compaction: %v", err)
	}

	state, err := s.CompactionState(ctx, sid)
	if err != nil {
		t.Fatalf("compaction state: %v", err)
	}
	if state == nil || state.LastCompactionSeq != 3 || state.Summary != rec.Summary {
		t.Fatalf("state = %+v", state)
	}
	if state.Metadata == nil || state.Metadata.Status != store.CompactionStatusSuccess {
		t.Fatalf("metadata = %+v", state.Metadata)
	}

	history, err := s.EffectiveHistory(ctx, sid, state.LastCompactionSeq)
	if err != nil {
		t.Fatalf("effective history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Seq != 4 || history[1].Seq != 5 {
		t.Errorf("history seqs = %d,%d, want 4,5", history[0].Seq, history[1].Seq)
	}

	t.Run("watermark cannot move backwards", func(t *testing.T) {
		back := rec
		back.NewCompactionSeq = 2
		err := s.StoreCompactionResult(ctx, sid, back, token)
		if !errors.Is(err, store.ErrSessionFenced) {
			t.Errorf("backwards store err = %v, want ErrSessionFenced", err)
		}
	})

	t.Run("stale token is fenced", func(t *testing.T) {
		fwd := rec
		fwd.NewCompactionSeq = 4
		err := s.StoreCompactionResult(ctx, sid, fwd, uuid.NewString())
		if !errors.Is(err, store.ErrSessionFenced) {
			t.Errorf("stale-token store err = %v, want ErrSessionFenced", err)
		}
	})

	t.Run("noop is rejected before touching the database", func(t *testing.T) {
		noop := rec
		noop.NewCompactionSeq = 5
		noop.Metadata.Status = store.CompactionStatusNoop
		if err := s.StoreCompactionResult(ctx, sid, noop, token); err == nil {
			t.Error("storing a noop result did not error")
		}
	})
}

func TestLoadAndModeFailClosed(t *testing.T) {
	db := testDB(t)
	s := NewSessionStore(db)
	ctx := context.Background()

	t.Run("missing session loads false", func(t *testing.T) {
		found, err := s.Load(ctx, newTestSessionID(), true)
		if err != nil {
			t.Fatalf("Load force: %v", err)
		}
		if found {
			t.Error("missing session reported found")
		}
	})

	t.Run("unknown mode downgrades", func(t *testing.T) {
		sid := newTestSessionID()
		token, ok, err := s.TryClaim(ctx, sid, time.Minute)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		defer s.Release(context.Background(), sid, token)

		if _, err := db.Exec(`UPDATE sessions SET mode = 'yolo' WHERE id = $1`, sid); err != nil {
			t.Fatalf("set mode: %v", err)
		}
		if got := s.Mode(ctx, sid); got != "chat_safe" {
			t.Errorf("Mode = %q, want chat_safe", got)
		}
	})

	t.Run("force reload sees other writer's messages", func(t *testing.T) {
		sid := newTestSessionID()
		other := NewSessionStore(db)
		if _, err := other.AppendMessage(ctx, sid, store.Message{Role: "user", Content: "from b"}, ""); err != nil {
			t.Fatalf("append: %v", err)
		}

		found, err := s.Load(ctx, sid, true)
		if err != nil || !found {
			t.Fatalf("Load force: found=%v err=%v", found, err)
		}
		history, err := s.EffectiveHistory(ctx, sid, 0)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || history[0].Content != "from b" {
			t.Errorf("history = %+v", history)
		}
	})
}
