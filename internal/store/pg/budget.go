package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/store"
)

// BudgetStore implements store.BudgetStore. The ceiling comparison
// lives inside the UPDATE statement, so concurrent reservations
// serialize on the budget_state row and can never race past the stop
// threshold.
type BudgetStore struct {
	db *sql.DB
}

func NewBudgetStore(db *sql.DB) *BudgetStore {
	return &BudgetStore{db: db}
}

// TryReserve adds the cost to the cumulative spend iff the result
// stays strictly under stopEUR, and records the reservation in the
// same transaction. Denial reads the current cumulative for the error
// message.
func (s *BudgetStore) TryReserve(ctx context.Context, r store.ReserveRequest, stopEUR float64) (*store.BudgetReservation, float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("reserve budget: begin: %w", err)
	}
	defer tx.Rollback()

	var cumulative float64
	err = tx.QueryRowContext(ctx,
		`UPDATE budget_state
		 SET cumulative_eur = cumulative_eur + $1, updated_at = now()
		 WHERE id = 'global' AND cumulative_eur + $1 < $2
		 RETURNING cumulative_eur`,
		r.CostEUR, stopEUR,
	).Scan(&cumulative)
	if errors.Is(err, sql.ErrNoRows) {
		current, readErr := s.Cumulative(ctx)
		if readErr != nil {
			return nil, 0, fmt.Errorf("reserve %.4f EUR: %w", r.CostEUR, store.ErrBudgetExceeded)
		}
		return nil, current, fmt.Errorf("reserve %.4f EUR at cumulative %.4f (stop %.2f): %w",
			r.CostEUR, current, stopEUR, store.ErrBudgetExceeded)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reserve budget: %w", err)
	}

	res := &store.BudgetReservation{
		ReservationID: uuid.New(),
		Provider:      r.Provider,
		Model:         r.Model,
		SessionID:     r.SessionID,
		EvalRunID:     r.EvalRunID,
		ReservedEUR:   r.CostEUR,
		Status:        "reserved",
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO budget_reservations
		 (reservation_id, provider, model, session_id, eval_run_id, reserved_eur, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'reserved', $7)`,
		res.ReservationID, res.Provider, res.Model, res.SessionID,
		nilStr(res.EvalRunID), res.ReservedEUR, res.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("reserve budget: record reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("reserve budget: commit: %w", err)
	}
	return res, cumulative, nil
}

// Settle flips the reservation reserved -> settled exactly once and
// applies the actual-minus-reserved delta. The compare-and-set on
// status makes repeat settles no-ops regardless of caller retries.
func (s *BudgetStore) Settle(ctx context.Context, reservationID uuid.UUID, actualEUR float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("settle %s: begin: %w", reservationID, err)
	}
	defer tx.Rollback()

	var reserved float64
	err = tx.QueryRowContext(ctx,
		`UPDATE budget_reservations
		 SET status = 'settled', actual_eur = $2, settled_at = now()
		 WHERE reservation_id = $1 AND status = 'reserved'
		 RETURNING reserved_eur`,
		reservationID, actualEUR,
	).Scan(&reserved)
	if errors.Is(err, sql.ErrNoRows) {
		// Already settled (or never reserved): idempotent no-op.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("settle %s: %w", reservationID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE budget_state
		 SET cumulative_eur = cumulative_eur + $1, updated_at = now()
		 WHERE id = 'global'`,
		actualEUR-reserved)
	if err != nil {
		return false, fmt.Errorf("settle %s: apply delta: %w", reservationID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("settle %s: commit: %w", reservationID, err)
	}
	return true, nil
}

// Cumulative reads the current global spend.
func (s *BudgetStore) Cumulative(ctx context.Context) (float64, error) {
	var cumulative float64
	err := s.db.QueryRowContext(ctx,
		`SELECT cumulative_eur FROM budget_state WHERE id = 'global'`,
	).Scan(&cumulative)
	if err != nil {
		return 0, fmt.Errorf("read cumulative budget: %w", err)
	}
	return cumulative, nil
}
