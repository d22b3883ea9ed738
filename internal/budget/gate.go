// Package budget layers the configured spending thresholds over the
// budget store. The store enforces the hard ceiling inside SQL; the
// gate adds warn-threshold reporting and turns denials into errors a
// chat adapter can show verbatim.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/neomagi/neomagi/internal/config"
	"github.com/neomagi/neomagi/internal/store"
)

// ExceededError reports a denied reservation with enough context for
// a human-readable answer. It unwraps to store.ErrBudgetExceeded so
// callers can still match on the sentinel.
type ExceededError struct {
	RequestedEUR  float64
	CumulativeEUR float64
	StopEUR       float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exhausted: %.4f EUR spent of the %.2f EUR ceiling, cannot reserve %.4f EUR more",
		e.CumulativeEUR, e.StopEUR, e.RequestedEUR)
}

func (e *ExceededError) Unwrap() error { return store.ErrBudgetExceeded }

// Gate is the single entry point for spending money. Every model call
// reserves through it before running and settles through it after.
type Gate struct {
	store store.BudgetStore
	cfg   config.BudgetConfig
}

func NewGate(st store.BudgetStore, cfg config.BudgetConfig) *Gate {
	return &Gate{store: st, cfg: cfg}
}

// Reserve pre-authorizes the fixed per-request cost. Crossing the warn
// threshold logs but still succeeds; only the stop ceiling denies.
func (g *Gate) Reserve(ctx context.Context, provider, model, sessionID, evalRunID string) (*store.BudgetReservation, error) {
	req := store.ReserveRequest{
		Provider:  provider,
		Model:     model,
		SessionID: sessionID,
		EvalRunID: evalRunID,
		CostEUR:   g.cfg.ReserveEUR,
	}
	res, cumulative, err := g.store.TryReserve(ctx, req, g.cfg.StopEUR)
	if errors.Is(err, store.ErrBudgetExceeded) {
		return nil, &ExceededError{
			RequestedEUR:  g.cfg.ReserveEUR,
			CumulativeEUR: cumulative,
			StopEUR:       g.cfg.StopEUR,
		}
	}
	if err != nil {
		return nil, err
	}

	// cumulative is the post-reservation value; the pre value tells us
	// whether this reservation is the one that crossed the line.
	if before := cumulative - g.cfg.ReserveEUR; before < g.cfg.WarnEUR && cumulative >= g.cfg.WarnEUR {
		slog.Warn("budget warn threshold crossed",
			"cumulative_eur", fmt.Sprintf("%.4f", cumulative),
			"warn_eur", g.cfg.WarnEUR,
			"stop_eur", g.cfg.StopEUR,
			"provider", provider,
			"session_id", sessionID)
	}
	return res, nil
}

// Settle reports the actual cost for a reservation. Duplicate settles
// are silent no-ops in the store; they only rate a debug line here.
func (g *Gate) Settle(ctx context.Context, reservationID uuid.UUID, actualEUR float64) error {
	applied, err := g.store.Settle(ctx, reservationID, actualEUR)
	if err != nil {
		return err
	}
	if !applied {
		slog.Debug("budget reservation already settled", "reservation_id", reservationID)
	}
	return nil
}

// Cumulative exposes the current global spend for status surfaces.
func (g *Gate) Cumulative(ctx context.Context) (float64, error) {
	return g.store.Cumulative(ctx)
}
