package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loancast/fundingpolicy/internal/logger"
	"github.com/loancast/fundingpolicy/internal/metrics"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/policy"
)

// DefaultInterval is the time between sweeps
const DefaultInterval = 5 * time.Minute

// Sweeper periodically persists the statuses Derive computes
type Sweeper struct {
	Store    lending.Store
	Windows  Windows
	Interval time.Duration
	Clock    policy.Clock
}

// NewSweeper creates a sweeper with default windows and interval
func NewSweeper(store lending.Store) *Sweeper {
	return &Sweeper{
		Store:    store,
		Windows:  DefaultWindows(),
		Interval: DefaultInterval,
		Clock:    policy.SystemClock{},
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged, not returned.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("lifecycle sweeper started", "interval", interval.String())
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error("lifecycle sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("lifecycle sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce moves every active loan to its derived status and returns the
// number of loans changed. Loans changed concurrently by someone else are
// skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	loans, err := s.Store.ListLoansByStatus(ctx, lending.StatusFunded, lending.StatusDue, lending.StatusOverdue)
	if err != nil {
		return 0, fmt.Errorf("failed to list active loans: %w", err)
	}

	now := s.now()
	changed := 0
	for _, loan := range loans {
		next := Derive(loan, now, s.Windows)
		if next == loan.Status {
			continue
		}

		err := s.Store.UpdateLoanStatus(ctx, loan.ID, loan.Status, next)
		if errors.Is(err, lending.ErrConflict) || errors.Is(err, lending.ErrNotFound) {
			logger.Debug("loan changed during sweep", "loan_id", loan.ID, "error", err)
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("failed to update loan %s: %w", loan.ID, err)
		}

		metrics.LifecycleTransitions.WithLabelValues(string(loan.Status), string(next)).Inc()
		logger.Info("loan status changed", "loan_id", loan.ID, "from", loan.Status, "to", next)
		changed++
	}
	return changed, nil
}

func (s *Sweeper) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}
