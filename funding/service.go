// Package funding loads loan and lender records, computes usage and runs
// the funding policy and lender guards for one loan.
package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loancast/fundingpolicy/guards"
	"github.com/loancast/fundingpolicy/internal/logger"
	"github.com/loancast/fundingpolicy/internal/metrics"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/policy"
	"github.com/loancast/fundingpolicy/usage"
)

var (
	// ErrLoanNotSeeking is returned by Fund when the loan no longer accepts funding
	ErrLoanNotSeeking = errors.New("loan is not seeking funding")
	// ErrLoanNotRepayable is returned by Repay for loans that are not outstanding
	ErrLoanNotRepayable = errors.New("loan is not outstanding")
)

// repayAttempts bounds Repay's retries when the status changes under it
const repayAttempts = 3

// Evaluation is one loan evaluated for one lender
type Evaluation struct {
	LoanID   string           `json:"loan_id"`
	LenderID string           `json:"lender_id"`
	Usage    usage.Snapshot   `json:"usage"`
	Decision policy.Decision  `json:"decision"`
	Guards   []*guards.Result `json:"guards,omitempty"`

	loan *lending.Loan
}

// Service evaluates and funds loans. The evaluation and the funding write
// are not atomic: two concurrent Fund calls for one lender may both pass
// the daily limits. The store still refuses to fund a loan twice.
type Service struct {
	store     lending.Store
	guards    *guards.Manager
	evaluator *policy.Evaluator
	clock     policy.Clock
	caps      *usage.Caps
}

type Option func(*Service)

// WithGuards runs lender guards after the policy passes its kill switch
func WithGuards(m *guards.Manager) Option {
	return func(s *Service) { s.guards = m }
}

// WithCaps enables platform-wide per-borrower fairness caps
func WithCaps(caps *usage.Caps) Option {
	return func(s *Service) { s.caps = caps }
}

func WithClock(clock policy.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a funding service over store
func NewService(store lending.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: policy.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.evaluator = policy.NewEvaluator(s.clock)
	return s
}

// EvaluateLoan runs the policy on caller-supplied inputs with no lookups
func (s *Service) EvaluateLoan(loan policy.Loan, c policy.Context) policy.Decision {
	start := time.Now()
	d := s.evaluator.Evaluate(loan, c)
	metrics.ObserveDecision(d, time.Since(start))
	return d
}

// Evaluate decides whether lenderID may auto-fund loanID right now
func (s *Service) Evaluate(ctx context.Context, loanID, lenderID string) (*Evaluation, error) {
	start := time.Now()

	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	lender, err := s.store.GetLender(ctx, lenderID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	fundings, err := s.store.FundingsSince(ctx, usage.DayStart(now), lender.ID, loan.BorrowerFID)
	if err != nil {
		return nil, fmt.Errorf("failed to load today's fundings: %w", err)
	}
	snap := usage.Compute(fundings, lender.ID, loan.BorrowerFID, now)

	opportunity := loan.Opportunity()
	lenderUsage := snap.Lender()
	decision := s.evaluator.EvaluateStrategy(opportunity, lender.Strategy, lenderUsage, snap.Fairness(s.caps))

	ev := &Evaluation{
		LoanID:   loan.ID,
		LenderID: lender.ID,
		Usage:    snap,
		loan:     loan,
	}

	if s.guards != nil && !decision.Killed() {
		reasons, results, err := s.guards.Check(ctx, lender.ID, opportunity, lenderUsage)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate guards: %w", err)
		}
		ev.Guards = results
		decision = policy.Merge(decision, reasons...)
	}
	ev.Decision = decision

	metrics.ObserveDecision(decision, time.Since(start))
	logger.Info("funding decision",
		"loan_id", loan.ID,
		"lender_id", lender.ID,
		"ok", decision.OK,
		"reasons", decision.Reasons,
		"lender_loans_today", snap.LenderLoans,
	)
	return ev, nil
}

// Fund evaluates the loan and, when the decision is ok, records a funding
// intent and marks the loan funded. On rejection the funding is nil.
func (s *Service) Fund(ctx context.Context, loanID, lenderID string) (*Evaluation, *lending.Funding, error) {
	ev, err := s.Evaluate(ctx, loanID, lenderID)
	if err != nil {
		return nil, nil, err
	}
	if ev.loan.Status != lending.StatusSeeking {
		return ev, nil, fmt.Errorf("loan %s is %s: %w", loanID, ev.loan.Status, ErrLoanNotSeeking)
	}
	if !ev.Decision.OK {
		return ev, nil, nil
	}

	now := s.clock.Now().UTC()
	f := &lending.Funding{
		ID:          uuid.NewString(),
		LoanID:      ev.loan.ID,
		LenderID:    lenderID,
		BorrowerFID: ev.loan.BorrowerFID,
		AmountUSDC6: ev.loan.AmountUSDC6,
		Status:      lending.FundingIntent,
		FundedAt:    now,
	}
	dueAt := now.AddDate(0, 0, ev.loan.DurationDays)

	if err := s.store.MarkFunded(ctx, f, dueAt); err != nil {
		if errors.Is(err, lending.ErrConflict) {
			return ev, nil, fmt.Errorf("%w: %w", ErrLoanNotSeeking, err)
		}
		return ev, nil, fmt.Errorf("failed to record funding: %w", err)
	}

	logger.Info("loan funded",
		"loan_id", f.LoanID,
		"lender_id", f.LenderID,
		"funding_id", f.ID,
		"amount_usdc_6", f.AmountUSDC6,
		"due_at", dueAt,
	)
	return ev, f, nil
}

// Repay marks a funded, due or overdue loan repaid. When the sweeper moves
// the loan between the read and the conditional update, the update is
// retried from the newly stored status.
func (s *Service) Repay(ctx context.Context, loanID string) (*lending.Loan, error) {
	for attempt := 0; attempt < repayAttempts; attempt++ {
		loan, err := s.store.GetLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}
		switch loan.Status {
		case lending.StatusFunded, lending.StatusDue, lending.StatusOverdue:
		default:
			return nil, fmt.Errorf("loan %s is %s: %w", loanID, loan.Status, ErrLoanNotRepayable)
		}

		err = s.store.UpdateLoanStatus(ctx, loanID, loan.Status, lending.StatusRepaid)
		if errors.Is(err, lending.ErrConflict) {
			logger.Debug("loan status changed during repay, retrying", "loan_id", loanID, "from", loan.Status)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to mark loan repaid: %w", err)
		}

		metrics.LifecycleTransitions.WithLabelValues(string(loan.Status), string(lending.StatusRepaid)).Inc()
		logger.Info("loan repaid", "loan_id", loanID, "from", loan.Status)
		return s.store.GetLoan(ctx, loanID)
	}
	return nil, fmt.Errorf("loan %s kept changing status: %w", loanID, lending.ErrConflict)
}
