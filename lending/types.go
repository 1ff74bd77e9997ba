package lending

import (
	"errors"
	"time"

	"github.com/loancast/fundingpolicy/policy"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record already exists or changed underneath the caller
	ErrConflict = errors.New("conflict")
)

// LoanStatus is the lifecycle state of a loan
type LoanStatus string

const (
	StatusSeeking   LoanStatus = "seeking"
	StatusFunded    LoanStatus = "funded"
	StatusDue       LoanStatus = "due"
	StatusOverdue   LoanStatus = "overdue"
	StatusDefaulted LoanStatus = "defaulted"
	StatusRepaid    LoanStatus = "repaid"
)

// Valid reports whether s is a known status
func (s LoanStatus) Valid() bool {
	switch s {
	case StatusSeeking, StatusFunded, StatusDue, StatusOverdue, StatusDefaulted, StatusRepaid:
		return true
	}
	return false
}

// Loan is a persisted loan request
type Loan struct {
	ID            string      `json:"id"`
	CastHash      string      `json:"cast_hash,omitempty"`
	BorrowerFID   string      `json:"borrower_fid"`
	BorrowerKind  policy.Kind `json:"borrower_kind"`
	BorrowerScore *int        `json:"borrower_score,omitempty"`
	AmountUSDC6   uint64      `json:"amount_usdc_6"`
	DurationDays  int         `json:"duration_days"`
	Status        LoanStatus  `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	FundedAt      *time.Time  `json:"funded_at,omitempty"`
	DueAt         *time.Time  `json:"due_at,omitempty"`
	RepaidAt      *time.Time  `json:"repaid_at,omitempty"`
}

// clone returns a copy sharing no pointers with l
func (l *Loan) clone() *Loan {
	cp := *l
	cp.BorrowerScore = clonePtr(l.BorrowerScore)
	cp.FundedAt = clonePtr(l.FundedAt)
	cp.DueAt = clonePtr(l.DueAt)
	cp.RepaidAt = clonePtr(l.RepaidAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Opportunity converts the record into the evaluator's input
func (l *Loan) Opportunity() policy.Loan {
	created := l.CreatedAt
	return policy.Loan{
		ID:            l.ID,
		AmountUSDC6:   l.AmountUSDC6,
		DurationDays:  l.DurationDays,
		BorrowerFID:   l.BorrowerFID,
		BorrowerKind:  l.BorrowerKind,
		BorrowerScore: l.BorrowerScore,
		CreatedAt:     &created,
	}
}

// Lender is a funder with a stored strategy
type Lender struct {
	ID        string          `json:"id"`
	FID       string          `json:"fid"`
	Kind      policy.Kind     `json:"kind"`
	Strategy  policy.Strategy `json:"strategy"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (l *Lender) clone() *Lender {
	cp := *l
	cp.Strategy = l.Strategy.Clone()
	return &cp
}

// FundingStatus tracks a funding from intent to on-chain settlement
type FundingStatus string

const (
	FundingIntent    FundingStatus = "intent"
	FundingConfirmed FundingStatus = "confirmed"
	FundingFailed    FundingStatus = "failed"
)

// CountsTowardUsage reports whether the funding consumes daily limits
func (s FundingStatus) CountsTowardUsage() bool {
	return s == FundingIntent || s == FundingConfirmed
}

// Funding records a lender funding a loan
type Funding struct {
	ID          string        `json:"id"`
	LoanID      string        `json:"loan_id"`
	LenderID    string        `json:"lender_id"`
	BorrowerFID string        `json:"borrower_fid"`
	AmountUSDC6 uint64        `json:"amount_usdc_6"`
	Status      FundingStatus `json:"status"`
	FundedAt    time.Time     `json:"funded_at"`
}
