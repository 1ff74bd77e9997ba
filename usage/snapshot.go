// Package usage computes the daily counters the funding policy needs.
package usage

import (
	"math"
	"time"

	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/policy"
)

// Snapshot is a read-only view of one day's fundings for a lender and a
// borrower, computed once per request
type Snapshot struct {
	LenderLoans         int    `json:"lender_loans"`
	LenderSpend6        uint64 `json:"lender_spend_6"`
	LenderCounterparty6 uint64 `json:"lender_counterparty_6"`
	BorrowerLoans       int    `json:"borrower_loans"`
	BorrowerAmount6     uint64 `json:"borrower_amount_6"`
}

// Caps are the platform-wide per-borrower daily limits
type Caps struct {
	MaxLoansPerBorrowerPerDay   int    `yaml:"max_loans_per_borrower_per_day"`
	MaxAmountPerBorrowerPerDay6 uint64 `yaml:"max_amount_per_borrower_per_day_6"`
}

// DayStart returns UTC midnight of the day containing t
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Compute aggregates the fundings that fall on day's UTC date
func Compute(fundings []*lending.Funding, lenderID, borrowerFID string, day time.Time) Snapshot {
	start := DayStart(day)
	end := start.AddDate(0, 0, 1)

	var s Snapshot
	for _, f := range fundings {
		if f == nil || !f.Status.CountsTowardUsage() {
			continue
		}
		if f.FundedAt.Before(start) || !f.FundedAt.Before(end) {
			continue
		}

		if f.LenderID == lenderID {
			s.LenderLoans++
			s.LenderSpend6 = addSat(s.LenderSpend6, f.AmountUSDC6)
			if f.BorrowerFID == borrowerFID {
				s.LenderCounterparty6 = addSat(s.LenderCounterparty6, f.AmountUSDC6)
			}
		}
		if f.BorrowerFID == borrowerFID {
			s.BorrowerLoans++
			s.BorrowerAmount6 = addSat(s.BorrowerAmount6, f.AmountUSDC6)
		}
	}
	return s
}

// Lender returns the lender counters in the evaluator's shape
func (s Snapshot) Lender() policy.Usage {
	return policy.Usage{
		Loans:         s.LenderLoans,
		Spend6:        s.LenderSpend6,
		Counterparty6: s.LenderCounterparty6,
	}
}

// Fairness combines platform caps with the borrower aggregates.
// It returns nil when caps is nil so the evaluator skips the check.
func (s Snapshot) Fairness(caps *Caps) *policy.FairnessCaps {
	if caps == nil {
		return nil
	}
	return &policy.FairnessCaps{
		MaxLoansPerBorrowerPerDay:   caps.MaxLoansPerBorrowerPerDay,
		MaxAmountPerBorrowerPerDay6: caps.MaxAmountPerBorrowerPerDay6,
		BorrowerDailyLoans:          s.BorrowerLoans,
		BorrowerDailyAmount6:        s.BorrowerAmount6,
	}
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
