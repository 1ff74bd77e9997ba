package guards

import (
	"errors"
	"math"
	"time"

	"github.com/loancast/fundingpolicy/policy"
)

var (
	// ErrInvalidGuard is returned for guards that fail validation or do not compile
	ErrInvalidGuard = errors.New("invalid guard")
	// ErrNotFound is returned when a guard does not exist
	ErrNotFound = errors.New("guard not found")
)

// Guard is a lender-authored CEL expression that must be true for the
// lender to auto-fund a loan
type Guard struct {
	ID         string    `json:"id"`
	LenderID   string    `json:"lender_id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Result is the outcome of evaluating one guard
type Result struct {
	GuardID string `json:"guard_id"`
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Error   error  `json:"-"`
	Trace   any    `json:"-"`
}

// Reason is the rejection code for a failed result, or "" if it passed
func (r *Result) Reason() string {
	switch {
	case r.Error != nil:
		return "guard_error_" + r.Name
	case !r.Passed:
		return "guard_failed_" + r.Name
	}
	return ""
}

// Reasons collects rejection codes from results in order
func Reasons(results []*Result) []string {
	var reasons []string
	for _, r := range results {
		if reason := r.Reason(); reason != "" {
			reasons = append(reasons, reason)
		}
	}
	return reasons
}

// Facts builds the CEL activation for a loan and the lender's usage.
// Numbers are int64 so expressions compare against plain int literals;
// money above math.MaxInt64 saturates instead of wrapping negative.
func Facts(loan policy.Loan, u policy.Usage) map[string]any {
	score := int64(-1)
	if loan.BorrowerScore != nil {
		score = int64(*loan.BorrowerScore)
	}
	return map[string]any{
		"loan": map[string]any{
			"id":             loan.ID,
			"amount_usdc_6":  satInt64(loan.AmountUSDC6),
			"duration_days":  int64(loan.DurationDays),
			"borrower_fid":   loan.BorrowerFID,
			"borrower_kind":  string(loan.BorrowerKind),
			"has_score":      loan.BorrowerScore != nil,
			"borrower_score": score,
		},
		"usage": map[string]any{
			"today_loans":          int64(u.Loans),
			"today_spend_6":        satInt64(u.Spend6),
			"today_counterparty_6": satInt64(u.Counterparty6),
		},
	}
}

func satInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
