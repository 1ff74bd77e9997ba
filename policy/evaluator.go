// Package policy decides whether a lender may auto-fund a loan.
//
// Evaluation is a pure function of its inputs and an injected clock. Every
// rule is checked and each violation is reported, so a caller can show the
// full set of blocking settings at once. Only the global kill switch stops
// evaluation early.
package policy

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Evaluator applies the funding rules. The zero value uses the wall clock.
// An Evaluator holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	Clock Clock
}

// NewEvaluator creates an evaluator reading time from clock
func NewEvaluator(clock Clock) *Evaluator {
	return &Evaluator{Clock: clock}
}

var defaultEvaluator = &Evaluator{}

// Evaluate runs the rules with the system clock
func Evaluate(loan Loan, ctx Context) Decision {
	return defaultEvaluator.Evaluate(loan, ctx)
}

func (e *Evaluator) now() time.Time {
	if e == nil || e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

// Evaluate checks loan against ctx and returns the decision
func (e *Evaluator) Evaluate(loan Loan, ctx Context) Decision {
	if !ctx.AllowAutoFund {
		return Reject(ReasonGlobalKillswitch)
	}

	var reasons []string

	if remaining, active := holdbackRemaining(loan, ctx, e.now()); active {
		reasons = append(reasons, HoldbackReason(remaining))
	}

	if ctx.AllowKinds != AllowBoth && string(ctx.AllowKinds) != string(loan.BorrowerKind) {
		reasons = append(reasons, ReasonCounterpartyNotAllowed)
	}

	// unscored borrowers pass the floor
	if loan.BorrowerScore != nil && *loan.BorrowerScore < ctx.MinScore {
		reasons = append(reasons, ReasonScoreBelowMin)
	}

	if loan.AmountUSDC6 > ctx.MaxAmountUSDC6 {
		reasons = append(reasons, ReasonAmountAboveMax)
	}

	if !slices.Contains(ctx.PreferredDurations, loan.DurationDays) {
		reasons = append(reasons, ReasonDurationNotPreferred)
	}

	if len(ctx.Whitelist) > 0 && !slices.Contains(ctx.Whitelist, loan.BorrowerFID) {
		reasons = append(reasons, ReasonNotInAllowlist)
	}
	if slices.Contains(ctx.Denylist, loan.BorrowerFID) {
		reasons = append(reasons, ReasonInDenylist)
	}

	limits := ctx.Limits
	if ctx.Usage.Loans >= limits.MaxLoansPerDay {
		reasons = append(reasons, ReasonDailyLoanLimit)
	}
	if loan.AmountUSDC6 > limits.MaxUSDCPerTx6 {
		reasons = append(reasons, ReasonTxCapExceeded)
	}
	if addSat(ctx.Usage.Spend6, loan.AmountUSDC6) > limits.MaxUSDCPerDay6 {
		reasons = append(reasons, ReasonDailySpendLimit)
	}
	if addSat(ctx.Usage.Counterparty6, loan.AmountUSDC6) > limits.PerCounterpartyDay6 {
		reasons = append(reasons, ReasonCounterpartyDailyLimit)
	}

	if caps := ctx.FairnessCaps; caps != nil {
		if caps.BorrowerDailyLoans >= caps.MaxLoansPerBorrowerPerDay {
			reasons = append(reasons, ReasonBorrowerDailyLoanLimit)
		}
		if addSat(caps.BorrowerDailyAmount6, loan.AmountUSDC6) > caps.MaxAmountPerBorrowerPerDay6 {
			reasons = append(reasons, ReasonBorrowerDailyAmountLimit)
		}
	}

	if len(reasons) > 0 {
		return Decision{OK: false, Reasons: reasons}
	}
	return Pass()
}

// holdbackRemaining returns the time left in the holdback window, if any
func holdbackRemaining(loan Loan, ctx Context, now time.Time) (time.Duration, bool) {
	if ctx.HoldbackWindowMinutes == nil || *ctx.HoldbackWindowMinutes <= 0 || loan.CreatedAt == nil {
		return 0, false
	}
	window := time.Duration(*ctx.HoldbackWindowMinutes) * time.Minute
	elapsed := now.Sub(*loan.CreatedAt)
	if elapsed >= window {
		return 0, false
	}
	return window - elapsed, true
}

// HoldbackReason formats the holdback reason with the remaining minutes
// rounded up
func HoldbackReason(remaining time.Duration) string {
	minutes := (remaining + time.Minute - 1) / time.Minute
	return fmt.Sprintf("%s%dmin", ReasonHoldbackPrefix, int64(minutes))
}

// IsHoldback reports whether reason is a holdback window code
func IsHoldback(reason string) bool {
	return strings.HasPrefix(reason, ReasonHoldbackPrefix)
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// Pass returns an accepting decision
func Pass() Decision {
	return Decision{OK: true, Reasons: []string{ReasonPass}}
}

// Reject returns a decision failing with the given reasons
func Reject(reasons ...string) Decision {
	return Decision{OK: false, Reasons: append([]string(nil), reasons...)}
}

// Killed reports whether the decision came from the kill switch
func (d Decision) Killed() bool {
	return !d.OK && len(d.Reasons) == 1 && d.Reasons[0] == ReasonGlobalKillswitch
}

// Merge adds extra rejection reasons to an evaluator decision. A passing
// decision with no extra reasons stays passing; the kill switch result is
// returned unchanged.
func Merge(d Decision, extra ...string) Decision {
	if len(extra) == 0 || d.Killed() {
		return d
	}
	var reasons []string
	if !d.OK {
		reasons = append(reasons, d.Reasons...)
	}
	reasons = append(reasons, extra...)
	return Decision{OK: false, Reasons: reasons}
}
