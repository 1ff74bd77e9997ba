// Package lifecycle re-derives loan repayment status from the clock.
package lifecycle

import (
	"time"

	"github.com/loancast/fundingpolicy/lending"
)

// Windows are measured from a loan's due date
type Windows struct {
	// Grace is how long a due loan waits before it is overdue
	Grace time.Duration
	// DefaultAfter is how long after the due date a loan defaults
	DefaultAfter time.Duration
}

func DefaultWindows() Windows {
	return Windows{
		Grace:        24 * time.Hour,
		DefaultAfter: 14 * 24 * time.Hour,
	}
}

// order of the statuses the sweeper moves through
var rank = map[lending.LoanStatus]int{
	lending.StatusFunded:    1,
	lending.StatusDue:       2,
	lending.StatusOverdue:   3,
	lending.StatusDefaulted: 4,
}

// Derive returns the status loan should have at now. Only funded, due and
// overdue loans move, never backwards; a late sweep may skip steps.
func Derive(loan *lending.Loan, now time.Time, w Windows) lending.LoanStatus {
	current := loan.Status
	switch current {
	case lending.StatusFunded, lending.StatusDue, lending.StatusOverdue:
	default:
		return current
	}
	if loan.DueAt == nil {
		return current
	}

	due := *loan.DueAt
	target := lending.StatusFunded
	switch {
	case !now.Before(due.Add(w.DefaultAfter)):
		target = lending.StatusDefaulted
	case !now.Before(due.Add(w.Grace)):
		target = lending.StatusOverdue
	case !now.Before(due):
		target = lending.StatusDue
	}

	if rank[target] > rank[current] {
		return target
	}
	return current
}
