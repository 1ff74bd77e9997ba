package policy

import (
	"errors"
	"fmt"
	"slices"
)

// MaxScore is the top of the borrower score range
const MaxScore = 900

// Strategy is a lender's stored funding configuration. Agents and human
// auto-lenders both use it; it becomes a Context through Context().
type Strategy struct {
	LenderKind            Kind       `json:"lender_kind" yaml:"lender_kind"`
	AllowKinds            AllowKinds `json:"allow_kinds" yaml:"allow_kinds"`
	MinScore              int        `json:"min_score" yaml:"min_score"`
	MaxAmountUSDC6        uint64     `json:"max_amount_6" yaml:"max_amount_6"`
	PreferredDurations    []int      `json:"preferred_durations" yaml:"preferred_durations"`
	Limits                Limits     `json:"limits" yaml:"limits"`
	AutoFund              bool       `json:"auto_fund" yaml:"auto_fund"`
	Whitelist             []string   `json:"whitelist,omitempty" yaml:"whitelist,omitempty"`
	Denylist              []string   `json:"denylist,omitempty" yaml:"denylist,omitempty"`
	HoldbackWindowMinutes *int       `json:"holdback_window_minutes,omitempty" yaml:"holdback_window_minutes,omitempty"`
}

// Validate reports malformed strategy settings
func (s Strategy) Validate() error {
	var errs []error

	if !s.LenderKind.Valid() {
		errs = append(errs, fmt.Errorf("lender_kind %q must be human or agent", s.LenderKind))
	}
	if !s.AllowKinds.Valid() {
		errs = append(errs, fmt.Errorf("allow_kinds %q must be human, agent or both", s.AllowKinds))
	}

	if s.MinScore < 0 || s.MinScore > MaxScore {
		errs = append(errs, fmt.Errorf("min_score %d outside 0-%d", s.MinScore, MaxScore))
	}

	if len(s.PreferredDurations) == 0 {
		errs = append(errs, errors.New("preferred_durations must list at least one duration"))
	}
	for _, d := range s.PreferredDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("preferred duration %d must be positive", d))
		}
	}

	if s.Limits.MaxLoansPerDay < 0 {
		errs = append(errs, fmt.Errorf("max_loans_per_day %d must not be negative", s.Limits.MaxLoansPerDay))
	}

	if s.HoldbackWindowMinutes != nil && *s.HoldbackWindowMinutes < 0 {
		errs = append(errs, fmt.Errorf("holdback_window_minutes %d must not be negative", *s.HoldbackWindowMinutes))
	}

	return errors.Join(errs...)
}

// Clone returns a copy sharing no slices or pointers with s
func (s Strategy) Clone() Strategy {
	s.PreferredDurations = slices.Clone(s.PreferredDurations)
	s.Whitelist = slices.Clone(s.Whitelist)
	s.Denylist = slices.Clone(s.Denylist)
	if s.HoldbackWindowMinutes != nil {
		v := *s.HoldbackWindowMinutes
		s.HoldbackWindowMinutes = &v
	}
	return s
}

// Context maps the strategy onto a funding context for one evaluation
func (s Strategy) Context(usage Usage, caps *FairnessCaps) Context {
	limits := s.Limits
	if limits.IsZero() {
		limits = DefaultLimits()
	}
	return Context{
		LenderKind:            s.LenderKind,
		AllowKinds:            s.AllowKinds,
		MinScore:              s.MinScore,
		MaxAmountUSDC6:        s.MaxAmountUSDC6,
		PreferredDurations:    s.PreferredDurations,
		Limits:                limits,
		Usage:                 usage,
		AllowAutoFund:         s.AutoFund,
		Whitelist:             s.Whitelist,
		Denylist:              s.Denylist,
		HoldbackWindowMinutes: s.HoldbackWindowMinutes,
		FairnessCaps:          caps,
	}
}

// EvaluateStrategy evaluates loan against the context built from s
func (e *Evaluator) EvaluateStrategy(loan Loan, s Strategy, usage Usage, caps *FairnessCaps) Decision {
	return e.Evaluate(loan, s.Context(usage, caps))
}

// EvaluateStrategy runs Evaluator.EvaluateStrategy with the system clock
func EvaluateStrategy(loan Loan, s Strategy, usage Usage, caps *FairnessCaps) Decision {
	return defaultEvaluator.EvaluateStrategy(loan, s, usage, caps)
}
