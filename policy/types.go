package policy

import "time"

// Kind identifies whether a party is a person or an autonomous agent
type Kind string

const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// Valid reports whether k is human or agent
func (k Kind) Valid() bool {
	return k == KindHuman || k == KindAgent
}

// AllowKinds selects which borrower kinds a lender will fund
type AllowKinds string

const (
	AllowHuman AllowKinds = "human"
	AllowAgent AllowKinds = "agent"
	AllowBoth  AllowKinds = "both"
)

func (a AllowKinds) Valid() bool {
	return a == AllowHuman || a == AllowAgent || a == AllowBoth
}

// Loan is the funding opportunity being evaluated
// Money fields are micro-USDC (1 USDC = 1_000_000)
type Loan struct {
	ID            string     `json:"id"`
	AmountUSDC6   uint64     `json:"amount_usdc_6"`
	DurationDays  int        `json:"duration_days"`
	BorrowerFID   string     `json:"borrower_fid"`
	BorrowerKind  Kind       `json:"borrower_kind"`
	BorrowerScore *int       `json:"borrower_score,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// Limits are the lender's velocity limits
type Limits struct {
	MaxLoansPerDay      int    `json:"max_loans_per_day" yaml:"max_loans_per_day"`
	MaxUSDCPerDay6      uint64 `json:"max_usdc_per_day_6" yaml:"max_usdc_per_day_6"`
	MaxUSDCPerTx6       uint64 `json:"max_usdc_per_tx_6" yaml:"max_usdc_per_tx_6"`
	PerCounterpartyDay6 uint64 `json:"per_counterparty_day_6" yaml:"per_counterparty_day_6"`
}

// DefaultLimits returns the limits applied when a strategy leaves them unset
func DefaultLimits() Limits {
	return Limits{
		MaxLoansPerDay:      10,
		MaxUSDCPerDay6:      500_000_000,
		MaxUSDCPerTx6:       100_000_000,
		PerCounterpartyDay6: 100_000_000,
	}
}

// IsZero reports whether no limit has been configured
func (l Limits) IsZero() bool {
	return l == Limits{}
}

// Usage holds what the lender has already funded today.
// The caller computes it once per request; see package usage.
type Usage struct {
	Loans         int    `json:"today_loans"`
	Spend6        uint64 `json:"today_spend_6"`
	Counterparty6 uint64 `json:"today_counterparty_6"`
}

// FairnessCaps are platform-wide per-borrower limits. The borrower
// aggregates are summed across all lenders by the caller.
type FairnessCaps struct {
	MaxLoansPerBorrowerPerDay   int    `json:"max_loans_per_borrower_per_day"`
	MaxAmountPerBorrowerPerDay6 uint64 `json:"max_amount_per_borrower_per_day_6"`
	BorrowerDailyLoans          int    `json:"borrower_daily_loans"`
	BorrowerDailyAmount6        uint64 `json:"borrower_daily_amount_6"`
}

// Context is the lender's policy plus today's usage
type Context struct {
	LenderKind            Kind          `json:"lender_kind"`
	AllowKinds            AllowKinds    `json:"allow_kinds"`
	MinScore              int           `json:"min_score"`
	MaxAmountUSDC6        uint64        `json:"max_amount_6"`
	PreferredDurations    []int         `json:"preferred_durations"`
	Limits                Limits        `json:"limits"`
	Usage                 Usage         `json:"usage"`
	AllowAutoFund         bool          `json:"allow_auto_fund"`
	Whitelist             []string      `json:"whitelist,omitempty"`
	Denylist              []string      `json:"denylist,omitempty"`
	HoldbackWindowMinutes *int          `json:"holdback_window_minutes,omitempty"`
	FairnessCaps          *FairnessCaps `json:"fairness_caps,omitempty"`
}

// Decision is the evaluation outcome. Reasons is ["pass"] when OK and
// lists every violated rule otherwise.
type Decision struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons"`
}

// Reason codes
const (
	ReasonPass                     = "pass"
	ReasonGlobalKillswitch         = "global_killswitch"
	ReasonHoldbackPrefix           = "holdback_window_active_"
	ReasonCounterpartyNotAllowed   = "counterparty_not_allowed"
	ReasonScoreBelowMin            = "score_below_min"
	ReasonAmountAboveMax           = "amount_above_max"
	ReasonDurationNotPreferred     = "duration_not_preferred"
	ReasonNotInAllowlist           = "not_in_allowlist"
	ReasonInDenylist               = "in_denylist"
	ReasonDailyLoanLimit           = "daily_loan_limit"
	ReasonTxCapExceeded            = "tx_cap_exceeded"
	ReasonDailySpendLimit          = "daily_spend_limit"
	ReasonCounterpartyDailyLimit   = "counterparty_daily_limit"
	ReasonBorrowerDailyLoanLimit   = "borrower_daily_loan_limit_exceeded"
	ReasonBorrowerDailyAmountLimit = "borrower_daily_amount_limit_exceeded"
)
