package main

import (
	"github.com/loancast/fundingpolicy/funding"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/policy"
	"github.com/loancast/fundingpolicy/usage"
)

// EvaluateRequest is the body of the stateless evaluate endpoint
type EvaluateRequest struct {
	Loan    policy.Loan    `json:"loan"`
	Context policy.Context `json:"context"`
}

// CreateLenderRequest registers a lender with its strategy
type CreateLenderRequest struct {
	ID       string          `json:"id,omitempty"`
	FID      string          `json:"fid"`
	Kind     policy.Kind     `json:"kind"`
	Strategy policy.Strategy `json:"strategy"`
}

// CreateLoanRequest posts a new loan request
type CreateLoanRequest struct {
	ID            string      `json:"id,omitempty"`
	CastHash      string      `json:"cast_hash,omitempty"`
	BorrowerFID   string      `json:"borrower_fid"`
	BorrowerKind  policy.Kind `json:"borrower_kind"`
	BorrowerScore *int        `json:"borrower_score,omitempty"`
	AmountUSDC6   uint64      `json:"amount_usdc_6"`
	DurationDays  int         `json:"duration_days"`
}

// GuardRequest creates or replaces a guard; Active defaults to true
type GuardRequest struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Active     *bool  `json:"active,omitempty"`
}

// GuardResultResponse reports one guard outcome
type GuardResultResponse struct {
	GuardID string `json:"guard_id"`
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Error   string `json:"error,omitempty"`
}

// EvaluationResponse is returned by the loan evaluate and fund endpoints
type EvaluationResponse struct {
	LoanID   string                `json:"loan_id"`
	LenderID string                `json:"lender_id"`
	OK       bool                  `json:"ok"`
	Reasons  []string              `json:"reasons"`
	Usage    usage.Snapshot        `json:"usage"`
	Guards   []GuardResultResponse `json:"guards,omitempty"`
	Funding  *lending.Funding      `json:"funding,omitempty"`
}

func newEvaluationResponse(ev *funding.Evaluation, f *lending.Funding) EvaluationResponse {
	resp := EvaluationResponse{
		LoanID:   ev.LoanID,
		LenderID: ev.LenderID,
		OK:       ev.Decision.OK,
		Reasons:  ev.Decision.Reasons,
		Usage:    ev.Usage,
		Funding:  f,
	}
	for _, g := range ev.Guards {
		gr := GuardResultResponse{GuardID: g.GuardID, Name: g.Name, Passed: g.Passed}
		if g.Error != nil {
			gr.Error = g.Error.Error()
		}
		resp.Guards = append(resp.Guards, gr)
	}
	return resp
}
