package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loancast/fundingpolicy/funding"
	"github.com/loancast/fundingpolicy/guards"
	"github.com/loancast/fundingpolicy/internal/logger"
	"github.com/loancast/fundingpolicy/internal/metrics"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/policy"
	"github.com/loancast/fundingpolicy/ratelimit"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"lendersLoaded": len(s.guards.Loaded()),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := validateOpportunity(req.Loan); err != nil {
		respondError(w, http.StatusBadRequest, "invalid loan", err)
		return
	}

	respondJSON(w, http.StatusOK, s.funding.EvaluateLoan(req.Loan, req.Context))
}

func (s *Server) handleCreateLender(w http.ResponseWriter, r *http.Request) {
	var req CreateLenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FID == "" {
		respondError(w, http.StatusBadRequest, "fid is required", nil)
		return
	}
	if !req.Kind.Valid() {
		respondError(w, http.StatusBadRequest, "kind must be human or agent", nil)
		return
	}
	if err := req.Strategy.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid strategy", err)
		return
	}

	lender := &lending.Lender{
		ID:       req.ID,
		FID:      req.FID,
		Kind:     req.Kind,
		Strategy: req.Strategy,
	}
	if lender.ID == "" {
		lender.ID = uuid.NewString()
	}

	if err := s.store.CreateLender(r.Context(), lender); err != nil {
		respondStoreError(w, "failed to create lender", err)
		return
	}
	respondJSON(w, http.StatusCreated, lender)
}

func (s *Server) handleGetLender(w http.ResponseWriter, r *http.Request) {
	lender, err := s.store.GetLender(r.Context(), chi.URLParam(r, "lenderId"))
	if err != nil {
		respondStoreError(w, "failed to get lender", err)
		return
	}
	respondJSON(w, http.StatusOK, lender)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	lenderID := chi.URLParam(r, "lenderId")

	var strategy policy.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strategy); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := strategy.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid strategy", err)
		return
	}

	if err := s.store.UpdateLenderStrategy(r.Context(), lenderID, strategy); err != nil {
		respondStoreError(w, "failed to update strategy", err)
		return
	}
	lender, err := s.store.GetLender(r.Context(), lenderID)
	if err != nil {
		respondStoreError(w, "failed to get lender", err)
		return
	}
	respondJSON(w, http.StatusOK, lender)
}

func (s *Server) handleCreateGuard(w http.ResponseWriter, r *http.Request) {
	lenderID := chi.URLParam(r, "lenderId")
	if _, err := s.store.GetLender(r.Context(), lenderID); err != nil {
		respondStoreError(w, "failed to get lender", err)
		return
	}

	var req GuardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	g := &guards.Guard{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Expression: req.Expression,
		Active:     req.Active == nil || *req.Active,
	}
	if err := s.guards.Add(r.Context(), lenderID, g); err != nil {
		respondStoreError(w, "failed to add guard", err)
		return
	}
	respondJSON(w, http.StatusCreated, g)
}

func (s *Server) handleListGuards(w http.ResponseWriter, r *http.Request) {
	list, err := s.guards.List(r.Context(), chi.URLParam(r, "lenderId"))
	if err != nil {
		respondStoreError(w, "failed to list guards", err)
		return
	}
	if list == nil {
		list = []*guards.Guard{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"guards": list})
}

func (s *Server) handleUpdateGuard(w http.ResponseWriter, r *http.Request) {
	var req GuardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	g := &guards.Guard{
		ID:         chi.URLParam(r, "guardId"),
		Name:       req.Name,
		Expression: req.Expression,
		Active:     req.Active == nil || *req.Active,
	}
	if err := s.guards.Update(r.Context(), chi.URLParam(r, "lenderId"), g); err != nil {
		respondStoreError(w, "failed to update guard", err)
		return
	}
	respondJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGuard(w http.ResponseWriter, r *http.Request) {
	err := s.guards.Delete(r.Context(), chi.URLParam(r, "lenderId"), chi.URLParam(r, "guardId"))
	if err != nil {
		respondStoreError(w, "failed to delete guard", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	loan := &lending.Loan{
		ID:            req.ID,
		CastHash:      req.CastHash,
		BorrowerFID:   req.BorrowerFID,
		BorrowerKind:  req.BorrowerKind,
		BorrowerScore: req.BorrowerScore,
		AmountUSDC6:   req.AmountUSDC6,
		DurationDays:  req.DurationDays,
		Status:        lending.StatusSeeking,
		CreatedAt:     time.Now().UTC(),
	}
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	if err := validateOpportunity(loan.Opportunity()); err != nil {
		respondError(w, http.StatusBadRequest, "invalid loan", err)
		return
	}

	if err := s.store.CreateLoan(r.Context(), loan); err != nil {
		respondStoreError(w, "failed to create loan", err)
		return
	}
	respondJSON(w, http.StatusCreated, loan)
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := s.store.GetLoan(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		respondStoreError(w, "failed to get loan", err)
		return
	}
	respondJSON(w, http.StatusOK, loan)
}

func (s *Server) handleEvaluateLoan(w http.ResponseWriter, r *http.Request) {
	lenderID := r.URL.Query().Get("lender")
	if lenderID == "" {
		respondError(w, http.StatusBadRequest, "lender query parameter is required", nil)
		return
	}

	ev, err := s.funding.Evaluate(r.Context(), chi.URLParam(r, "loanId"), lenderID)
	if err != nil {
		respondStoreError(w, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, newEvaluationResponse(ev, nil))
}

func (s *Server) handleFundLoan(w http.ResponseWriter, r *http.Request) {
	lenderID := r.URL.Query().Get("lender")
	if lenderID == "" {
		respondError(w, http.StatusBadRequest, "lender query parameter is required", nil)
		return
	}

	limit := s.limiter.Allow(r.Context(), ratelimit.LenderKey(lenderID), s.cfg.RateLimit.FundPerWindow)
	if !limit.Allowed {
		metrics.RateLimited.Inc()
		retry := limit.RetryAfter(time.Now().UTC())
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
		return
	}

	ev, f, err := s.funding.Fund(r.Context(), chi.URLParam(r, "loanId"), lenderID)
	if err != nil {
		respondStoreError(w, "funding failed", err)
		return
	}
	if f == nil {
		respondJSON(w, http.StatusUnprocessableEntity, newEvaluationResponse(ev, nil))
		return
	}
	respondJSON(w, http.StatusCreated, newEvaluationResponse(ev, f))
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := s.funding.Repay(r.Context(), chi.URLParam(r, "loanId"))
	if err != nil {
		respondStoreError(w, "repayment failed", err)
		return
	}
	respondJSON(w, http.StatusOK, loan)
}

// validateOpportunity rejects inputs the evaluator's contract excludes
func validateOpportunity(loan policy.Loan) error {
	var errs []error
	if loan.BorrowerFID == "" {
		errs = append(errs, errors.New("borrower_fid is required"))
	}
	if !loan.BorrowerKind.Valid() {
		errs = append(errs, fmt.Errorf("borrower_kind %q must be human or agent", loan.BorrowerKind))
	}
	switch {
	case loan.AmountUSDC6 == 0:
		errs = append(errs, errors.New("amount_usdc_6 must be positive"))
	case loan.AmountUSDC6 > math.MaxInt64:
		errs = append(errs, fmt.Errorf("amount_usdc_6 must not exceed %d", int64(math.MaxInt64)))
	}
	if loan.DurationDays <= 0 {
		errs = append(errs, errors.New("duration_days must be positive"))
	}
	if loan.BorrowerScore != nil && (*loan.BorrowerScore < 0 || *loan.BorrowerScore > policy.MaxScore) {
		errs = append(errs, fmt.Errorf("borrower_score %d outside 0-%d", *loan.BorrowerScore, policy.MaxScore))
	}
	return errors.Join(errs...)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondStoreError maps domain sentinels onto HTTP statuses
func respondStoreError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, lending.ErrNotFound), errors.Is(err, guards.ErrNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, funding.ErrLoanNotSeeking), errors.Is(err, funding.ErrLoanNotRepayable),
		errors.Is(err, lending.ErrConflict):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, guards.ErrInvalidGuard):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		logger.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
