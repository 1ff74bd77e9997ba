package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loancast/fundingpolicy/guards"
	"github.com/loancast/fundingpolicy/internal/config"
	"github.com/loancast/fundingpolicy/lending"
	"github.com/loancast/fundingpolicy/ratelimit"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	server, err := NewServerWithStores(cfg, Stores{
		Lending: lending.NewMemoryStore(),
		Guards:  guards.NewInMemoryGuardStore(),
		Limiter: ratelimit.NewInMemory(cfg.RateLimit.Window),
	})
	if err != nil {
		t.Fatalf("NewServerWithStores() failed: %v", err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return ts
}

// doJSON sends body as JSON and decodes the response into a map
func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("failed to decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func expectStatus(t *testing.T, got, want int, body map[string]any) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %d, want %d (body %v)", got, want, body)
	}
}

func testStrategy() map[string]any {
	return map[string]any{
		"lender_kind":         "agent",
		"allow_kinds":         "both",
		"min_score":           600,
		"max_amount_6":        100_000_000,
		"preferred_durations": []int{7, 14},
		"auto_fund":           true,
	}
}

func createLenderAndLoan(t *testing.T, baseURL string) {
	t.Helper()
	status, body := doJSON(t, "POST", baseURL+"/lenders", map[string]any{
		"id":       "lender-1",
		"fid":      "100",
		"kind":     "agent",
		"strategy": testStrategy(),
	})
	expectStatus(t, status, http.StatusCreated, body)

	status, body = doJSON(t, "POST", baseURL+"/loans", map[string]any{
		"id":             "loan-1",
		"borrower_fid":   "42",
		"borrower_kind":  "human",
		"borrower_score": 700,
		"amount_usdc_6":  50_000_000,
		"duration_days":  7,
	})
	expectStatus(t, status, http.StatusCreated, body)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := doJSON(t, "GET", ts.URL+"/api/v1/health", nil)
	expectStatus(t, status, http.StatusOK, body)
	if body["status"] != "healthy" {
		t.Errorf("health = %v", body)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(raw, []byte("loancast_funding_ratelimited_total")) {
		t.Errorf("/metrics status %d missing loancast collectors", resp.StatusCode)
	}
}

func TestStatelessEvaluate(t *testing.T) {
	ts := newTestServer(t, nil)
	url := ts.URL + "/api/v1/evaluate"

	req := map[string]any{
		"loan": map[string]any{
			"id": "l1", "amount_usdc_6": 150_000_000, "duration_days": 21,
			"borrower_fid": "7", "borrower_kind": "human",
		},
		"context": map[string]any{
			"lender_kind":         "human",
			"allow_kinds":         "both",
			"max_amount_6":        100_000_000,
			"preferred_durations": []int{7, 14},
			"allow_auto_fund":     true,
			"limits": map[string]any{
				"max_loans_per_day": 10, "max_usdc_per_day_6": 1_000_000_000,
				"max_usdc_per_tx_6": 500_000_000, "per_counterparty_day_6": 500_000_000,
			},
		},
	}
	status, body := doJSON(t, "POST", url, req)
	expectStatus(t, status, http.StatusOK, body)
	if body["ok"] != false {
		t.Errorf("ok = %v, want false", body["ok"])
	}
	reasons, _ := body["reasons"].([]any)
	if len(reasons) != 2 || reasons[0] != "amount_above_max" || reasons[1] != "duration_not_preferred" {
		t.Errorf("reasons = %v", reasons)
	}

	// invalid input never reaches the evaluator
	req["loan"].(map[string]any)["borrower_kind"] = "robot"
	status, body = doJSON(t, "POST", url, req)
	expectStatus(t, status, http.StatusBadRequest, body)
}

func TestLenderLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"

	bad := testStrategy()
	bad["min_score"] = 1000
	status, body := doJSON(t, "POST", base+"/lenders", map[string]any{"fid": "1", "kind": "human", "strategy": bad})
	expectStatus(t, status, http.StatusBadRequest, body)

	createLenderAndLoan(t, base)

	status, body = doJSON(t, "POST", base+"/lenders", map[string]any{"id": "lender-1", "fid": "100", "kind": "agent", "strategy": testStrategy()})
	expectStatus(t, status, http.StatusConflict, body)

	status, body = doJSON(t, "GET", base+"/lenders/lender-1", nil)
	expectStatus(t, status, http.StatusOK, body)

	updated := testStrategy()
	updated["min_score"] = 750
	status, body = doJSON(t, "PUT", base+"/lenders/lender-1/strategy", updated)
	expectStatus(t, status, http.StatusOK, body)
	if strategy, _ := body["strategy"].(map[string]any); strategy["min_score"] != float64(750) {
		t.Errorf("strategy after update = %v", body["strategy"])
	}

	status, body = doJSON(t, "GET", base+"/lenders/nobody", nil)
	expectStatus(t, status, http.StatusNotFound, body)
	status, body = doJSON(t, "PUT", base+"/lenders/nobody/strategy", testStrategy())
	expectStatus(t, status, http.StatusNotFound, body)
}

func TestGuardEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createLenderAndLoan(t, base)

	status, body := doJSON(t, "POST", base+"/lenders/lender-1/guards", map[string]any{"name": "Bad Name", "expression": "true"})
	expectStatus(t, status, http.StatusBadRequest, body)

	status, body = doJSON(t, "POST", base+"/lenders/lender-1/guards", map[string]any{"name": "tiny_only", "expression": "loan.amount_usdc_6 <= 1000000"})
	expectStatus(t, status, http.StatusCreated, body)
	guardID, _ := body["id"].(string)

	status, body = doJSON(t, "POST", base+"/lenders/nobody/guards", map[string]any{"name": "x", "expression": "true"})
	expectStatus(t, status, http.StatusNotFound, body)

	status, body = doJSON(t, "GET", base+"/lenders/lender-1/guards", nil)
	expectStatus(t, status, http.StatusOK, body)
	if list, _ := body["guards"].([]any); len(list) != 1 {
		t.Errorf("guards = %v, want 1", body["guards"])
	}

	status, body = doJSON(t, "POST", base+"/loans/loan-1/evaluate?lender=lender-1", nil)
	expectStatus(t, status, http.StatusOK, body)
	if body["ok"] != false {
		t.Errorf("evaluate with failing guard ok = %v", body["ok"])
	}
	if reasons, _ := body["reasons"].([]any); len(reasons) != 1 || reasons[0] != "guard_failed_tiny_only" {
		t.Errorf("reasons = %v", body["reasons"])
	}

	status, body = doJSON(t, "PUT", base+"/lenders/lender-1/guards/"+guardID, map[string]any{"name": "tiny_only", "expression": "loan.amount_usdc_6 <= 100000000"})
	expectStatus(t, status, http.StatusOK, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/evaluate?lender=lender-1", nil)
	expectStatus(t, status, http.StatusOK, body)
	if body["ok"] != true {
		t.Errorf("evaluate after guard update = %v", body)
	}

	status, _ = doJSON(t, "DELETE", base+"/lenders/lender-1/guards/"+guardID, nil)
	if status != http.StatusNoContent {
		t.Errorf("DELETE guard status = %d, want 204", status)
	}
	status, body = doJSON(t, "DELETE", base+"/lenders/lender-1/guards/"+guardID, nil)
	expectStatus(t, status, http.StatusNotFound, body)
}

func TestFundFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createLenderAndLoan(t, base)

	status, body := doJSON(t, "POST", base+"/loans/loan-1/fund", nil)
	expectStatus(t, status, http.StatusBadRequest, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusCreated, body)
	fundingBody, _ := body["funding"].(map[string]any)
	if fundingBody["status"] != "intent" || fundingBody["loan_id"] != "loan-1" {
		t.Errorf("funding = %v", body["funding"])
	}

	status, body = doJSON(t, "GET", base+"/loans/loan-1", nil)
	expectStatus(t, status, http.StatusOK, body)
	if body["status"] != "funded" || body["due_at"] == nil {
		t.Errorf("loan after fund = %v", body)
	}

	status, body = doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusConflict, body)

	status, body = doJSON(t, "POST", base+"/loans/missing/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusNotFound, body)
}

func TestFundRejectedReturns422(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createLenderAndLoan(t, base)

	strategy := testStrategy()
	strategy["preferred_durations"] = []int{30}
	status, body := doJSON(t, "PUT", base+"/lenders/lender-1/strategy", strategy)
	expectStatus(t, status, http.StatusOK, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusUnprocessableEntity, body)
	if reasons, _ := body["reasons"].([]any); len(reasons) != 1 || reasons[0] != "duration_not_preferred" {
		t.Errorf("reasons = %v", body["reasons"])
	}
	if body["funding"] != nil {
		t.Errorf("funding = %v, want none", body["funding"])
	}
}

func TestFundRateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.RateLimit.FundPerWindow = 1 })
	base := ts.URL + "/api/v1"
	createLenderAndLoan(t, base)

	status, body := doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusCreated, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusTooManyRequests, body)
}

func TestCreateLoanValidation(t *testing.T) {
	ts := newTestServer(t, nil)

	status, body := doJSON(t, "POST", ts.URL+"/api/v1/loans", map[string]any{
		"borrower_fid": "42", "borrower_kind": "human", "amount_usdc_6": 0, "duration_days": 7,
	})
	expectStatus(t, status, http.StatusBadRequest, body)

	status, body = doJSON(t, "POST", ts.URL+"/api/v1/loans", map[string]any{
		"borrower_fid": "42", "borrower_kind": "human", "borrower_score": 901, "amount_usdc_6": 1, "duration_days": 7,
	})
	expectStatus(t, status, http.StatusBadRequest, body)

	status, body = doJSON(t, "POST", ts.URL+"/api/v1/loans", map[string]any{
		"borrower_fid": "42", "borrower_kind": "agent", "amount_usdc_6": 1, "duration_days": 7,
	})
	expectStatus(t, status, http.StatusCreated, body)
	if body["status"] != "seeking" || body["id"] == "" {
		t.Errorf("created loan = %v", body)
	}
}

func TestRepayLoan(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createLenderAndLoan(t, base)

	status, body := doJSON(t, "POST", base+"/loans/loan-1/repay", nil)
	expectStatus(t, status, http.StatusConflict, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/fund?lender=lender-1", nil)
	expectStatus(t, status, http.StatusCreated, body)

	status, body = doJSON(t, "POST", base+"/loans/loan-1/repay", nil)
	expectStatus(t, status, http.StatusOK, body)
	if body["status"] != "repaid" || body["repaid_at"] == nil {
		t.Errorf("repaid loan = %v", body)
	}

	status, body = doJSON(t, "POST", base+"/loans/loan-1/repay", nil)
	expectStatus(t, status, http.StatusConflict, body)

	status, body = doJSON(t, "POST", base+"/loans/missing/repay", nil)
	expectStatus(t, status, http.StatusNotFound, body)
}

func TestAmountAboveInt64Rejected(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	huge := uint64(1)<<63 + 5

	status, body := doJSON(t, "POST", base+"/loans", map[string]any{
		"borrower_fid": "42", "borrower_kind": "human", "amount_usdc_6": huge, "duration_days": 7,
	})
	expectStatus(t, status, http.StatusBadRequest, body)

	status, body = doJSON(t, "POST", base+"/evaluate", map[string]any{
		"loan":    map[string]any{"id": "l1", "borrower_fid": "42", "borrower_kind": "human", "amount_usdc_6": huge, "duration_days": 7},
		"context": map[string]any{"allow_auto_fund": true},
	})
	expectStatus(t, status, http.StatusBadRequest, body)
}
