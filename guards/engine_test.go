package guards

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/loancast/fundingpolicy/policy"
)

func newTestEngine(t *testing.T, store GuardStore) *Engine {
	t.Helper()
	env, err := NewEnv()
	if err != nil {
		t.Fatalf("NewEnv() failed: %v", err)
	}
	en, err := NewEngine(context.Background(), env, store, "lender-1")
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return en
}

func testFacts(amount uint64, score *int) map[string]any {
	return Facts(policy.Loan{
		ID:            "loan-1",
		AmountUSDC6:   amount,
		DurationDays:  7,
		BorrowerFID:   "42",
		BorrowerKind:  policy.KindHuman,
		BorrowerScore: score,
	}, policy.Usage{Loans: 2, Spend6: 10_000_000})
}

func score(v int) *int { return &v }

func TestCompileAcceptsBooleanExpressions(t *testing.T) {
	en := newTestEngine(t, NewInMemoryGuardStore())

	testCases := []struct {
		name       string
		expression string
	}{
		{"literal", `true`},
		{"amount ceiling", `loan.amount_usdc_6 <= 25000000`},
		{"score floor", `loan.has_score && loan.borrower_score >= 650`},
		{"usage", `usage.today_loans < 3`},
		{"string match", `loan.borrower_kind == "human"`},
		{"membership", `loan.duration_days in [7, 14]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := en.Compile(tc.expression); err != nil {
				t.Errorf("Compile(%q) failed: %v", tc.expression, err)
			}
		})
	}
}

func TestCompileRejectsInvalidExpressions(t *testing.T) {
	en := newTestEngine(t, NewInMemoryGuardStore())

	testCases := []struct {
		name       string
		expression string
	}{
		{"syntax error", `loan.amount_usdc_6 <=`},
		{"undefined variable", `borrower.score > 1`},
		{"non boolean", `1 + 2`},
		{"string result", `"yes"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := en.Compile(tc.expression)
			if !errors.Is(err, ErrInvalidGuard) {
				t.Errorf("Compile(%q) error = %v, want ErrInvalidGuard", tc.expression, err)
			}
		})
	}
}

func TestEngineAddAndEvaluate(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())

	guards := []*Guard{
		{ID: "g1", Name: "small_loans", Expression: `loan.amount_usdc_6 <= 25000000`, Active: true},
		{ID: "g2", Name: "scored_only", Expression: `loan.has_score`, Active: true},
		{ID: "g3", Name: "disabled", Expression: `false`, Active: false},
	}
	for _, g := range guards {
		if err := en.AddGuard(ctx, g); err != nil {
			t.Fatalf("AddGuard(%s) failed: %v", g.Name, err)
		}
	}
	if en.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 active guards", en.Len())
	}

	results := en.EvaluateAll(testFacts(10_000_000, score(700)))
	if got := Reasons(results); len(got) != 0 {
		t.Errorf("Reasons() = %v, want none", got)
	}

	results = en.EvaluateAll(testFacts(50_000_000, nil))
	want := []string{"guard_failed_small_loans", "guard_failed_scored_only"}
	if got := Reasons(results); !reflect.DeepEqual(got, want) {
		t.Errorf("Reasons() = %v, want %v", got, want)
	}
}

func TestEngineCapturesEvaluationErrors(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())

	_ = en.AddGuard(ctx, &Guard{ID: "g1", Name: "missing_key", Expression: `loan.nonexistent > 1`, Active: true})
	_ = en.AddGuard(ctx, &Guard{ID: "g2", Name: "not_bool", Expression: `loan.borrower_fid`, Active: true})
	_ = en.AddGuard(ctx, &Guard{ID: "g3", Name: "fine", Expression: `true`, Active: true})

	results := en.EvaluateAll(testFacts(1, nil))
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 (errors must not stop evaluation)", len(results))
	}

	want := []string{"guard_error_missing_key", "guard_error_not_bool"}
	if got := Reasons(results); !reflect.DeepEqual(got, want) {
		t.Errorf("Reasons() = %v, want %v", got, want)
	}
}

func TestEngineAddRejectsInvalidGuard(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryGuardStore()
	en := newTestEngine(t, store)

	err := en.AddGuard(ctx, &Guard{ID: "g1", Name: "Bad-Name", Expression: `true`, Active: true})
	if !errors.Is(err, ErrInvalidGuard) {
		t.Errorf("AddGuard() error = %v, want ErrInvalidGuard", err)
	}

	err = en.AddGuard(ctx, &Guard{ID: "g2", Name: "broken", Expression: `loan.amount_usdc_6 >`, Active: true})
	if !errors.Is(err, ErrInvalidGuard) {
		t.Errorf("AddGuard() error = %v, want ErrInvalidGuard", err)
	}

	// nothing should have been persisted
	if list, _ := store.List(ctx, "lender-1"); len(list) != 0 {
		t.Errorf("store has %d guards after failed adds, want 0", len(list))
	}
}

func TestEngineGuardLimit(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())

	for i := 0; i < MaxGuardsPerLender; i++ {
		g := &Guard{ID: fmt.Sprintf("g%d", i), Name: fmt.Sprintf("guard_%d", i), Expression: `true`, Active: true}
		if err := en.AddGuard(ctx, g); err != nil {
			t.Fatalf("AddGuard(%d) failed: %v", i, err)
		}
	}

	err := en.AddGuard(ctx, &Guard{ID: "overflow", Name: "overflow", Expression: `true`, Active: true})
	if !errors.Is(err, ErrInvalidGuard) {
		t.Errorf("AddGuard() past limit error = %v, want ErrInvalidGuard", err)
	}
}

func TestEngineUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())

	g := &Guard{ID: "g1", Name: "cap", Expression: `loan.amount_usdc_6 <= 1`, Active: true}
	if err := en.AddGuard(ctx, g); err != nil {
		t.Fatalf("AddGuard() failed: %v", err)
	}
	if got := Reasons(en.EvaluateAll(testFacts(5, nil))); len(got) != 1 {
		t.Fatalf("Reasons() = %v, want one failure", got)
	}

	g.Expression = `loan.amount_usdc_6 <= 10`
	if err := en.UpdateGuard(ctx, g); err != nil {
		t.Fatalf("UpdateGuard() failed: %v", err)
	}
	if got := Reasons(en.EvaluateAll(testFacts(5, nil))); len(got) != 0 {
		t.Errorf("Reasons() after update = %v, want none", got)
	}

	if err := en.DeleteGuard(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGuard() failed: %v", err)
	}
	if en.Len() != 0 {
		t.Errorf("Len() after delete = %d, want 0", en.Len())
	}
	if err := en.DeleteGuard(ctx, "g1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteGuard() error = %v, want ErrNotFound", err)
	}
}

func TestEngineDeleteOtherLendersGuard(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryGuardStore()
	_ = store.Add(ctx, &Guard{ID: "foreign", LenderID: "lender-2", Name: "x", Expression: `true`, Active: true})

	en := newTestEngine(t, store)
	if err := en.DeleteGuard(ctx, "foreign"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteGuard() of another lender's guard error = %v, want ErrNotFound", err)
	}
}

func TestEngineConcurrentEvaluate(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())
	_ = en.AddGuard(ctx, &Guard{ID: "g1", Name: "cap", Expression: `loan.amount_usdc_6 <= 100`, Active: true})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			en.EvaluateAll(testFacts(uint64(i), nil))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = en.AddGuard(ctx, &Guard{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("concurrent_%d", i), Expression: `true`, Active: true})
		}(i)
	}
	wg.Wait()
}

func TestResultReason(t *testing.T) {
	if r := (&Result{Name: "x", Passed: true}); r.Reason() != "" {
		t.Errorf("passing Reason() = %q, want empty", r.Reason())
	}
	if r := (&Result{Name: "x"}); r.Reason() != "guard_failed_x" {
		t.Errorf("failing Reason() = %q", r.Reason())
	}
	if r := (&Result{Name: "x", Error: errors.New("boom")}); r.Reason() != "guard_error_x" {
		t.Errorf("error Reason() = %q", r.Reason())
	}
}

func TestEngineAmountAboveInt64DoesNotWrap(t *testing.T) {
	ctx := context.Background()
	en := newTestEngine(t, NewInMemoryGuardStore())
	_ = en.AddGuard(ctx, &Guard{ID: "g1", Name: "small_loans", Expression: `loan.amount_usdc_6 <= 25000000`, Active: true})
	_ = en.AddGuard(ctx, &Guard{ID: "g2", Name: "spend_cap", Expression: `usage.today_spend_6 < 100000000`, Active: true})

	huge := uint64(math.MaxInt64) + 6
	facts := Facts(
		policy.Loan{ID: "loan-1", AmountUSDC6: huge, DurationDays: 7, BorrowerFID: "42", BorrowerKind: policy.KindHuman},
		policy.Usage{Spend6: huge},
	)
	if got := facts["loan"].(map[string]any)["amount_usdc_6"]; got != int64(math.MaxInt64) {
		t.Errorf("amount fact = %v, want saturated at MaxInt64", got)
	}

	want := []string{"guard_failed_small_loans", "guard_failed_spend_cap"}
	if got := Reasons(en.EvaluateAll(facts)); !reflect.DeepEqual(got, want) {
		t.Errorf("Reasons() = %v, want %v", got, want)
	}
}
