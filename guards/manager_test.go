package guards

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/loancast/fundingpolicy/policy"
)

func TestManagerLazyLoad(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryGuardStore()
	_ = store.Add(ctx, &Guard{ID: "g1", LenderID: "lender-1", Name: "cap", Expression: `loan.amount_usdc_6 <= 10`, Active: true})

	m, err := NewManager(store)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	if len(m.Loaded()) != 0 {
		t.Fatalf("Loaded() = %v, want none before first use", m.Loaded())
	}

	en, err := m.Engine(ctx, "lender-1")
	if err != nil {
		t.Fatalf("Engine() failed: %v", err)
	}
	if en.Len() != 1 {
		t.Errorf("Len() = %d, want 1", en.Len())
	}
	again, _ := m.Engine(ctx, "lender-1")
	if again != en {
		t.Error("Engine() should return the cached engine")
	}
	if !reflect.DeepEqual(m.Loaded(), []string{"lender-1"}) {
		t.Errorf("Loaded() = %v", m.Loaded())
	}
}

func TestManagerReloadPicksUpStoreChanges(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryGuardStore()
	m, _ := NewManager(store)

	if _, err := m.Engine(ctx, "lender-1"); err != nil {
		t.Fatalf("Engine() failed: %v", err)
	}

	// written behind the manager's back, e.g. by another replica
	_ = store.Add(ctx, &Guard{ID: "g1", LenderID: "lender-1", Name: "cap", Expression: `false`, Active: true})

	reasons, _, _ := m.Check(ctx, "lender-1", policy.Loan{ID: "l"}, policy.Usage{})
	if len(reasons) != 0 {
		t.Fatalf("Check() before reload = %v, want stale empty result", reasons)
	}

	if err := m.Reload(ctx, "lender-1"); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	reasons, _, _ = m.Check(ctx, "lender-1", policy.Loan{ID: "l"}, policy.Usage{})
	if !reflect.DeepEqual(reasons, []string{"guard_failed_cap"}) {
		t.Errorf("Check() after reload = %v", reasons)
	}

	m.Evict("lender-1")
	if len(m.Loaded()) != 0 {
		t.Errorf("Loaded() after Evict = %v", m.Loaded())
	}
}

func TestManagerCheck(t *testing.T) {
	ctx := context.Background()
	m, _ := NewManager(NewInMemoryGuardStore())

	if err := m.Add(ctx, "lender-1", &Guard{ID: "g1", Name: "short_only", Expression: `loan.duration_days <= 14`, Active: true}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := m.Add(ctx, "lender-1", &Guard{ID: "g2", Name: "quiet_day", Expression: `usage.today_loans < 3`, Active: true}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	loan := policy.Loan{ID: "l1", AmountUSDC6: 1, DurationDays: 30, BorrowerFID: "7", BorrowerKind: policy.KindHuman}
	reasons, results, err := m.Check(ctx, "lender-1", loan, policy.Usage{Loans: 5})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	want := []string{"guard_failed_short_only", "guard_failed_quiet_day"}
	if !reflect.DeepEqual(reasons, want) {
		t.Errorf("Check() reasons = %v, want %v", reasons, want)
	}
	if len(results) != 2 {
		t.Errorf("Check() results = %d, want 2", len(results))
	}

	// another lender's guards are independent
	reasons, _, _ = m.Check(ctx, "lender-2", loan, policy.Usage{Loans: 5})
	if len(reasons) != 0 {
		t.Errorf("lender-2 reasons = %v, want none", reasons)
	}

	list, _ := m.List(ctx, "lender-1")
	if len(list) != 2 {
		t.Errorf("List() = %d guards, want 2", len(list))
	}

	if err := m.Delete(ctx, "lender-2", "g1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() via wrong lender error = %v, want ErrNotFound", err)
	}
	if err := m.Update(ctx, "lender-2", &Guard{ID: "g1", Name: "hijack", Expression: `true`, Active: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() via wrong lender error = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "lender-1", "g1"); err != nil {
		t.Errorf("Delete() failed: %v", err)
	}
}
