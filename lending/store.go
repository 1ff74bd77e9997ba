package lending

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loancast/fundingpolicy/policy"
)

// Store persists loans, lenders and fundings
type Store interface {
	CreateLoan(ctx context.Context, loan *Loan) error
	GetLoan(ctx context.Context, id string) (*Loan, error)
	ListLoansByStatus(ctx context.Context, statuses ...LoanStatus) ([]*Loan, error)
	// UpdateLoanStatus moves a loan from one status to another; it returns
	// ErrConflict when the stored status is no longer from
	UpdateLoanStatus(ctx context.Context, id string, from, to LoanStatus) error
	// MarkFunded records the funding and moves the loan from seeking to funded
	MarkFunded(ctx context.Context, f *Funding, dueAt time.Time) error

	CreateLender(ctx context.Context, lender *Lender) error
	GetLender(ctx context.Context, id string) (*Lender, error)
	UpdateLenderStrategy(ctx context.Context, id string, s policy.Strategy) error

	// FundingsSince returns fundings at or after since made by lenderID or
	// received by borrowerFID
	FundingsSince(ctx context.Context, since time.Time, lenderID, borrowerFID string) ([]*Funding, error)
}

// MemoryStore implements Store with in-memory maps
// Thread-safe with RWMutex
type MemoryStore struct {
	loans    map[string]*Loan
	lenders  map[string]*Lender
	fundings []*Funding
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:   make(map[string]*Loan),
		lenders: make(map[string]*Lender),
	}
}

func (s *MemoryStore) CreateLoan(_ context.Context, loan *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loans[loan.ID]; exists {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrConflict)
	}
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = time.Now().UTC()
	}
	if loan.Status == "" {
		loan.Status = StatusSeeking
	}
	s.loans[loan.ID] = loan.clone()
	return nil
}

func (s *MemoryStore) GetLoan(_ context.Context, id string) (*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, exists := s.loans[id]
	if !exists {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return loan.clone(), nil
}

func (s *MemoryStore) ListLoansByStatus(_ context.Context, statuses ...LoanStatus) ([]*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[LoanStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*Loan
	for _, loan := range s.loans {
		if want[loan.Status] {
			out = append(out, loan.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateLoanStatus(_ context.Context, id string, from, to LoanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, exists := s.loans[id]
	if !exists {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	if loan.Status != from {
		return fmt.Errorf("loan %s is %s, not %s: %w", id, loan.Status, from, ErrConflict)
	}
	loan.Status = to
	if to == StatusRepaid {
		now := time.Now().UTC()
		loan.RepaidAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkFunded(_ context.Context, f *Funding, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, exists := s.loans[f.LoanID]
	if !exists {
		return fmt.Errorf("loan %s: %w", f.LoanID, ErrNotFound)
	}
	if loan.Status != StatusSeeking {
		return fmt.Errorf("loan %s is %s: %w", f.LoanID, loan.Status, ErrConflict)
	}

	fundedAt := f.FundedAt
	loan.Status = StatusFunded
	loan.FundedAt = &fundedAt
	loan.DueAt = &dueAt

	cp := *f
	s.fundings = append(s.fundings, &cp)
	return nil
}

func (s *MemoryStore) CreateLender(_ context.Context, lender *Lender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lenders[lender.ID]; exists {
		return fmt.Errorf("lender %s: %w", lender.ID, ErrConflict)
	}
	now := time.Now().UTC()
	lender.CreatedAt = now
	lender.UpdatedAt = now
	s.lenders[lender.ID] = lender.clone()
	return nil
}

func (s *MemoryStore) GetLender(_ context.Context, id string) (*Lender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lender, exists := s.lenders[id]
	if !exists {
		return nil, fmt.Errorf("lender %s: %w", id, ErrNotFound)
	}
	return lender.clone(), nil
}

func (s *MemoryStore) UpdateLenderStrategy(_ context.Context, id string, strategy policy.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lender, exists := s.lenders[id]
	if !exists {
		return fmt.Errorf("lender %s: %w", id, ErrNotFound)
	}
	lender.Strategy = strategy.Clone()
	lender.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FundingsSince(_ context.Context, since time.Time, lenderID, borrowerFID string) ([]*Funding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Funding
	for _, f := range s.fundings {
		if f.FundedAt.Before(since) {
			continue
		}
		if f.LenderID != lenderID && f.BorrowerFID != borrowerFID {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

// AddFunding appends a funding record without touching the loan.
// Used to seed history.
func (s *MemoryStore) AddFunding(f *Funding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.fundings = append(s.fundings, &cp)
}
