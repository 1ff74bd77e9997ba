package guards

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loancast/fundingpolicy/policy"
)

// Manager keeps one guard engine per lender, built on first use
type Manager struct {
	env     *cel.Env
	store   GuardStore
	engines map[string]*Engine
	mu      sync.RWMutex
}

// NewManager creates a manager over store
func NewManager(store GuardStore) (*Manager, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	return &Manager{
		env:     env,
		store:   store,
		engines: make(map[string]*Engine),
	}, nil
}

// Engine returns the lender's engine, compiling its guards if not loaded
func (m *Manager) Engine(ctx context.Context, lenderID string) (*Engine, error) {
	m.mu.RLock()
	en, ok := m.engines[lenderID]
	m.mu.RUnlock()
	if ok {
		return en, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another request may have built it while we waited
	if en, ok := m.engines[lenderID]; ok {
		return en, nil
	}

	en, err := NewEngine(ctx, m.env, m.store, lenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guards for lender %s: %w", lenderID, err)
	}
	m.engines[lenderID] = en
	return en, nil
}

// Reload rebuilds a lender's engine from the store and swaps it in
func (m *Manager) Reload(ctx context.Context, lenderID string) error {
	en, err := NewEngine(ctx, m.env, m.store, lenderID)
	if err != nil {
		return fmt.Errorf("failed to reload guards for lender %s: %w", lenderID, err)
	}

	m.mu.Lock()
	m.engines[lenderID] = en
	m.mu.Unlock()
	return nil
}

// Evict drops a lender's engine; the next call rebuilds it
func (m *Manager) Evict(lenderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, lenderID)
}

// Loaded returns the IDs of lenders with a loaded engine
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	return ids
}

// List returns every guard of a lender, active or not
func (m *Manager) List(ctx context.Context, lenderID string) ([]*Guard, error) {
	return m.store.List(ctx, lenderID)
}

// Add stores a new guard for the lender
func (m *Manager) Add(ctx context.Context, lenderID string, g *Guard) error {
	en, err := m.Engine(ctx, lenderID)
	if err != nil {
		return err
	}
	return en.AddGuard(ctx, g)
}

// Update replaces an existing guard of the lender
func (m *Manager) Update(ctx context.Context, lenderID string, g *Guard) error {
	en, err := m.Engine(ctx, lenderID)
	if err != nil {
		return err
	}
	return en.UpdateGuard(ctx, g)
}

// Delete removes a guard of the lender
func (m *Manager) Delete(ctx context.Context, lenderID, guardID string) error {
	en, err := m.Engine(ctx, lenderID)
	if err != nil {
		return err
	}
	return en.DeleteGuard(ctx, guardID)
}

// Check evaluates the lender's guards for a loan and returns the
// rejection reasons, empty when every guard passes
func (m *Manager) Check(ctx context.Context, lenderID string, loan policy.Loan, u policy.Usage) ([]string, []*Result, error) {
	en, err := m.Engine(ctx, lenderID)
	if err != nil {
		return nil, nil, err
	}
	results := en.EvaluateAll(Facts(loan, u))
	return Reasons(results), results, nil
}
