package guards

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// GuardStore manages guard persistence and retrieval
type GuardStore interface {
	// Add a new guard
	Add(ctx context.Context, g *Guard) error

	// Get a guard by ID
	Get(ctx context.Context, id string) (*Guard, error)

	// List all guards of a lender, oldest first
	List(ctx context.Context, lenderID string) ([]*Guard, error)

	// ListActive lists the lender's active guards, oldest first
	ListActive(ctx context.Context, lenderID string) ([]*Guard, error)

	// Update an existing guard
	Update(ctx context.Context, g *Guard) error

	// Delete a guard
	Delete(ctx context.Context, id string) error
}

// InMemoryGuardStore implements GuardStore using an in-memory map
type InMemoryGuardStore struct {
	guards map[string]*Guard
	mu     sync.RWMutex
}

// NewInMemoryGuardStore creates a new in-memory guard store
func NewInMemoryGuardStore() *InMemoryGuardStore {
	return &InMemoryGuardStore{
		guards: make(map[string]*Guard),
	}
}

// Add stores a guard; IDs and per-lender names must be unique
func (s *InMemoryGuardStore) Add(_ context.Context, g *Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.guards[g.ID]; exists {
		return fmt.Errorf("%w: guard with ID %s already exists", ErrInvalidGuard, g.ID)
	}
	for _, existing := range s.guards {
		if existing.LenderID == g.LenderID && existing.Name == g.Name {
			return fmt.Errorf("%w: lender %s already has a guard named %s", ErrInvalidGuard, g.LenderID, g.Name)
		}
	}

	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	cp := *g
	s.guards[g.ID] = &cp
	return nil
}

func (s *InMemoryGuardStore) Get(_ context.Context, id string) (*Guard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, exists := s.guards[id]
	if !exists {
		return nil, fmt.Errorf("guard %s: %w", id, ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (s *InMemoryGuardStore) List(_ context.Context, lenderID string) ([]*Guard, error) {
	return s.list(lenderID, false), nil
}

func (s *InMemoryGuardStore) ListActive(_ context.Context, lenderID string) ([]*Guard, error) {
	return s.list(lenderID, true), nil
}

func (s *InMemoryGuardStore) list(lenderID string, activeOnly bool) []*Guard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Guard
	for _, g := range s.guards {
		if g.LenderID != lenderID || (activeOnly && !g.Active) {
			continue
		}
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update replaces a guard, preserving CreatedAt
func (s *InMemoryGuardStore) Update(_ context.Context, g *Guard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.guards[g.ID]
	if !exists {
		return fmt.Errorf("guard %s: %w", g.ID, ErrNotFound)
	}

	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = time.Now()
	cp := *g
	s.guards[g.ID] = &cp
	return nil
}

func (s *InMemoryGuardStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.guards[id]; !exists {
		return fmt.Errorf("guard %s: %w", id, ErrNotFound)
	}
	delete(s.guards, id)
	return nil
}
