package lending

import (
	"context"
	"testing"
	"time"

	"github.com/loancast/fundingpolicy/policy"
)

func TestInMemoryLenderCacheTTL(t *testing.T) {
	cache := NewInMemoryLenderCache(CacheConfig{TTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set(&Lender{ID: "l1"})
	if cache.Get("l1") == nil {
		t.Fatal("Get() should hit right after Set()")
	}

	now = now.Add(2 * time.Minute)
	if cache.Get("l1") != nil {
		t.Error("Get() should miss after TTL")
	}
}

func TestInMemoryLenderCacheCopiesStrategy(t *testing.T) {
	cache := NewInMemoryLenderCache(DefaultCacheConfig())
	lender := &Lender{ID: "l1", Strategy: policy.Strategy{PreferredDurations: []int{7}}}
	cache.Set(lender)
	lender.Strategy.PreferredDurations[0] = 14

	got := cache.Get("l1")
	got.Strategy.PreferredDurations[0] = 30
	if again := cache.Get("l1"); again.Strategy.PreferredDurations[0] != 7 {
		t.Errorf("cached durations = %v, want [7]", again.Strategy.PreferredDurations)
	}
}

func TestInMemoryLenderCacheInvalidate(t *testing.T) {
	cache := NewInMemoryLenderCache(DefaultCacheConfig())
	cache.Set(&Lender{ID: "l1"})
	cache.Invalidate("l1")

	if cache.Get("l1") != nil {
		t.Error("Get() should miss after Invalidate()")
	}
}

// countingStore counts lender reads against the wrapped store
type countingStore struct {
	*MemoryStore
	reads int
}

func (s *countingStore) GetLender(ctx context.Context, id string) (*Lender, error) {
	s.reads++
	return s.MemoryStore.GetLender(ctx, id)
}

func TestCachingStore(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	_ = backing.CreateLender(ctx, &Lender{ID: "l1", Strategy: policy.Strategy{MinScore: 100}})

	store := NewCachingStore(backing, NewInMemoryLenderCache(DefaultCacheConfig()))

	for i := 0; i < 3; i++ {
		if _, err := store.GetLender(ctx, "l1"); err != nil {
			t.Fatalf("GetLender() failed: %v", err)
		}
	}
	if backing.reads != 1 {
		t.Errorf("backing reads = %d, want 1", backing.reads)
	}

	if err := store.UpdateLenderStrategy(ctx, "l1", policy.Strategy{MinScore: 300}); err != nil {
		t.Fatalf("UpdateLenderStrategy() failed: %v", err)
	}

	got, _ := store.GetLender(ctx, "l1")
	if got.Strategy.MinScore != 300 {
		t.Errorf("MinScore = %d after update, want 300", got.Strategy.MinScore)
	}
	if backing.reads != 2 {
		t.Errorf("backing reads = %d, want 2 after invalidation", backing.reads)
	}
}
