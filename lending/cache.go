package lending

import (
	"context"
	"sync"
	"time"

	"github.com/loancast/fundingpolicy/policy"
)

// LenderCache caches lender records between requests
// This allows swapping between in-memory, Redis, or other caching implementations
type LenderCache interface {
	// Get returns the cached lender, or nil on a miss or expiry
	Get(id string) *Lender

	// Set stores a lender
	Set(lender *Lender)

	// Invalidate drops one lender, forcing a reload on next Get
	Invalidate(id string)
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig only invalidates on mutation
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

type cachedLender struct {
	lender   Lender
	cachedAt time.Time
}

// InMemoryLenderCache is a map-backed LenderCache
// Thread-safe for concurrent access
type InMemoryLenderCache struct {
	entries map[string]cachedLender
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryLenderCache creates an empty cache
func NewInMemoryLenderCache(config CacheConfig) *InMemoryLenderCache {
	return &InMemoryLenderCache{
		entries: make(map[string]cachedLender),
		config:  config,
		now:     time.Now,
	}
}

func (c *InMemoryLenderCache) Get(id string) *Lender {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if c.config.TTL > 0 && c.now().Sub(e.cachedAt) > c.config.TTL {
		return nil
	}

	// copy so callers cannot mutate the cached record
	return e.lender.clone()
}

func (c *InMemoryLenderCache) Set(lender *Lender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[lender.ID] = cachedLender{lender: *lender.clone(), cachedAt: c.now()}
}

func (c *InMemoryLenderCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// CachingStore fronts lender lookups of a Store with a LenderCache
type CachingStore struct {
	Store
	cache LenderCache
}

// NewCachingStore wraps store with cache
func NewCachingStore(store Store, cache LenderCache) *CachingStore {
	return &CachingStore{Store: store, cache: cache}
}

func (s *CachingStore) GetLender(ctx context.Context, id string) (*Lender, error) {
	if lender := s.cache.Get(id); lender != nil {
		return lender, nil
	}
	lender, err := s.Store.GetLender(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(lender)
	return lender, nil
}

func (s *CachingStore) UpdateLenderStrategy(ctx context.Context, id string, strategy policy.Strategy) error {
	if err := s.Store.UpdateLenderStrategy(ctx, id, strategy); err != nil {
		return err
	}
	s.cache.Invalidate(id)
	return nil
}
