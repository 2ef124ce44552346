package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/udisondev/chunkflow/internal/model"
)

// CacheConfig sizes the payload cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64 // total cost budget, one unit per tile or entity
	TTL         time.Duration
}

// DefaultCacheConfig returns a cache sized for a few hundred chunks.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		NumCounters: 10000,
		MaxCost:     1 << 20,
		TTL:         30 * time.Second,
	}
}

// CachedFetch wraps a FetchFunc with a TTL cache keyed by bounds.
type CachedFetch struct {
	next  FetchFunc
	cache *ristretto.Cache[string, *model.FetchResult]
	ttl   time.Duration
}

// NewCachedFetchFunc creates a caching wrapper around next.
func NewCachedFetchFunc(next FetchFunc, cfg CacheConfig) (*CachedFetch, error) {
	def := DefaultCacheConfig()
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = def.NumCounters
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = def.MaxCost
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *model.FetchResult]{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating fetch cache: %w", err)
	}

	return &CachedFetch{next: next, cache: cache, ttl: cfg.TTL}, nil
}

// Fetch serves bounds from the cache, falling back to the wrapped function.
// Failed fetches are not cached.
func (c *CachedFetch) Fetch(ctx context.Context, bounds model.Bounds, known map[model.EntityID]model.HexPosition) (*model.FetchResult, error) {
	key := bounds.CacheKey()
	if res, ok := c.cache.Get(key); ok {
		return res, nil
	}

	res, err := c.next(ctx, bounds, known)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	c.cache.SetWithTTL(key, res, resultCost(res), c.ttl)
	c.cache.Wait()
	return res, nil
}

// Invalidate drops the cached payload for bounds.
func (c *CachedFetch) Invalidate(bounds model.Bounds) {
	c.cache.Del(bounds.CacheKey())
}

// Close releases the cache.
func (c *CachedFetch) Close() {
	c.cache.Close()
}

func resultCost(res *model.FetchResult) int64 {
	cost := int64(len(res.Tiles) + len(res.Structures) + len(res.Armies) + len(res.Quests) + len(res.Chests))
	if cost == 0 {
		cost = 1
	}
	return cost
}
