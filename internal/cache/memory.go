package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluele/gcache"

	"metroroute/internal/domain"
)

// MemoryCache is an in-process LRU RouteCache with per-entry expiry.
type MemoryCache struct {
	lru    gcache.Cache
	logger *slog.Logger
}

func NewMemoryCache(size int, logger *slog.Logger) *MemoryCache {
	return &MemoryCache{
		lru:    gcache.New(size).LRU().Build(),
		logger: logger.With("component", "memory_cache"),
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*domain.Route, bool) {
	v, err := c.lru.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			c.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		}
		lookupsTotal.WithLabelValues("memory", "miss").Inc()
		return nil, false
	}
	lookupsTotal.WithLabelValues("memory", "hit").Inc()
	return v.(*domain.Route).Clone(), true
}

func (c *MemoryCache) Set(ctx context.Context, key string, route *domain.Route, ttl time.Duration) error {
	if ttl > 0 {
		return c.lru.SetWithExpire(key, route.Clone(), ttl)
	}
	return c.lru.Set(key, route.Clone())
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

func (c *MemoryCache) InvalidateStations(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	set := idSet(ids)

	removed := 0
	for _, k := range c.lru.Keys(false) {
		key, ok := k.(string)
		if !ok || !touchesAny(key, set) {
			continue
		}
		if c.lru.Remove(key) {
			removed++
		}
	}

	invalidatedTotal.WithLabelValues("memory").Add(float64(removed))
	c.logger.Debug("invalidated cached routes", "stations", len(ids), "removed", removed)
	return removed, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.lru.Purge()
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len(true)
}
