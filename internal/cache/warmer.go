package cache

import (
	"context"
	"log/slog"
	"time"

	"metroroute/internal/domain"
)

// RouteSource streams persisted routes. Implemented by the route stores.
type RouteSource interface {
	Each(ctx context.Context, fn func(r *domain.PrecomputedRoute) error) error
}

// CacheWarmer loads persisted routes into the cache so the first lookups
// after start-up do not fall through to the store.
type CacheWarmer struct {
	cache  RouteCache
	store  RouteSource
	ttl    time.Duration
	logger *slog.Logger
}

func NewCacheWarmer(cache RouteCache, store RouteSource, ttl time.Duration, logger *slog.Logger) *CacheWarmer {
	return &CacheWarmer{
		cache:  cache,
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "cache_warmer"),
	}
}

// WarmAll copies every persisted route into the cache. Individual cache
// failures are logged and skipped.
func (w *CacheWarmer) WarmAll(ctx context.Context) (int, error) {
	start := time.Now()
	w.logger.Info("starting cache warming")

	warmed, failed := 0, 0
	err := w.store.Each(ctx, func(r *domain.PrecomputedRoute) error {
		route := r.Route
		if err := w.cache.Set(ctx, KeyRoute(route.Start, route.End), &route, w.ttl); err != nil {
			failed++
			w.logger.Debug("failed to cache route", "start", route.Start, "end", route.End, "error", err)
			return nil
		}
		warmed++
		return nil
	})
	if err != nil {
		w.logger.Error("cache warming aborted", "warmed", warmed, "error", err)
		return warmed, err
	}

	w.logger.Info("cache warming completed",
		"warmed", warmed,
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return warmed, nil
}

// ScheduleNightly runs fn every day at 00:05 local time until ctx is done.
func ScheduleNightly(ctx context.Context, name string, logger *slog.Logger, fn func(context.Context) error) {
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 5, 0, 0, now.Location())
		wait := next.Sub(now)

		logger.Info("scheduled nightly job", "job", name, "at", next, "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			logger.Info("nightly job starting", "job", name)
			if err := fn(ctx); err != nil {
				logger.Error("nightly job failed", "job", name, "error", err)
			}
		}
	}
}

// ScheduleMidnightRefresh re-warms the cache every night.
func (w *CacheWarmer) ScheduleMidnightRefresh(ctx context.Context) {
	ScheduleNightly(ctx, "cache_warm", w.logger, func(ctx context.Context) error {
		_, err := w.WarmAll(ctx)
		return err
	})
}
