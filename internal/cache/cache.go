// Package cache holds the route cache tier in front of the route store.
//
// The cache is best-effort: a failed read is reported as a miss and callers
// fall through to the store or recompute.
package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"metroroute/internal/domain"
)

// RouteCache maps route keys (see KeyRoute) to computed routes. A ttl of 0
// keeps the entry until it is deleted or invalidated.
type RouteCache interface {
	Get(ctx context.Context, key string) (*domain.Route, bool)
	Set(ctx context.Context, key string, route *domain.Route, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// InvalidateStations removes every entry whose start or end is one of
	// ids and returns how many were removed.
	InvalidateStations(ctx context.Context, ids ...int64) (int, error)
	// Clear removes every route entry.
	Clear(ctx context.Context) error
}

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_cache_lookups_total",
		Help: "Route cache lookups by backend and result",
	}, []string{"backend", "result"})

	invalidatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_cache_invalidated_total",
		Help: "Route cache entries removed by station invalidation",
	}, []string{"backend"})
)
