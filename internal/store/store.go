// Package store persists precomputed routes and the list of pairs the
// precomputation pipeline failed on.
package store

import (
	"context"

	"metroroute/internal/domain"
)

// UpsertResult counts what a batch upsert did.
type UpsertResult struct {
	Inserted int
	Skipped  int // already present under the (start, end, line) key
}

// RouteStore is the durable tier behind the route cache. Upsert is
// insert-if-absent on the (start, end, line) key: a conflicting row is
// counted as skipped, never reported as an error.
type RouteStore interface {
	Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (UpsertResult, error)
	// Get returns the route for the pair. When rows exist for several lines
	// the one with the lowest line key wins.
	Get(ctx context.Context, start, end int64) (*domain.PrecomputedRoute, bool, error)
	DeleteAll(ctx context.Context) (int, error)
	// DeleteStations removes routes that start, end or pass through any of
	// ids.
	DeleteStations(ctx context.Context, ids ...int64) (int, error)
	ExistingPairs(ctx context.Context) (map[domain.Pair]struct{}, error)
	Count(ctx context.Context) (int, error)
	// Each streams every stored route. fn must not retain r.
	Each(ctx context.Context, fn func(r *domain.PrecomputedRoute) error) error
}

// FailureLog is the durable list of pairs a pipeline run gave up on.
type FailureLog interface {
	// Record adds or replaces entries, keyed by pair.
	Record(ctx context.Context, failures []domain.FailedPair) error
	List(ctx context.Context) ([]domain.FailedPair, error)
	// Clear removes the given pairs, or every entry when none are given.
	Clear(ctx context.Context, pairs ...domain.Pair) error
}

type routeKey struct {
	start, end, line int64
}

func keyOf(r *domain.PrecomputedRoute) routeKey {
	return routeKey{start: r.Start, end: r.End, line: r.LineKey()}
}

// touches reports whether the route starts, ends or passes through any of
// ids.
func touches(r *domain.Route, ids map[int64]struct{}) bool {
	if _, ok := ids[r.Start]; ok {
		return true
	}
	if _, ok := ids[r.End]; ok {
		return true
	}
	for _, id := range r.Path {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func clonePrecomputed(r *domain.PrecomputedRoute) *domain.PrecomputedRoute {
	return &domain.PrecomputedRoute{
		Route:      *r.Route.Clone(),
		ComputedAt: r.ComputedAt,
	}
}
