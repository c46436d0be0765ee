package cache

import (
	"context"
	"errors"
	"time"

	"metroroute/internal/domain"
)

// Tiered puts a small in-process cache in front of a shared one. Reads
// that miss locally and hit the shared tier are copied into the local tier
// for at most localTTL.
type Tiered struct {
	local    RouteCache
	shared   RouteCache
	localTTL time.Duration
}

func NewTiered(local, shared RouteCache, localTTL time.Duration) *Tiered {
	return &Tiered{local: local, shared: shared, localTTL: localTTL}
}

func (t *Tiered) Get(ctx context.Context, key string) (*domain.Route, bool) {
	if r, ok := t.local.Get(ctx, key); ok {
		return r, true
	}
	r, ok := t.shared.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = t.local.Set(ctx, key, r, t.localTTL)
	return r, true
}

func (t *Tiered) Set(ctx context.Context, key string, route *domain.Route, ttl time.Duration) error {
	localTTL := t.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	return errors.Join(
		t.local.Set(ctx, key, route, localTTL),
		t.shared.Set(ctx, key, route, ttl),
	)
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	return errors.Join(t.local.Delete(ctx, key), t.shared.Delete(ctx, key))
}

func (t *Tiered) InvalidateStations(ctx context.Context, ids ...int64) (int, error) {
	_, localErr := t.local.InvalidateStations(ctx, ids...)
	n, sharedErr := t.shared.InvalidateStations(ctx, ids...)
	return n, errors.Join(localErr, sharedErr)
}

func (t *Tiered) Clear(ctx context.Context) error {
	return errors.Join(t.local.Clear(ctx), t.shared.Clear(ctx))
}
