package store

import (
	"context"
	"sort"
	"sync"

	"metroroute/internal/domain"
)

// MemoryStore keeps routes and failures in process memory. Values handed in
// and out are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	routes   map[routeKey]*domain.PrecomputedRoute
	byPair   map[domain.Pair]map[int64]struct{} // pair -> line keys
	failures map[domain.Pair]domain.FailedPair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:   make(map[routeKey]*domain.PrecomputedRoute),
		byPair:   make(map[domain.Pair]map[int64]struct{}),
		failures: make(map[domain.Pair]domain.FailedPair),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	for i := range routes {
		r := &routes[i]
		k := keyOf(r)
		if _, exists := s.routes[k]; exists {
			res.Skipped++
			continue
		}
		s.routes[k] = clonePrecomputed(r)
		p := r.Pair()
		if s.byPair[p] == nil {
			s.byPair[p] = make(map[int64]struct{})
		}
		s.byPair[p][k.line] = struct{}{}
		res.Inserted++
	}
	return res, nil
}

func (s *MemoryStore) Get(ctx context.Context, start, end int64) (*domain.PrecomputedRoute, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines, ok := s.byPair[domain.Pair{Start: start, End: end}]
	if !ok || len(lines) == 0 {
		return nil, false, nil
	}
	best := int64(-1)
	for line := range lines {
		if best < 0 || line < best {
			best = line
		}
	}
	return clonePrecomputed(s.routes[routeKey{start: start, end: end, line: best}]), true, nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.routes)
	s.routes = make(map[routeKey]*domain.PrecomputedRoute)
	s.byPair = make(map[domain.Pair]map[int64]struct{})
	return n, nil
}

func (s *MemoryStore) DeleteStations(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	set := idSet(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, r := range s.routes {
		if !touches(&r.Route, set) {
			continue
		}
		delete(s.routes, k)
		p := domain.Pair{Start: k.start, End: k.end}
		delete(s.byPair[p], k.line)
		if len(s.byPair[p]) == 0 {
			delete(s.byPair, p)
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) ExistingPairs(ctx context.Context) (map[domain.Pair]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make(map[domain.Pair]struct{}, len(s.byPair))
	for p := range s.byPair {
		pairs[p] = struct{}{}
	}
	return pairs, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes), nil
}

// Each visits routes in key order on a snapshot taken at call time.
func (s *MemoryStore) Each(ctx context.Context, fn func(r *domain.PrecomputedRoute) error) error {
	s.mu.RLock()
	snapshot := make([]*domain.PrecomputedRoute, 0, len(s.routes))
	for _, r := range s.routes {
		snapshot = append(snapshot, clonePrecomputed(r))
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		a, b := keyOf(snapshot[i]), keyOf(snapshot[j])
		if a.start != b.start {
			return a.start < b.start
		}
		if a.end != b.end {
			return a.end < b.end
		}
		return a.line < b.line
	})

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Record(ctx context.Context, failures []domain.FailedPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range failures {
		s.failures[f.Pair()] = f
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.FailedPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FailedPair, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f)
	}
	sortFailures(out)
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context, pairs ...domain.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pairs) == 0 {
		s.failures = make(map[domain.Pair]domain.FailedPair)
		return nil
	}
	for _, p := range pairs {
		delete(s.failures, p)
	}
	return nil
}

func sortFailures(fs []domain.FailedPair) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Start != fs[j].Start {
			return fs[i].Start < fs[j].Start
		}
		return fs[i].End < fs[j].End
	})
}
