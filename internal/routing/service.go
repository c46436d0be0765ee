package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"metroroute/internal/cache"
	"metroroute/internal/domain"
	"metroroute/internal/graph"
	"metroroute/internal/store"
)

var tracer = otel.Tracer("metroroute/routing")

// Route sources reported in metrics and logs.
const (
	SourceCache    = "cache"
	SourceStore    = "store"
	SourceComputed = "computed"
)

// Graphs is the part of graph.Service the router needs.
type Graphs interface {
	Current(ctx context.Context) (*graph.Graph, error)
	Invalidate()
}

// Service answers FindRoute queries. It never waits on the precompute
// pipeline: a cache and store miss is answered by a direct search on the
// current snapshot.
type Service struct {
	graphs   Graphs
	cache    cache.RouteCache
	store    store.RouteStore
	est      Estimator
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewService wires a router. routes may be nil when no store is
// configured.
func NewService(graphs Graphs, routeCache cache.RouteCache, routes store.RouteStore, est Estimator, cacheTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		graphs:   graphs,
		cache:    routeCache,
		store:    routes,
		est:      est,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "router"),
	}
}

// FindRoute returns the cheapest route from start to end. Unknown ids fail
// with graph.ErrInvalidStation and unreachable pairs with graph.ErrNoRoute.
func (s *Service) FindRoute(ctx context.Context, start, end int64) (*domain.Route, error) {
	ctx, span := tracer.Start(ctx, "routing.FindRoute")
	defer span.End()
	span.SetAttributes(attribute.Int64("route.start", start), attribute.Int64("route.end", end))

	began := time.Now()
	route, source, err := s.find(ctx, start, end)
	if err != nil {
		kind := errorKind(err)
		findErrorsTotal.WithLabelValues(kind).Inc()
		span.SetStatus(codes.Error, kind)
		span.RecordError(err)
		return nil, err
	}

	findDuration.WithLabelValues(source).Observe(time.Since(began).Seconds())
	span.SetAttributes(attribute.String("route.source", source), attribute.Int("route.hops", len(route.Path)-1))
	return route, nil
}

func (s *Service) find(ctx context.Context, start, end int64) (*domain.Route, string, error) {
	g, err := s.graphs.Current(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("graph snapshot: %w", err)
	}
	if !g.HasStation(start) {
		return nil, "", fmt.Errorf("%w: %d", graph.ErrInvalidStation, start)
	}
	if !g.HasStation(end) {
		return nil, "", fmt.Errorf("%w: %d", graph.ErrInvalidStation, end)
	}

	key := cache.KeyRoute(start, end)
	if r, ok := s.cache.Get(ctx, key); ok {
		if Valid(g, r, start, end) {
			return r, SourceCache, nil
		}
		s.logger.Debug("dropping stale cached route", "key", key, "graph_version", g.Version())
		_ = s.cache.Delete(ctx, key)
	}

	if s.store != nil {
		pr, found, err := s.store.Get(ctx, start, end)
		switch {
		case err != nil:
			s.logger.Warn("route store lookup failed", "start", start, "end", end, "error", err)
		case found && Valid(g, &pr.Route, start, end):
			r := pr.Route
			s.remember(ctx, key, &r)
			return &r, SourceStore, nil
		case found:
			s.logger.Debug("ignoring stale stored route", "start", start, "end", end, "graph_version", g.Version())
		}
	}

	distance, path, err := graph.ShortestPath(g, start, end)
	if err != nil {
		if errors.Is(err, graph.ErrNoRoute) {
			// A repaired snapshot is connected, so this is a consistency problem.
			s.logger.Error("no route on repaired snapshot", "start", start, "end", end, "graph_version", g.Version())
		}
		return nil, "", err
	}

	r := Assemble(g, path, distance, s.est)
	s.remember(ctx, key, r)
	return r, SourceComputed, nil
}

func (s *Service) remember(ctx context.Context, key string, r *domain.Route) {
	if err := s.cache.Set(ctx, key, r, s.cacheTTL); err != nil {
		s.logger.Debug("failed to cache route", "key", key, "error", err)
	}
}

// InvalidateTopology is the topology-change hook. It drops the graph
// snapshot so the next query rebuilds, removes cached routes starting or
// ending at ids and deletes stored routes that touch them.
func (s *Service) InvalidateTopology(ctx context.Context, ids ...int64) error {
	s.graphs.Invalidate()
	if len(ids) == 0 {
		return nil
	}

	var errs []error
	cached, err := s.cache.InvalidateStations(ctx, ids...)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalidate cache: %w", err))
	}
	stored := 0
	if s.store != nil {
		stored, err = s.store.DeleteStations(ctx, ids...)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete stored routes: %w", err))
		}
	}

	s.logger.Info("topology change applied",
		"stations", len(ids),
		"cache_entries_removed", cached,
		"stored_routes_removed", stored,
	)
	return errors.Join(errs...)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, graph.ErrInvalidStation):
		return "invalid_station"
	case errors.Is(err, graph.ErrNoRoute):
		return "no_route"
	default:
		return "internal"
	}
}
