package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"metroroute/internal/domain"
)

// Source supplies topology snapshots.
type Source interface {
	Topology(ctx context.Context) (*domain.Topology, error)
}

// Service owns the current graph snapshot. Callers keep the *Graph they got
// for as long as they need it; a rebuild publishes a new snapshot and never
// touches the old one.
type Service struct {
	source Source
	logger *slog.Logger

	current atomic.Pointer[Graph]
	report  atomic.Pointer[BuildReport]
	version atomic.Uint64
	flight  singleflight.Group

	// invalidated counts Invalidate calls; built is the count observed by
	// the build that produced current. The snapshot is stale while they differ.
	invalidated atomic.Uint64
	built       atomic.Uint64
}

func NewService(source Source, logger *slog.Logger) *Service {
	return &Service{
		source: source,
		logger: logger.With("component", "graph_service"),
	}
}

// Current returns the published snapshot, building one if none exists.
// A stale snapshot is rebuilt; when that rebuild fails the stale snapshot
// is served so routing keeps working while the source is down.
func (s *Service) Current(ctx context.Context) (*Graph, error) {
	g := s.current.Load()
	if g != nil && !s.Stale() {
		return g, nil
	}
	fresh, err := s.Rebuild(ctx)
	if err != nil {
		if g != nil {
			s.logger.Warn("rebuild failed, serving stale snapshot", "version", g.Version(), "error", err)
			return g, nil
		}
		return nil, err
	}
	return fresh, nil
}

// Stale reports whether the published snapshot was invalidated and not
// yet replaced.
func (s *Service) Stale() bool {
	return s.built.Load() != s.invalidated.Load()
}

// Snapshot returns the published snapshot without building one; nil when
// none is published.
func (s *Service) Snapshot() *Graph {
	return s.current.Load()
}

// Loaded reports whether a snapshot is published.
func (s *Service) Loaded() bool {
	return s.current.Load() != nil
}

// Report returns the build report of the published snapshot.
func (s *Service) Report() *BuildReport {
	return s.report.Load()
}

// Rebuild loads topology, builds, repairs and publishes a new snapshot.
// Concurrent callers share a single build.
func (s *Service) Rebuild(ctx context.Context) (*Graph, error) {
	v, err, _ := s.flight.Do("rebuild", func() (interface{}, error) {
		return s.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Graph), nil
}

// Invalidate marks the published snapshot stale; the next Current call
// rebuilds. Readers holding the old snapshot are unaffected.
func (s *Service) Invalidate() {
	s.invalidated.Add(1)
	s.logger.Info("graph snapshot invalidated")
}

func (s *Service) build(ctx context.Context) (*Graph, error) {
	start := time.Now()
	generation := s.invalidated.Load()

	topology, err := s.source.Topology(ctx)
	if err != nil {
		rebuildsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("load topology: %w", err)
	}

	g, report, err := Build(topology)
	if err != nil {
		rebuildsTotal.WithLabelValues("error").Inc()
		for _, d := range report.Defects {
			s.logger.Error("topology defect", "kind", d.Kind, "line_id", d.LineID, "station_id", d.StationID, "message", d.Message)
		}
		return nil, err
	}
	for _, d := range report.Defects {
		s.logger.Warn("topology defect", "kind", d.Kind, "line_id", d.LineID, "station_id", d.StationID, "message", d.Message)
	}

	g = s.repair(g)
	g.version = s.version.Add(1)

	s.current.Store(g)
	s.report.Store(report)
	s.built.Store(generation)

	rebuildsTotal.WithLabelValues("ok").Inc()
	rebuildDuration.Observe(time.Since(start).Seconds())
	graphStations.Set(float64(g.Len()))

	s.logger.Info("graph snapshot built",
		"version", g.Version(),
		"stations", g.Len(),
		"edges", g.EdgeCount(),
		"line_edges", report.LineEdges,
		"interchange_edges", report.Interchanges,
		"repair_edges", len(g.Bridges()),
		"weighted", g.Weighted(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return g, nil
}

func (s *Service) repair(g *Graph) *Graph {
	components := FindComponents(g)
	graphComponents.Set(float64(len(components)))
	if len(components) <= 1 {
		return g
	}

	s.logger.Warn("disconnected topology, adding repair edges",
		"component_count", len(components),
		"error", (&DisconnectedError{Components: len(components)}).Error(),
	)

	repaired, bridges := Repair(g)
	repairEdgesTotal.Add(float64(len(bridges)))
	for _, b := range bridges {
		s.logger.Warn("repair edge added",
			"repair", true,
			"station_a", b.A,
			"station_b", b.B,
		)
	}
	return repaired
}
