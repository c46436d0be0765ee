// Package ingestor keeps the routing layer in step with the station/line
// directory.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
	"metroroute/internal/topology"
)

// ChangeHook is told which stations a topology change touched.
type ChangeHook interface {
	InvalidateTopology(ctx context.Context, ids ...int64) error
}

// Rebuilder publishes a fresh graph snapshot.
type Rebuilder interface {
	Rebuild(ctx context.Context) (*graph.Graph, error)
}

// TopologyWatcher polls the directory and fires the change hook when the
// topology's fingerprint moves. A topology that fails to build is rejected
// and the previous one stays in effect.
type TopologyWatcher struct {
	source   topology.Directory
	hook     ChangeHook
	graphs   Rebuilder
	interval time.Duration
	logger   *slog.Logger
	onChange func(ctx context.Context, affected []int64)

	mu          sync.Mutex
	last        *domain.Topology
	fingerprint string

	ready   bool
	readyMu sync.RWMutex
}

func NewTopologyWatcher(source topology.Directory, hook ChangeHook, graphs Rebuilder, interval time.Duration, logger *slog.Logger) *TopologyWatcher {
	return &TopologyWatcher{
		source:   source,
		hook:     hook,
		graphs:   graphs,
		interval: interval,
		logger:   logger.With("component", "topology_watcher"),
	}
}

// SetOnChange registers a callback run after a change has been applied.
func (w *TopologyWatcher) SetOnChange(fn func(ctx context.Context, affected []int64)) {
	w.onChange = fn
}

func (w *TopologyWatcher) Start(ctx context.Context) {
	if _, err := w.Poll(ctx); err != nil {
		w.logger.Error("topology poll failed", "error", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("topology poll failed", "error", err)
			}
		}
	}
}

// Poll loads the topology once and applies it if it changed. The first
// successful poll only records a baseline. It returns the affected station
// ids of an applied change.
func (w *TopologyWatcher) Poll(ctx context.Context) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	t, err := w.source.Topology(ctx)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	fingerprint, err := topology.Fingerprint(t)
	if err != nil {
		return nil, err
	}
	if fingerprint == w.fingerprint {
		w.logger.Debug("topology unchanged", "fingerprint", fingerprint)
		return nil, nil
	}

	if _, _, err := graph.Build(t); err != nil {
		return nil, fmt.Errorf("rejecting topology %s: %w", fingerprint, err)
	}

	if w.last == nil {
		w.last, w.fingerprint = t, fingerprint
		w.setReady(true)
		w.logger.Info("topology baseline recorded",
			"fingerprint", fingerprint,
			"stations", len(t.Stations),
			"lines", len(t.Lines),
		)
		return nil, nil
	}

	affected := topology.Diff(w.last, t)
	w.logger.Info("topology changed",
		"old_fingerprint", w.fingerprint,
		"fingerprint", fingerprint,
		"affected_stations", len(affected),
	)

	if err := w.hook.InvalidateTopology(ctx, affected...); err != nil {
		// The graph is already invalidated; stale rows are rejected on read.
		w.logger.Warn("topology change hook incomplete", "error", err)
	}
	if _, err := w.graphs.Rebuild(ctx); err != nil {
		return affected, fmt.Errorf("rebuild graph: %w", err)
	}
	w.last, w.fingerprint = t, fingerprint

	if w.onChange != nil {
		w.onChange(ctx, affected)
	}

	w.logger.Info("topology change applied",
		"affected_stations", len(affected),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return affected, nil
}

// Fingerprint returns the fingerprint of the topology in effect.
func (w *TopologyWatcher) Fingerprint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fingerprint
}

// ErrNoBaseline is returned by Ready until a valid topology has been seen.
var ErrNoBaseline = errors.New("no topology baseline recorded")

// Ready is a readiness check for /readyz.
func (w *TopologyWatcher) Ready(ctx context.Context) error {
	if !w.IsReady() {
		return ErrNoBaseline
	}
	return nil
}

func (w *TopologyWatcher) IsReady() bool {
	w.readyMu.RLock()
	defer w.readyMu.RUnlock()
	return w.ready
}

func (w *TopologyWatcher) setReady(ready bool) {
	w.readyMu.Lock()
	defer w.readyMu.Unlock()
	w.ready = ready
}
