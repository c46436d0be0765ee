// Package precompute computes and persists routes for every station pair.
//
// A run uses one dispatcher goroutine feeding chunks of pairs to a bounded
// pool of workers. Workers compute routes against one shared snapshot,
// buffer them and flush batches to the store with bounded retries. Results
// travel back over a channel to the aggregator, which runs on the caller's
// goroutine and is the only owner of the run summary.
package precompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"metroroute/internal/cache"
	"metroroute/internal/domain"
	"metroroute/internal/graph"
	"metroroute/internal/retry"
	"metroroute/internal/routing"
	"metroroute/internal/store"
)

var tracer = otel.Tracer("metroroute/precompute")

// Failure stages recorded in the failure list.
const (
	StageCompute = "compute"
	StagePersist = "persist"
)

// Snapshots supplies the graph a run computes against.
type Snapshots interface {
	Current(ctx context.Context) (*graph.Graph, error)
}

// Reporter receives progress updates. Publish must not block.
type Reporter interface {
	Publish(p domain.Progress)
}

// Pipeline is the precomputation job. Runs may not overlap.
type Pipeline struct {
	graphs   Snapshots
	store    store.RouteStore
	failures store.FailureLog
	cache    cache.RouteCache
	est      routing.Estimator
	reporter Reporter
	logger   *slog.Logger

	running sync.Mutex
}

func NewPipeline(graphs Snapshots, routes store.RouteStore, failures store.FailureLog, routeCache cache.RouteCache, est routing.Estimator, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		graphs:   graphs,
		store:    routes,
		failures: failures,
		cache:    routeCache,
		est:      est,
		logger:   logger.With("component", "precompute"),
	}
}

// SetReporter attaches a progress sink. Call before the first run.
func (p *Pipeline) SetReporter(r Reporter) {
	p.reporter = r
}

// RunFull computes every ordered pair of distinct stations.
func (p *Pipeline) RunFull(ctx context.Context, opts Options) (*domain.Summary, error) {
	return p.run(ctx, domain.RunFull, opts)
}

// RunMissingOnly skips pairs that already have a stored route.
func (p *Pipeline) RunMissingOnly(ctx context.Context, opts Options) (*domain.Summary, error) {
	return p.run(ctx, domain.RunMissingOnly, opts)
}

// RunFailedOnly recomputes the pairs in the failure list and removes the
// entries that now succeed.
func (p *Pipeline) RunFailedOnly(ctx context.Context, opts Options) (*domain.Summary, error) {
	return p.run(ctx, domain.RunFailedOnly, opts)
}

// Run dispatches on mode.
func (p *Pipeline) Run(ctx context.Context, mode domain.RunMode, opts Options) (*domain.Summary, error) {
	switch mode {
	case domain.RunFull, domain.RunMissingOnly, domain.RunFailedOnly:
		return p.run(ctx, mode, opts)
	default:
		return nil, fmt.Errorf("unknown run mode %q", mode)
	}
}

// outcome is what a worker reports for a group of pairs.
type outcome struct {
	pairs    []domain.Pair
	state    domain.PairState
	inserted int
	skipped  int
	stage    string
	reason   string
	attempts int
}

func (p *Pipeline) run(ctx context.Context, mode domain.RunMode, opts Options) (*domain.Summary, error) {
	if !p.running.TryLock() {
		return nil, errors.New("a precompute run is already in progress")
	}
	defer p.running.Unlock()

	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := p.logger.With("run_id", runID, "mode", string(mode))
	started := time.Now()

	g, err := p.graphs.Current(ctx)
	if err != nil {
		runsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, fmt.Errorf("graph snapshot: %w", err)
	}

	if opts.Clear {
		if err := p.clear(ctx, logger); err != nil {
			runsTotal.WithLabelValues(string(mode), "error").Inc()
			return nil, err
		}
	}

	known, err := p.failures.List(ctx)
	if err != nil {
		runsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, fmt.Errorf("load failure list: %w", err)
	}

	pairs, err := p.pairs(ctx, g, mode, known, logger)
	if err != nil {
		runsTotal.WithLabelValues(string(mode), "error").Inc()
		return nil, err
	}

	summary := &domain.Summary{
		RunID:        runID,
		Mode:         mode,
		GraphVersion: g.Version(),
		Total:        len(pairs),
		StartedAt:    started,
	}
	logger.Info("precompute run started",
		"pairs", len(pairs),
		"stations", g.Len(),
		"graph_version", g.Version(),
		"workers", opts.Workers,
		"chunk_size", opts.ChunkSize,
		"batch_size", opts.BatchSize,
	)

	outcomes := p.dispatch(ctx, g, chunk(pairs, opts.ChunkSize), opts, logger)
	failed, succeeded := p.aggregate(summary, outcomes, opts.ProgressInterval)

	summary.Cancelled = summary.Total - summary.Created - summary.Skipped - summary.Failed
	summary.Interrupted = ctx.Err() != nil
	summary.Elapsed = time.Since(started)
	if secs := summary.Elapsed.Seconds(); secs > 0 {
		summary.PairsPerSecond = float64(summary.Created+summary.Skipped) / secs
	}
	pairsTotal.WithLabelValues("cancelled").Add(float64(summary.Cancelled))

	// Bookkeeping still runs after an interrupt so failures are not lost.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	bookErr := p.updateFailures(bookCtx, known, failed, succeeded)
	if bookErr != nil {
		logger.Error("failed to update failure list", "error", bookErr)
	}

	p.publish(summary, true)

	result := "ok"
	if summary.Interrupted {
		result = "interrupted"
	} else if summary.Failed > 0 {
		result = "partial"
	}
	runsTotal.WithLabelValues(string(mode), result).Inc()
	runDuration.WithLabelValues(string(mode)).Observe(summary.Elapsed.Seconds())

	logger.Info("precompute run finished",
		"result", result,
		"total", summary.Total,
		"created", summary.Created,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"cancelled", summary.Cancelled,
		"pairs_per_second", summary.PairsPerSecond,
		"duration_ms", summary.Elapsed.Milliseconds(),
	)

	if summary.Interrupted {
		return summary, fmt.Errorf("precompute interrupted: %w", context.Cause(ctx))
	}
	if bookErr != nil {
		return summary, fmt.Errorf("update failure list: %w", bookErr)
	}
	return summary, nil
}

func (p *Pipeline) clear(ctx context.Context, logger *slog.Logger) error {
	deleted, err := p.store.DeleteAll(ctx)
	if err != nil {
		return fmt.Errorf("clear stored routes: %w", err)
	}
	if err := p.cache.Clear(ctx); err != nil {
		// The cache is best-effort; stale entries are caught by validation on read.
		logger.Warn("failed to clear route cache", "error", err)
	}
	if err := p.failures.Clear(ctx); err != nil {
		return fmt.Errorf("clear failure list: %w", err)
	}
	logger.Info("cleared precomputed routes", "deleted", deleted)
	return nil
}

// pairs enumerates the run's work in a deterministic order.
func (p *Pipeline) pairs(ctx context.Context, g *graph.Graph, mode domain.RunMode, known []domain.FailedPair, logger *slog.Logger) ([]domain.Pair, error) {
	switch mode {
	case domain.RunFailedOnly:
		pairs := make([]domain.Pair, 0, len(known))
		var gone []domain.Pair
		for _, f := range known {
			if g.HasStation(f.Start) && g.HasStation(f.End) {
				pairs = append(pairs, f.Pair())
			} else {
				gone = append(gone, f.Pair())
			}
		}
		if len(gone) > 0 {
			logger.Warn("dropping failed pairs for removed stations", "count", len(gone))
			if err := p.failures.Clear(ctx, gone...); err != nil {
				return nil, fmt.Errorf("clear obsolete failures: %w", err)
			}
		}
		return pairs, nil

	case domain.RunMissingOnly:
		existing, err := p.store.ExistingPairs(ctx)
		if err != nil {
			return nil, fmt.Errorf("load existing pairs: %w", err)
		}
		all := allPairs(g.Stations())
		missing := all[:0]
		for _, pair := range all {
			if _, ok := existing[pair]; !ok {
				missing = append(missing, pair)
			}
		}
		logger.Info("filtered existing pairs", "existing", len(existing), "missing", len(missing))
		return missing, nil

	default:
		return allPairs(g.Stations()), nil
	}
}

// allPairs lists every ordered pair of distinct stations. A->B and B->A are
// separate pairs because route attribution need not be symmetric.
func allPairs(stations []int64) []domain.Pair {
	if len(stations) < 2 {
		return nil
	}
	pairs := make([]domain.Pair, 0, len(stations)*(len(stations)-1))
	for _, s := range stations {
		for _, e := range stations {
			if s != e {
				pairs = append(pairs, domain.Pair{Start: s, End: e})
			}
		}
	}
	return pairs
}

func chunk(pairs []domain.Pair, size int) [][]domain.Pair {
	chunks := make([][]domain.Pair, 0, (len(pairs)+size-1)/size)
	for len(pairs) > 0 {
		n := min(size, len(pairs))
		chunks = append(chunks, pairs[:n:n])
		pairs = pairs[n:]
	}
	return chunks
}

// dispatch starts the dispatcher and workers and returns the outcome
// channel, which is closed once every goroutine has exited.
func (p *Pipeline) dispatch(ctx context.Context, g *graph.Graph, chunks [][]domain.Pair, opts Options, logger *slog.Logger) <-chan outcome {
	work := make(chan []domain.Pair)
	out := make(chan outcome, opts.Workers*2)

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(work)
		for _, c := range chunks {
			select {
			case work <- c:
			case <-ctx.Done():
				logger.Info("stopped dispatching", "reason", context.Cause(ctx))
				return nil
			}
		}
		return nil
	})

	workers := max(1, min(opts.Workers, len(chunks)))
	for i := 0; i < workers; i++ {
		w := &worker{
			id:       i,
			pipeline: p,
			graph:    g,
			opts:     opts,
			out:      out,
			logger:   logger.With("worker", i),
		}
		eg.Go(func() error {
			for c := range work {
				if ctx.Err() != nil {
					continue
				}
				w.process(ctx, c)
			}
			return nil
		})
	}

	go func() {
		_ = eg.Wait()
		close(out)
	}()
	return out
}

// aggregate drains outcomes into summary. It returns the pairs that failed
// and the pairs that were persisted or already present.
func (p *Pipeline) aggregate(summary *domain.Summary, outcomes <-chan outcome, interval time.Duration) ([]domain.FailedPair, []domain.Pair) {
	var (
		failed    []domain.FailedPair
		succeeded []domain.Pair
		last      time.Time
	)
	for o := range outcomes {
		switch o.state {
		case domain.PairPersisted:
			summary.Created += o.inserted
			summary.Skipped += o.skipped
			succeeded = append(succeeded, o.pairs...)
			pairsTotal.WithLabelValues("created").Add(float64(o.inserted))
			pairsTotal.WithLabelValues("skipped").Add(float64(o.skipped))
		case domain.PairFailed:
			summary.Failed += len(o.pairs)
			pairsTotal.WithLabelValues("failed_" + o.stage).Add(float64(len(o.pairs)))
			now := time.Now()
			for _, pair := range o.pairs {
				failed = append(failed, domain.FailedPair{
					Start:    pair.Start,
					End:      pair.End,
					Stage:    o.stage,
					Reason:   o.reason,
					Attempts: o.attempts,
					FailedAt: now,
				})
			}
		}

		if time.Since(last) >= interval {
			last = time.Now()
			p.publish(summary, false)
		}
	}
	return failed, succeeded
}

// updateFailures removes list entries for pairs that succeeded and records
// the new failures.
func (p *Pipeline) updateFailures(ctx context.Context, known, failed []domain.FailedPair, succeeded []domain.Pair) error {
	var errs []error
	if len(known) > 0 && len(succeeded) > 0 {
		listed := make(map[domain.Pair]struct{}, len(known))
		for _, f := range known {
			listed[f.Pair()] = struct{}{}
		}
		var resolved []domain.Pair
		for _, pair := range succeeded {
			if _, ok := listed[pair]; ok {
				resolved = append(resolved, pair)
			}
		}
		if len(resolved) > 0 {
			if err := p.failures.Clear(ctx, resolved...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(failed) > 0 {
		if err := p.failures.Record(ctx, failed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) publish(s *domain.Summary, final bool) {
	if p.reporter == nil {
		return
	}
	p.reporter.Publish(domain.Progress{
		RunID:   s.RunID,
		Mode:    s.Mode,
		Done:    s.Done(),
		Total:   s.Total,
		Created: s.Created,
		Skipped: s.Skipped,
		Failed:  s.Failed,
		Elapsed: time.Since(s.StartedAt),
		Final:   final,
	})
}

type worker struct {
	id       int
	pipeline *Pipeline
	graph    *graph.Graph
	opts     Options
	out      chan<- outcome
	logger   *slog.Logger
}

// process handles one chunk in enumeration order. On cancellation it
// returns without flushing; pairs it never reported count as cancelled.
func (w *worker) process(ctx context.Context, pairs []domain.Pair) {
	ctx, span := tracer.Start(ctx, "precompute.chunk")
	defer span.End()
	span.SetAttributes(attribute.Int("chunk.pairs", len(pairs)), attribute.Int("worker", w.id))

	buf := make([]domain.PrecomputedRoute, 0, w.opts.BatchSize)
	for i, pair := range pairs {
		if ctx.Err() != nil {
			return
		}

		distance, path, err := graph.ShortestPath(w.graph, pair.Start, pair.End)
		if err != nil {
			w.logger.Warn("route computation failed", "start", pair.Start, "end", pair.End, "error", err)
			w.out <- outcome{pairs: []domain.Pair{pair}, state: domain.PairFailed, stage: StageCompute, reason: err.Error(), attempts: 1}
			continue
		}
		route := routing.Assemble(w.graph, path, distance, w.pipeline.est)
		buf = append(buf, domain.PrecomputedRoute{Route: *route, ComputedAt: time.Now().UTC()})

		if len(buf) < w.opts.BatchSize {
			continue
		}
		if !w.flush(ctx, buf, pairs[i+1:]) {
			return
		}
		buf = buf[:0]
	}
	if len(buf) > 0 {
		w.flush(ctx, buf, nil)
	}
}

// flush persists buf. When the batch cannot be persisted, the batch and
// the rest of the chunk are reported failed and flush returns false.
func (w *worker) flush(ctx context.Context, buf []domain.PrecomputedRoute, rest []domain.Pair) bool {
	started := time.Now()
	var res store.UpsertResult
	attempts, err := retry.Do(ctx, retry.Policy{
		MaxAttempts: w.opts.MaxAttempts,
		Delay:       w.opts.RetryDelay,
		Retryable:   store.IsTransient,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			flushRetriesTotal.Inc()
			w.logger.Warn("route flush failed, retrying",
				"attempt", attempt,
				"routes", len(buf),
				"wait_ms", wait.Milliseconds(),
				"error", err,
			)
		},
	}, func(ctx context.Context) error {
		var err error
		res, err = w.pipeline.store.Upsert(ctx, buf)
		return err
	})
	flushDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// Interrupted mid-flush: the batch is discarded, not failed.
			return false
		}
		w.logger.Error("route flush failed, failing chunk remainder",
			"attempts", attempts,
			"routes", len(buf),
			"remaining", len(rest),
			"error", err,
		)
		failed := make([]domain.Pair, 0, len(buf)+len(rest))
		for i := range buf {
			failed = append(failed, buf[i].Pair())
		}
		failed = append(failed, rest...)
		w.out <- outcome{pairs: failed, state: domain.PairFailed, stage: StagePersist, reason: err.Error(), attempts: attempts}
		return false
	}

	pairs := make([]domain.Pair, len(buf))
	for i := range buf {
		r := buf[i].Route
		pairs[i] = r.Pair()
		if err := w.pipeline.cache.Set(ctx, cache.KeyRoute(r.Start, r.End), &r, w.opts.CacheTTL); err != nil {
			w.logger.Debug("failed to cache route", "start", r.Start, "end", r.End, "error", err)
		}
	}
	w.out <- outcome{pairs: pairs, state: domain.PairPersisted, inserted: res.Inserted, skipped: res.Skipped}
	return true
}
