package precompute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metroroute/internal/cache"
	"metroroute/internal/domain"
	"metroroute/internal/graph"
	"metroroute/internal/routing"
	"metroroute/internal/store"
)

const (
	stA int64 = iota + 1
	stB
	stC
	stD
	stE
	stF
	stG
)

// 7 stations give 42 ordered pairs.
const allPairCount = 42

func threeLines() *domain.Topology {
	t := &domain.Topology{
		Lines: []domain.Line{{ID: 1, Name: "Red"}, {ID: 2, Name: "Blue"}, {ID: 3, Name: "Green"}},
		Memberships: []domain.LineMembership{
			{LineID: 1, StationID: stA, Order: 1},
			{LineID: 1, StationID: stB, Order: 2},
			{LineID: 1, StationID: stC, Order: 3},
			{LineID: 2, StationID: stD, Order: 1},
			{LineID: 2, StationID: stE, Order: 2},
			{LineID: 2, StationID: stF, Order: 3},
			{LineID: 3, StationID: stC, Order: 1},
			{LineID: 3, StationID: stG, Order: 2},
		},
		Interchanges: []domain.Interchange{{StationID: stC, Connected: []int64{stD}}},
	}
	for id, name := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		t.Stations = append(t.Stations, domain.Station{ID: int64(id + 1), Name: name})
	}
	return t
}

type staticSource struct{ topology *domain.Topology }

func (s staticSource) Topology(ctx context.Context) (*domain.Topology, error) {
	return s.topology, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore fails Upsert on demand.
type flakyStore struct {
	*store.MemoryStore

	mu sync.Mutex
	// transient makes this many Upsert calls fail with a retryable error.
	transient int
	// failStart fails every batch holding a route that starts at this station.
	failStart int64
	permanent bool
	calls     int
}

func (s *flakyStore) Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (store.UpsertResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.transient > 0
	if fail {
		s.transient--
	}
	for _, r := range routes {
		if s.failStart != 0 && r.Start == s.failStart {
			fail = true
		}
	}
	permanent := s.permanent
	s.mu.Unlock()

	switch {
	case fail && permanent:
		return store.UpsertResult{}, store.Permanent(errors.New("check constraint violated"))
	case fail:
		return store.UpsertResult{}, store.Transient(errors.New("connection reset"))
	}
	return s.MemoryStore.Upsert(ctx, routes)
}

type recorder struct {
	mu      sync.Mutex
	reports []domain.Progress
}

func (r *recorder) Publish(p domain.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

type fixture struct {
	store    *flakyStore
	cache    *cache.MemoryCache
	pipeline *Pipeline
}

func newFixture() *fixture {
	logger := discardLogger()
	f := &fixture{
		store: &flakyStore{MemoryStore: store.NewMemoryStore()},
		cache: cache.NewMemoryCache(1000, logger),
	}
	graphs := graph.NewService(staticSource{threeLines()}, logger)
	est := routing.Estimator{MinutesPerHop: 2, TransferMinutes: 4}
	f.pipeline = NewPipeline(graphs, f.store, f.store, f.cache, est, logger)
	return f
}

func testOptions() Options {
	return Options{
		BatchSize:   3,
		Workers:     3,
		ChunkSize:   5,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
}

func storedPaths(t *testing.T, s store.RouteStore) map[domain.Pair][]int64 {
	t.Helper()
	paths := map[domain.Pair][]int64{}
	err := s.Each(context.Background(), func(r *domain.PrecomputedRoute) error {
		paths[r.Pair()] = append([]int64(nil), r.Path...)
		return nil
	})
	require.NoError(t, err)
	return paths
}

func TestRunFull_PersistsEveryPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	summary, err := f.pipeline.RunFull(ctx, testOptions())
	require.NoError(t, err)

	assert.Equal(t, domain.RunFull, summary.Mode)
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, allPairCount, summary.Total)
	assert.Equal(t, allPairCount, summary.Created)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Cancelled)
	assert.False(t, summary.Interrupted)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, allPairCount, n)

	r, ok := f.cache.Get(ctx, cache.KeyRoute(stA, stF))
	require.True(t, ok, "persisted routes are cached")
	assert.Equal(t, []int64{stA, stB, stC, stD, stE, stF}, r.Path)
	assert.Equal(t, 5.0, r.Distance)
}

func TestRunFull_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	first, err := f.pipeline.RunFull(ctx, testOptions())
	require.NoError(t, err)
	before := storedPaths(t, f.store)

	second, err := f.pipeline.RunFull(ctx, testOptions())
	require.NoError(t, err)

	assert.Equal(t, first.Total, second.Total)
	assert.Zero(t, second.Created, "every pair is already present")
	assert.Equal(t, allPairCount, second.Skipped)
	assert.Equal(t, before, storedPaths(t, f.store))
}

func TestRunFull_Clear(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.pipeline.RunFull(ctx, testOptions())
	require.NoError(t, err)

	opts := testOptions()
	opts.Clear = true
	summary, err := f.pipeline.RunFull(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, allPairCount, summary.Created)
	assert.Zero(t, summary.Skipped)
}

func TestRunFull_RetriesTransientFailures(t *testing.T) {
	f := newFixture()
	f.store.transient = 2

	summary, err := f.pipeline.RunFull(context.Background(), testOptions())
	require.NoError(t, err)

	assert.Equal(t, allPairCount, summary.Created)
	assert.Zero(t, summary.Failed)

	failures, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRunFull_FailedChunkIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.failStart = stG

	opts := testOptions()
	opts.BatchSize = 1
	// G's six pairs are enumerated last and form the final chunk.
	opts.ChunkSize = 6

	summary, err := f.pipeline.RunFull(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, allPairCount-6, summary.Created)
	assert.Equal(t, 6, summary.Failed)
	assert.Zero(t, summary.Cancelled)

	failures, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 6)
	for _, fp := range failures {
		assert.Equal(t, stG, fp.Start)
		assert.Equal(t, StagePersist, fp.Stage)
		assert.Equal(t, 3, fp.Attempts)
		assert.Contains(t, fp.Reason, "connection reset")
	}

	_, found, err := f.store.Get(ctx, stG, stA)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunFull_PermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.failStart = stG
	f.store.permanent = true

	opts := testOptions()
	opts.BatchSize = 1
	opts.ChunkSize = 6

	summary, err := f.pipeline.RunFull(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Failed)

	failures, err := f.store.List(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, failures)
	assert.Equal(t, 1, failures[0].Attempts)
}

func TestRunFailedOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.store.failStart = stG

	opts := testOptions()
	opts.BatchSize = 1
	opts.ChunkSize = 6
	_, err := f.pipeline.RunFull(ctx, opts)
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.failStart = 0
	f.store.mu.Unlock()

	summary, err := f.pipeline.RunFailedOnly(ctx, testOptions())
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailedOnly, summary.Mode)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 6, summary.Created)
	assert.Zero(t, summary.Failed)

	failures, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures, "resolved pairs leave the failure list")

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, allPairCount, n)
}

func TestRunMissingOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.pipeline.RunFull(ctx, testOptions())
	require.NoError(t, err)

	// G is a leaf, so only the 12 pairs starting or ending there go.
	removed, err := f.store.DeleteStations(ctx, stG)
	require.NoError(t, err)
	require.Equal(t, 12, removed)

	summary, err := f.pipeline.RunMissingOnly(ctx, testOptions())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Total)
	assert.Equal(t, 12, summary.Created)
	assert.Zero(t, summary.Skipped)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, allPairCount, n)
}

// cancellingStore interrupts the run from inside the first flush.
type cancellingStore struct {
	*store.MemoryStore
	cancel context.CancelFunc
}

func (s *cancellingStore) Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (store.UpsertResult, error) {
	s.cancel()
	return s.MemoryStore.Upsert(ctx, routes)
}

func TestRun_CancellationDiscardsUnflushedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := discardLogger()
	s := &cancellingStore{MemoryStore: store.NewMemoryStore(), cancel: cancel}
	graphs := graph.NewService(staticSource{threeLines()}, logger)
	_, err := graphs.Current(ctx)
	require.NoError(t, err)

	p := NewPipeline(graphs, s, s, cache.NewMemoryCache(100, logger), routing.Estimator{MinutesPerHop: 1}, logger)
	summary, err := p.RunFull(ctx, Options{BatchSize: 10, Workers: 1, ChunkSize: allPairCount, MaxAttempts: 3})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)

	assert.True(t, summary.Interrupted)
	assert.Zero(t, summary.Created)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, allPairCount, summary.Cancelled)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing partial is persisted")

	failures, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures, "cancelled pairs are not failures")
}

func TestRun_ReportsProgress(t *testing.T) {
	f := newFixture()
	rec := &recorder{}
	f.pipeline.SetReporter(rec)

	summary, err := f.pipeline.RunFull(context.Background(), testOptions())
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.reports)
	last := rec.reports[len(rec.reports)-1]
	assert.True(t, last.Final)
	assert.Equal(t, summary.RunID, last.RunID)
	assert.Equal(t, allPairCount, last.Done)
	assert.Equal(t, allPairCount, last.Total)
}

func TestRun_InvalidOptions(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.RunFull(context.Background(), Options{BatchSize: 10000})
	require.Error(t, err)

	_, err = f.pipeline.Run(context.Background(), domain.RunMode("sideways"), Options{})
	require.Error(t, err)

	n, err := f.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChunk(t *testing.T) {
	pairs := allPairs([]int64{1, 2, 3})
	require.Len(t, pairs, 6)
	assert.Equal(t, domain.Pair{Start: 1, End: 2}, pairs[0])
	assert.Equal(t, domain.Pair{Start: 3, End: 2}, pairs[5])

	chunks := chunk(pairs, 4)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 4)
	assert.Len(t, chunks[1], 2)

	assert.Empty(t, chunk(nil, 4))
	assert.Nil(t, allPairs([]int64{1}))
}

func TestOptions_ZeroValueTakesDefaults(t *testing.T) {
	got := Options{}.withDefaults()
	assert.Equal(t, DefaultOptions(), got)
	require.NoError(t, got.validate())

	custom := Options{RetryDelay: time.Millisecond}.withDefaults()
	assert.Equal(t, time.Millisecond, custom.RetryDelay)
	assert.Equal(t, DefaultOptions().Workers, custom.Workers)
}
