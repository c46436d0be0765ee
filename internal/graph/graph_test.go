package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metroroute/internal/domain"
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

// threeLines is A-B-C on line 1, D-E-F on line 2, C-G on line 3, with an
// interchange between C and D.
func threeLines() *domain.Topology {
	names := map[int64]string{stA: "A", stB: "B", stC: "C", stD: "D", stE: "E", stF: "F", stG: "G"}
	t := &domain.Topology{
		Lines: []domain.Line{
			{ID: 1, Name: "Red"},
			{ID: 2, Name: "Blue"},
			{ID: 3, Name: "Green"},
		},
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
		Interchanges: []domain.Interchange{
			{StationID: stC, Connected: []int64{stD}},
		},
	}
	for id := stA; id <= stG; id++ {
		t.Stations = append(t.Stations, domain.Station{ID: id, Name: names[id]})
	}
	return t
}

// islands builds k lines of two stations each with no interchanges.
func islands(k int) *domain.Topology {
	t := &domain.Topology{}
	for i := 0; i < k; i++ {
		line := int64(i + 1)
		a, b := int64(10*i+1), int64(10*i+2)
		t.Lines = append(t.Lines, domain.Line{ID: line, Name: "L"})
		t.Stations = append(t.Stations,
			domain.Station{ID: a, Name: string(rune('a' + 2*i))},
			domain.Station{ID: b, Name: string(rune('b' + 2*i))},
		)
		t.Memberships = append(t.Memberships,
			domain.LineMembership{LineID: line, StationID: a, Order: 1},
			domain.LineMembership{LineID: line, StationID: b, Order: 2},
		)
	}
	return t
}

func mustBuild(t *testing.T, top *domain.Topology) *Graph {
	t.Helper()
	g, _, err := Build(top)
	require.NoError(t, err)
	return g
}

func TestShortestPath_ThreeLineNetwork(t *testing.T) {
	g := mustBuild(t, threeLines())

	dist, path, err := ShortestPath(g, stA, stF)
	require.NoError(t, err)
	assert.Equal(t, 5.0, dist)
	assert.Equal(t, []int64{stA, stB, stC, stD, stE, stF}, path)

	e, ok := g.EdgeBetween(stC, stD)
	require.True(t, ok)
	assert.Equal(t, EdgeInterchange, e.Kind)
	assert.Equal(t, int64(0), e.Line)
}

func TestShortestPath_InvalidStation(t *testing.T) {
	g := mustBuild(t, threeLines())

	for _, tc := range []struct {
		name       string
		start, end int64
	}{
		{"unknown end", stA, 999},
		{"unknown start", 999, stA},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dist, path, err := ShortestPath(g, tc.start, tc.end)
			require.ErrorIs(t, err, ErrInvalidStation)
			assert.Nil(t, path)
			assert.True(t, math.IsInf(dist, 1))

			_, _, err = Dijkstra(g, tc.start, tc.end)
			assert.ErrorIs(t, err, ErrInvalidStation)
			_, _, err = BFS(g, tc.start, tc.end)
			assert.ErrorIs(t, err, ErrInvalidStation)
		})
	}
}

func TestShortestPath_SameStation(t *testing.T) {
	g := mustBuild(t, threeLines())
	for _, id := range g.Stations() {
		dist, path, err := Dijkstra(g, id, id)
		require.NoError(t, err)
		assert.Equal(t, 0.0, dist)
		assert.Equal(t, []int64{id}, path)

		hops, path, err := BFS(g, id, id)
		require.NoError(t, err)
		assert.Equal(t, 0, hops)
		assert.Equal(t, []int64{id}, path)
	}
}

func TestShortestPath_NoRoute(t *testing.T) {
	g := mustBuild(t, islands(2))

	dist, path, err := Dijkstra(g, 1, 11)
	require.ErrorIs(t, err, ErrNoRoute)
	assert.Nil(t, path)
	assert.True(t, math.IsInf(dist, 1))

	_, _, err = BFS(g, 1, 11)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestShortestPath_AllPairsProperties(t *testing.T) {
	g := mustBuild(t, threeLines())
	require.False(t, g.Weighted())

	stations := g.Stations()
	for _, a := range stations {
		for _, b := range stations {
			dist, path, err := Dijkstra(g, a, b)
			require.NoError(t, err)
			require.NotEmpty(t, path)

			assert.GreaterOrEqual(t, dist, 0.0)
			assert.Equal(t, a, path[0])
			assert.Equal(t, b, path[len(path)-1])

			weight, err := PathWeight(g, path)
			require.NoError(t, err, "path %v uses a missing edge", path)
			assert.Equal(t, dist, weight)

			hops, bfsPath, err := BFS(g, a, b)
			require.NoError(t, err)
			assert.Equal(t, float64(hops), dist, "%d -> %d", a, b)
			assert.Len(t, bfsPath, hops+1)
		}
	}
}

func TestShortestPath_Weighted(t *testing.T) {
	top := threeLines()
	// Long C-D walk plus a short A-F link: both B->E paths take 3 hops but
	// only one is cheap.
	top.Interchanges[0].Distance = 10
	top.Interchanges = append(top.Interchanges, domain.Interchange{StationID: stA, Connected: []int64{stF}, Distance: 3})
	g := mustBuild(t, top)
	require.True(t, g.Weighted())

	dist, path, err := ShortestPath(g, stB, stE)
	require.NoError(t, err)
	assert.Equal(t, 5.0, dist)
	assert.Equal(t, []int64{stB, stA, stF, stE}, path)

	hops, _, err := BFS(g, stB, stE)
	require.NoError(t, err)
	assert.Equal(t, 3, hops)
}

func TestBuild_Deterministic(t *testing.T) {
	want := mustBuild(t, threeLines())

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		top := threeLines()
		rng.Shuffle(len(top.Memberships), func(i, j int) {
			top.Memberships[i], top.Memberships[j] = top.Memberships[j], top.Memberships[i]
		})
		rng.Shuffle(len(top.Stations), func(i, j int) {
			top.Stations[i], top.Stations[j] = top.Stations[j], top.Stations[i]
		})
		rng.Shuffle(len(top.Lines), func(i, j int) {
			top.Lines[i], top.Lines[j] = top.Lines[j], top.Lines[i]
		})

		got := mustBuild(t, top)
		assert.Equal(t, want.Stations(), got.Stations())
		for _, id := range want.Stations() {
			assert.Equal(t, want.Neighbors(id), got.Neighbors(id), "station %d", id)
			wl, _ := want.PrimaryLine(id)
			gl, _ := got.PrimaryLine(id)
			assert.Equal(t, wl, gl)
		}
	}
}

func TestBuild_PrimaryLineFirstWins(t *testing.T) {
	g := mustBuild(t, threeLines())

	// C is served by lines 1 and 3; the lowest line id is attributed.
	line, ok := g.PrimaryLine(stC)
	require.True(t, ok)
	assert.Equal(t, int64(1), line)

	line, ok = g.PrimaryLine(stG)
	require.True(t, ok)
	assert.Equal(t, int64(3), line)
}

func TestBuild_Defects(t *testing.T) {
	t.Run("order gap is reported but builds", func(t *testing.T) {
		top := threeLines()
		top.Memberships[2].Order = 5

		g, report, err := Build(top)
		require.NoError(t, err)
		require.Len(t, report.Defects, 1)
		assert.Equal(t, DefectOrderGap, report.Defects[0].Kind)
		assert.Equal(t, int64(1), report.Defects[0].LineID)
		assert.False(t, report.Defects[0].Fatal())

		_, ok := g.EdgeBetween(stB, stC)
		assert.True(t, ok)
	})

	t.Run("duplicate order is fatal", func(t *testing.T) {
		top := threeLines()
		top.Memberships[2].Order = 2

		_, report, err := Build(top)
		require.ErrorIs(t, err, ErrInvalidTopology)
		require.NotEmpty(t, report.Defects)
		assert.Equal(t, DefectDuplicateOrder, report.Defects[0].Kind)
	})

	t.Run("unknown station is fatal", func(t *testing.T) {
		top := threeLines()
		top.Memberships = append(top.Memberships, domain.LineMembership{LineID: 2, StationID: 99, Order: 4})

		_, _, err := Build(top)
		assert.ErrorIs(t, err, ErrInvalidTopology)
	})

	t.Run("duplicate name and self interchange are reported", func(t *testing.T) {
		top := threeLines()
		top.Stations[1].Name = "A"
		top.Interchanges = append(top.Interchanges, domain.Interchange{StationID: stE, Connected: []int64{stE}})

		_, report, err := Build(top)
		require.NoError(t, err)

		kinds := make([]DefectKind, 0, len(report.Defects))
		for _, d := range report.Defects {
			kinds = append(kinds, d.Kind)
		}
		assert.ElementsMatch(t, []DefectKind{DefectDuplicateName, DefectSelfInterchange}, kinds)
	})
}

func TestFindComponents(t *testing.T) {
	g := mustBuild(t, islands(2))

	components := FindComponents(g)
	assert.Equal(t, [][]int64{{1, 2}, {11, 12}}, components)

	var disconnected *DisconnectedError
	require.ErrorAs(t, Check(g), &disconnected)
	assert.Equal(t, 2, disconnected.Components)

	assert.NoError(t, Check(mustBuild(t, threeLines())))
}

func TestRepair(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5} {
		g := mustBuild(t, islands(k))
		before := g.EdgeCount()

		repaired, bridges := Repair(g)
		assert.Len(t, bridges, k-1)
		assert.Len(t, FindComponents(repaired), 1)
		assert.Equal(t, before+k-1, repaired.EdgeCount())

		// The input snapshot is left as it was.
		assert.Len(t, FindComponents(g), k)
		assert.Equal(t, before, g.EdgeCount())

		for _, b := range bridges {
			e, ok := repaired.EdgeBetween(b.A, b.B)
			require.True(t, ok)
			assert.Equal(t, EdgeRepair, e.Kind)
		}
	}
}

func TestRepair_RoutesAcrossGroups(t *testing.T) {
	repaired, bridges := Repair(mustBuild(t, islands(2)))
	require.Equal(t, []Bridge{{A: 1, B: 11}}, bridges)

	for _, a := range []int64{1, 2} {
		for _, b := range []int64{11, 12} {
			_, path, err := ShortestPath(repaired, a, b)
			require.NoError(t, err)
			assert.Equal(t, a, path[0])
			assert.Equal(t, b, path[len(path)-1])
		}
	}
}

type stubSource struct {
	mu       sync.Mutex
	topology *domain.Topology
	err      error
	calls    int
}

func (s *stubSource) Topology(ctx context.Context) (*domain.Topology, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.topology, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestService_Snapshots(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{topology: threeLines()}
	svc := NewService(src, discardLogger())

	assert.False(t, svc.Loaded())

	g1, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.True(t, svc.Loaded())
	assert.Equal(t, 1, src.calls)

	again, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, g1, again)
	assert.Equal(t, 1, src.calls)

	svc.Invalidate()
	assert.True(t, svc.Loaded())
	assert.True(t, svc.Stale())

	g2, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Greater(t, g2.Version(), g1.Version())
	assert.Equal(t, 2, src.calls)
	assert.False(t, svc.Stale())

	// The old snapshot is still usable.
	_, path, err := ShortestPath(g1, stA, stF)
	require.NoError(t, err)
	assert.Len(t, path, 6)
	assert.NotNil(t, svc.Report())
}

func TestService_RepairsDisconnectedTopology(t *testing.T) {
	svc := NewService(&stubSource{topology: islands(3)}, discardLogger())

	g, err := svc.Current(context.Background())
	require.NoError(t, err)
	assert.Len(t, FindComponents(g), 1)
	assert.Len(t, g.Bridges(), 2)
}

func TestService_SourceError(t *testing.T) {
	boom := errors.New("directory unavailable")
	svc := NewService(&stubSource{err: boom}, discardLogger())

	_, err := svc.Current(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, svc.Loaded())
}

func TestService_InvalidTopologyKeepsOldSnapshot(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{topology: threeLines()}
	svc := NewService(src, discardLogger())

	g1, err := svc.Current(ctx)
	require.NoError(t, err)

	bad := threeLines()
	bad.Memberships[1].Order = 1
	src.mu.Lock()
	src.topology = bad
	src.mu.Unlock()

	_, err = svc.Rebuild(ctx)
	require.ErrorIs(t, err, ErrInvalidTopology)

	current, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, g1, current)
}

func TestService_InvalidatedSnapshotServedWhileSourceDown(t *testing.T) {
	ctx := context.Background()
	src := &stubSource{topology: threeLines()}
	svc := NewService(src, discardLogger())

	g1, err := svc.Current(ctx)
	require.NoError(t, err)

	src.mu.Lock()
	src.err = errors.New("directory unavailable")
	src.mu.Unlock()
	svc.Invalidate()

	current, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, g1, current)
	assert.True(t, svc.Stale())
	assert.Equal(t, 2, src.calls)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	g2, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.Greater(t, g2.Version(), g1.Version())
	assert.False(t, svc.Stale())
}
