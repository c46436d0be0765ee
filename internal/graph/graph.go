// Package graph holds the routing graph snapshot and the algorithms that run
// over it: building from topology, shortest-path search and connectivity
// repair.
//
// A Graph is immutable once returned by Build or Repair. Any number of
// goroutines may read it concurrently; a topology change produces a new
// Graph instead of mutating the old one.
package graph

import "sort"

// EdgeKind tells where an edge came from.
type EdgeKind uint8

const (
	// EdgeLine joins consecutive stations of one line.
	EdgeLine EdgeKind = iota
	// EdgeInterchange is an on-foot transfer link.
	EdgeInterchange
	// EdgeRepair was added by Repair to join disconnected components. It
	// stands in for an interchange missing from the source data.
	EdgeRepair
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeLine:
		return "line"
	case EdgeInterchange:
		return "interchange"
	case EdgeRepair:
		return "repair"
	default:
		return "unknown"
	}
}

// Edge is one directed half of an undirected adjacency.
type Edge struct {
	To     int64
	Weight float64
	Line   int64 // 0 unless Kind == EdgeLine
	Kind   EdgeKind
}

// Bridge is an edge added by Repair.
type Bridge struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

// Graph is an adjacency snapshot: station id -> [(neighbour, weight)].
type Graph struct {
	version  uint64
	adj      map[int64][]Edge
	stations []int64
	primary  map[int64]int64
	weighted bool
	bridges  []Bridge
	edges    int
}

func newGraph(stationIDs []int64) *Graph {
	g := &Graph{
		adj:      make(map[int64][]Edge, len(stationIDs)),
		stations: make([]int64, 0, len(stationIDs)),
		primary:  make(map[int64]int64),
	}
	for _, id := range stationIDs {
		if _, ok := g.adj[id]; ok {
			continue
		}
		g.adj[id] = nil
		g.stations = append(g.stations, id)
	}
	sort.Slice(g.stations, func(i, j int) bool { return g.stations[i] < g.stations[j] })
	return g
}

// addEdge inserts a bidirectional edge. When the pair is already adjacent the
// first edge keeps its tag (first line wins) and the lower weight is kept.
func (g *Graph) addEdge(a, b int64, weight float64, line int64, kind EdgeKind) bool {
	if a == b {
		return false
	}
	if weight != 1 {
		g.weighted = true
	}
	if g.updateExisting(a, b, weight) {
		g.updateExisting(b, a, weight)
		return false
	}
	g.adj[a] = append(g.adj[a], Edge{To: b, Weight: weight, Line: line, Kind: kind})
	g.adj[b] = append(g.adj[b], Edge{To: a, Weight: weight, Line: line, Kind: kind})
	g.edges++
	return true
}

func (g *Graph) updateExisting(from, to int64, weight float64) bool {
	edges := g.adj[from]
	for i := range edges {
		if edges[i].To == to {
			if weight < edges[i].Weight {
				edges[i].Weight = weight
			}
			return true
		}
	}
	return false
}

func (g *Graph) clone() *Graph {
	c := &Graph{
		version:  g.version,
		adj:      make(map[int64][]Edge, len(g.adj)),
		stations: append([]int64(nil), g.stations...),
		primary:  make(map[int64]int64, len(g.primary)),
		weighted: g.weighted,
		bridges:  append([]Bridge(nil), g.bridges...),
		edges:    g.edges,
	}
	for id, edges := range g.adj {
		c.adj[id] = append([]Edge(nil), edges...)
	}
	for id, line := range g.primary {
		c.primary[id] = line
	}
	return c
}

// Version identifies the snapshot; it increases on every rebuild.
func (g *Graph) Version() uint64 { return g.version }

// Len returns the number of stations.
func (g *Graph) Len() int { return len(g.stations) }

// EdgeCount returns the number of undirected edges.
func (g *Graph) EdgeCount() int { return g.edges }

// Weighted reports whether any edge carries a weight other than 1.
func (g *Graph) Weighted() bool { return g.weighted }

// Stations returns every station id in ascending order.
func (g *Graph) Stations() []int64 {
	return append([]int64(nil), g.stations...)
}

// HasStation reports whether id is a node of the graph.
func (g *Graph) HasStation(id int64) bool {
	_, ok := g.adj[id]
	return ok
}

// Neighbors returns the adjacency list of id. The slice is shared with the
// snapshot and must not be modified.
func (g *Graph) Neighbors(id int64) []Edge {
	return g.adj[id]
}

// EdgeBetween returns the edge a->b if the two stations are adjacent.
func (g *Graph) EdgeBetween(a, b int64) (Edge, bool) {
	for _, e := range g.adj[a] {
		if e.To == b {
			return e, true
		}
	}
	return Edge{}, false
}

// PrimaryLine returns the first line (in ascending line id order) serving
// the station.
func (g *Graph) PrimaryLine(id int64) (int64, bool) {
	line, ok := g.primary[id]
	return line, ok
}

// Bridges returns the edges added by Repair, if any.
func (g *Graph) Bridges() []Bridge {
	return append([]Bridge(nil), g.bridges...)
}
