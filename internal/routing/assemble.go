// Package routing answers route queries: cache first, then the route store,
// then a direct shortest-path search on the current graph snapshot.
package routing

import (
	"math"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
)

// Estimator turns a route's distance and transfer count into minutes.
type Estimator struct {
	MinutesPerHop   float64
	TransferMinutes float64
}

func (e Estimator) Minutes(distance float64, transfers int) float64 {
	return distance*e.MinutesPerHop + float64(transfers)*e.TransferMinutes
}

// Assemble builds a Route from a path found on g.
//
// Consecutive hops on the same line form one segment; interchange and
// repair hops form segments with line 0. A hop over an interchange edge
// C-D is reported as transfer {C, D}. Changing line without leaving
// station X is reported as {X, X}.
//
// LineID is the primary line of the start station: the lowest line id
// serving it. For stations on several lines this can differ from the line
// actually ridden, and A->B may be attributed differently from B->A.
func Assemble(g *graph.Graph, path []int64, distance float64, est Estimator) *domain.Route {
	r := &domain.Route{
		Path:         append([]int64(nil), path...),
		Interchanges: []domain.Transfer{},
		Distance:     distance,
		GraphVersion: g.Version(),
	}
	if len(path) > 0 {
		r.Start, r.End = path[0], path[len(path)-1]
	}
	if line, ok := g.PrimaryLine(r.Start); ok {
		r.LineID = &line
	}

	var (
		current  *domain.Segment
		lastLine int64 // last line ridden, 0 before the first line hop
		open     []int // transfers waiting for their ToLine
	)
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		e, _ := g.EdgeBetween(from, to)

		tag := int64(0)
		if e.Kind == graph.EdgeLine {
			tag = e.Line
		}

		if e.Kind == graph.EdgeLine {
			if lastLine != 0 && e.Line != lastLine && len(open) == 0 {
				r.Interchanges = append(r.Interchanges, domain.Transfer{
					From: from, To: from, FromLine: lastLine, ToLine: e.Line,
				})
			}
			for _, idx := range open {
				r.Interchanges[idx].ToLine = e.Line
			}
			open = open[:0]
			lastLine = e.Line
		} else {
			r.Interchanges = append(r.Interchanges, domain.Transfer{
				From: from, To: to, FromLine: lastLine,
			})
			open = append(open, len(r.Interchanges)-1)
		}

		if current == nil || current.Line != tag {
			r.Segments = append(r.Segments, domain.Segment{Line: tag, Stations: []int64{from}})
			current = &r.Segments[len(r.Segments)-1]
		}
		current.Stations = append(current.Stations, to)
	}

	r.EstimatedMinutes = est.Minutes(distance, len(r.Interchanges))
	return r
}

// Valid reports whether r is a path from start to end over edges that exist
// in g with a distance that still equals the path weight. Routes read from
// the cache or store are checked against the current snapshot before they
// are served.
func Valid(g *graph.Graph, r *domain.Route, start, end int64) bool {
	if r == nil || r.Start != start || r.End != end || len(r.Path) == 0 {
		return false
	}
	if r.Path[0] != start || r.Path[len(r.Path)-1] != end {
		return false
	}
	for _, id := range r.Path {
		if !g.HasStation(id) {
			return false
		}
	}
	w, err := graph.PathWeight(g, r.Path)
	if err != nil {
		return false
	}
	return math.Abs(w-r.Distance) <= distanceTolerance*math.Max(1, math.Abs(w))
}

const distanceTolerance = 1e-9
