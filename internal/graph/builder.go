package graph

import (
	"fmt"

	"metroroute/internal/domain"
)

// BuildReport describes a Build call.
type BuildReport struct {
	Stations     int      `json:"stations"`
	Lines        int      `json:"lines"`
	LineEdges    int      `json:"line_edges"`
	Interchanges int      `json:"interchange_edges"`
	Defects      []Defect `json:"defects,omitempty"`
}

// Build turns topology rows into an adjacency snapshot.
//
// Lines are walked in ascending id order and their stations in ascending
// order; each consecutive pair becomes a bidirectional edge. Interchanges are
// applied afterwards, anchors and connected stations in ascending order. The
// result therefore only depends on the rows, never on their input order.
//
// Non-fatal defects (order gaps, duplicate names) are returned in the report;
// fatal ones abort the build with ErrInvalidTopology.
func Build(t *domain.Topology) (*Graph, *BuildReport, error) {
	defects := Validate(t)
	for _, d := range defects {
		if d.Fatal() {
			return nil, &BuildReport{Defects: defects}, fmt.Errorf("%w: %s", ErrInvalidTopology, d)
		}
	}

	g := newGraph(t.StationIDs())
	report := &BuildReport{
		Stations: g.Len(),
		Lines:    len(t.Lines),
		Defects:  defects,
	}

	lineIDs, byLine := groupByLine(t.Memberships)
	for _, lineID := range lineIDs {
		members := byLine[lineID]
		for i, m := range members {
			if _, ok := g.primary[m.StationID]; !ok {
				g.primary[m.StationID] = lineID
			}
			if i == 0 {
				continue
			}
			if g.addEdge(members[i-1].StationID, m.StationID, weightOf(m.Distance), lineID, EdgeLine) {
				report.LineEdges++
			}
		}
	}

	for _, ic := range t.Canonical().Interchanges {
		for _, other := range ic.Connected {
			if g.addEdge(ic.StationID, other, weightOf(ic.Distance), 0, EdgeInterchange) {
				report.Interchanges++
			}
		}
	}

	return g, report, nil
}

func weightOf(distance float64) float64 {
	if distance > 0 {
		return distance
	}
	return 1
}
