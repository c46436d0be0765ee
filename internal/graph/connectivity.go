package graph

import "sort"

// FindComponents sweeps the graph with BFS from the lowest unvisited station
// until every station is visited. Each component is sorted ascending and
// components are ordered by their lowest station.
func FindComponents(g *Graph) [][]int64 {
	visited := make(map[int64]struct{}, g.Len())
	var components [][]int64

	for _, root := range g.stations {
		if _, ok := visited[root]; ok {
			continue
		}

		visited[root] = struct{}{}
		component := []int64{root}
		queue := []int64{root}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, e := range g.Neighbors(current) {
				if _, ok := visited[e.To]; ok {
					continue
				}
				visited[e.To] = struct{}{}
				component = append(component, e.To)
				queue = append(queue, e.To)
			}
		}

		sortIDs(component)
		components = append(components, component)
	}

	return components
}

// Check returns a *DisconnectedError when the graph has more than one
// component.
func Check(g *Graph) error {
	if n := len(FindComponents(g)); n > 1 {
		return &DisconnectedError{Components: n}
	}
	return nil
}

// Repair joins k components with k-1 EdgeRepair edges, linking the lowest
// station of each component to the lowest station of the next one. It
// returns a new graph; g itself is left untouched. A connected graph is
// returned as is with no bridges.
func Repair(g *Graph) (*Graph, []Bridge) {
	components := FindComponents(g)
	if len(components) <= 1 {
		return g, nil
	}

	repaired := g.clone()
	added := make([]Bridge, 0, len(components)-1)
	for i := 0; i+1 < len(components); i++ {
		a, b := components[i][0], components[i+1][0]
		repaired.addEdge(a, b, 1, 0, EdgeRepair)
		added = append(added, Bridge{A: a, B: b})
	}
	repaired.bridges = append(repaired.bridges, added...)

	return repaired, added
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
