package graph

import (
	"container/heap"
	"fmt"
	"math"
)

// ShortestPath returns a minimum-weight path from start to end. Weighted
// graphs use Dijkstra; graphs where every edge weighs 1 use the cheaper BFS,
// which gives the same distance there.
func ShortestPath(g *Graph, start, end int64) (float64, []int64, error) {
	if g.Weighted() {
		return Dijkstra(g, start, end)
	}
	hops, path, err := BFS(g, start, end)
	if err != nil {
		return math.Inf(1), nil, err
	}
	return float64(hops), path, nil
}

// Dijkstra runs a priority-queue search over non-negative weights. An
// unreachable end yields +Inf and ErrNoRoute.
func Dijkstra(g *Graph, start, end int64) (float64, []int64, error) {
	if err := checkEndpoints(g, start, end); err != nil {
		return math.Inf(1), nil, err
	}
	if start == end {
		return 0, []int64{start}, nil
	}

	dist := map[int64]float64{start: 0}
	prev := make(map[int64]int64)
	settled := make(map[int64]struct{})

	pq := &priorityQueue{}
	heap.Push(pq, &pqItem{node: start, priority: 0})

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*pqItem)
		current := item.node

		if _, done := settled[current]; done {
			continue
		}
		settled[current] = struct{}{}

		if current == end {
			return dist[end], reconstructPath(prev, start, end), nil
		}

		for _, e := range g.Neighbors(current) {
			if _, done := settled[e.To]; done {
				continue
			}
			tentative := dist[current] + e.Weight
			if old, ok := dist[e.To]; !ok || tentative < old {
				dist[e.To] = tentative
				prev[e.To] = current
				heap.Push(pq, &pqItem{node: e.To, priority: tentative})
			}
		}
	}

	return math.Inf(1), nil, fmt.Errorf("%w: %d -> %d", ErrNoRoute, start, end)
}

// BFS computes a fewest-hops path, treating every edge weight as 1.
func BFS(g *Graph, start, end int64) (int, []int64, error) {
	if err := checkEndpoints(g, start, end); err != nil {
		return -1, nil, err
	}
	if start == end {
		return 0, []int64{start}, nil
	}

	prev := map[int64]int64{start: start}
	queue := []int64{start}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range g.Neighbors(current) {
			if _, seen := prev[e.To]; seen {
				continue
			}
			prev[e.To] = current
			if e.To == end {
				path := reconstructPath(prev, start, end)
				return len(path) - 1, path, nil
			}
			queue = append(queue, e.To)
		}
	}

	return -1, nil, fmt.Errorf("%w: %d -> %d", ErrNoRoute, start, end)
}

// PathWeight sums the edge weights along path. It fails if two consecutive
// stations are not adjacent.
func PathWeight(g *Graph, path []int64) (float64, error) {
	total := 0.0
	for i := 1; i < len(path); i++ {
		e, ok := g.EdgeBetween(path[i-1], path[i])
		if !ok {
			return 0, fmt.Errorf("no edge %d -> %d", path[i-1], path[i])
		}
		total += e.Weight
	}
	return total, nil
}

func checkEndpoints(g *Graph, start, end int64) error {
	if !g.HasStation(start) {
		return fmt.Errorf("%w: %d", ErrInvalidStation, start)
	}
	if !g.HasStation(end) {
		return fmt.Errorf("%w: %d", ErrInvalidStation, end)
	}
	return nil
}

// reconstructPath walks the predecessor map back from end and reverses.
func reconstructPath(prev map[int64]int64, start, end int64) []int64 {
	path := []int64{end}
	for current := end; current != start; {
		current = prev[current]
		path = append(path, current)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

type pqItem struct {
	node     int64
	priority float64
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].node < pq[j].node
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*pqItem))
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[0 : n-1]
	return item
}
