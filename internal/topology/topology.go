// Package topology provides the read-only station/line directory the graph
// is built from, plus helpers to detect and scope topology changes.
package topology

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"metroroute/internal/domain"
)

// Directory returns a snapshot of stations, lines, line order and
// interchanges. Implementations must return a value the caller may keep.
type Directory interface {
	Topology(ctx context.Context) (*domain.Topology, error)
}

// Fingerprint hashes the canonical form of t. Row order does not matter.
func Fingerprint(t *domain.Topology) (string, error) {
	data, err := json.Marshal(t.Canonical())
	if err != nil {
		return "", fmt.Errorf("marshal topology: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Diff returns, in ascending order, the stations whose adjacency differs
// between old and new: stations added or removed, and stations that gained
// or lost a line neighbour or an interchange link. Renames and coordinate
// changes do not affect routing and are not reported.
func Diff(old, new *domain.Topology) []int64 {
	before := adjacencyOf(old)
	after := adjacencyOf(new)

	affected := make(map[int64]struct{})
	for id, links := range before {
		if other, ok := after[id]; !ok || !sameLinks(links, other) {
			affected[id] = struct{}{}
		}
	}
	for id := range after {
		if _, ok := before[id]; !ok {
			affected[id] = struct{}{}
		}
	}

	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type link struct {
	to       int64
	line     int64
	distance float64
}

func adjacencyOf(t *domain.Topology) map[int64]map[link]struct{} {
	adj := make(map[int64]map[link]struct{})
	if t == nil {
		return adj
	}
	add := func(a int64, l link) {
		if adj[a] == nil {
			adj[a] = make(map[link]struct{})
		}
		adj[a][l] = struct{}{}
	}

	for _, s := range t.Stations {
		if adj[s.ID] == nil {
			adj[s.ID] = make(map[link]struct{})
		}
	}

	c := t.Canonical()
	for i := 1; i < len(c.Memberships); i++ {
		prev, m := c.Memberships[i-1], c.Memberships[i]
		if prev.LineID != m.LineID {
			continue
		}
		add(prev.StationID, link{to: m.StationID, line: m.LineID, distance: m.Distance})
		add(m.StationID, link{to: prev.StationID, line: m.LineID, distance: m.Distance})
	}
	for _, ic := range c.Interchanges {
		for _, other := range ic.Connected {
			add(ic.StationID, link{to: other, distance: ic.Distance})
			add(other, link{to: ic.StationID, distance: ic.Distance})
		}
	}
	return adj
}

func sameLinks(a, b map[link]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for l := range a {
		if _, ok := b[l]; !ok {
			return false
		}
	}
	return true
}
