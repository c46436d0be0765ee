package domain

import (
	"slices"
	"sort"
)

// Station is a node in the metro network
type Station struct {
	ID   int64    `json:"id" yaml:"id" db:"id" validate:"required,gt=0"`
	Code string   `json:"code,omitempty" yaml:"code" db:"code"`
	Name string   `json:"name" yaml:"name" db:"name" validate:"required"`
	Lat  *float64 `json:"lat,omitempty" yaml:"lat" db:"lat"`
	Lon  *float64 `json:"lon,omitempty" yaml:"lon" db:"lon"`
}

// Line is a metro line; its station order lives in LineMembership rows
type Line struct {
	ID    int64  `json:"id" yaml:"id" db:"id" validate:"required,gt=0"`
	Code  string `json:"code,omitempty" yaml:"code" db:"code"`
	Name  string `json:"name" yaml:"name" db:"name" validate:"required"`
	Color string `json:"color,omitempty" yaml:"color" db:"color"`
}

// LineMembership places a station at a position on a line. Consecutive
// positions on the same line are graph neighbours. Distance is the optional
// physical distance from the previous station on the line.
type LineMembership struct {
	LineID    int64   `json:"line_id" yaml:"line_id" db:"line_id" validate:"required,gt=0"`
	StationID int64   `json:"station_id" yaml:"station_id" db:"station_id" validate:"required,gt=0"`
	Order     int     `json:"order" yaml:"order" db:"position" validate:"gte=0"`
	Distance  float64 `json:"distance,omitempty" yaml:"distance" db:"distance" validate:"gte=0"`
}

// Interchange links a station to stations reachable by an on-foot transfer,
// independent of line order.
type Interchange struct {
	StationID int64   `json:"station_id" yaml:"station_id" validate:"required,gt=0"`
	Connected []int64 `json:"connected" yaml:"connected" validate:"dive,gt=0"`
	Distance  float64 `json:"distance,omitempty" yaml:"distance" validate:"gte=0"`
}

// Topology is a read-only snapshot of the station/line directory.
type Topology struct {
	Stations     []Station        `json:"stations" yaml:"stations" validate:"dive"`
	Lines        []Line           `json:"lines" yaml:"lines" validate:"dive"`
	Memberships  []LineMembership `json:"memberships" yaml:"memberships" validate:"dive"`
	Interchanges []Interchange    `json:"interchanges" yaml:"interchanges" validate:"dive"`
}

// StationIDs returns every station id in ascending order.
func (t *Topology) StationIDs() []int64 {
	ids := make([]int64, 0, len(t.Stations))
	for _, s := range t.Stations {
		ids = append(ids, s.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Canonical returns a copy with every collection sorted by its natural key,
// so that two topologies holding the same rows compare and hash equally.
func (t *Topology) Canonical() *Topology {
	c := &Topology{
		Stations:     append([]Station(nil), t.Stations...),
		Lines:        append([]Line(nil), t.Lines...),
		Memberships:  append([]LineMembership(nil), t.Memberships...),
		Interchanges: make([]Interchange, 0, len(t.Interchanges)),
	}

	sort.Slice(c.Stations, func(i, j int) bool { return c.Stations[i].ID < c.Stations[j].ID })
	sort.Slice(c.Lines, func(i, j int) bool { return c.Lines[i].ID < c.Lines[j].ID })
	sort.Slice(c.Memberships, func(i, j int) bool {
		a, b := c.Memberships[i], c.Memberships[j]
		if a.LineID != b.LineID {
			return a.LineID < b.LineID
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.StationID < b.StationID
	})

	for _, ic := range t.Interchanges {
		connected := append([]int64(nil), ic.Connected...)
		sort.Slice(connected, func(i, j int) bool { return connected[i] < connected[j] })
		c.Interchanges = append(c.Interchanges, Interchange{
			StationID: ic.StationID,
			Connected: connected,
			Distance:  ic.Distance,
		})
	}
	// Several rows may share a station; order them fully so input order
	// never leaks into the canonical form.
	sort.Slice(c.Interchanges, func(i, j int) bool {
		a, b := c.Interchanges[i], c.Interchanges[j]
		if a.StationID != b.StationID {
			return a.StationID < b.StationID
		}
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return slices.Compare(a.Connected, b.Connected) < 0
	})

	return c
}
