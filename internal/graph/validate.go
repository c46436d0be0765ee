package graph

import (
	"fmt"
	"sort"

	"metroroute/internal/domain"
)

// DefectKind classifies a topology data-integrity problem.
type DefectKind string

const (
	DefectOrderGap         DefectKind = "order_gap"
	DefectDuplicateOrder   DefectKind = "duplicate_order"
	DefectUnknownStation   DefectKind = "unknown_station"
	DefectUnknownLine      DefectKind = "unknown_line"
	DefectDuplicateStation DefectKind = "duplicate_station"
	DefectDuplicateName    DefectKind = "duplicate_name"
	DefectSelfInterchange  DefectKind = "self_interchange"
)

// Defect is one problem found by Validate.
type Defect struct {
	Kind      DefectKind `json:"kind"`
	LineID    int64      `json:"line_id,omitempty"`
	StationID int64      `json:"station_id,omitempty"`
	Message   string     `json:"message"`
}

// Fatal reports whether Build refuses a topology with this defect.
func (d Defect) Fatal() bool {
	switch d.Kind {
	case DefectDuplicateOrder, DefectUnknownStation, DefectUnknownLine, DefectDuplicateStation:
		return true
	default:
		return false
	}
}

func (d Defect) String() string {
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// Validate checks the topology for data-integrity defects. The result is in
// a stable order: stations, then lines by id, then interchanges.
func Validate(t *domain.Topology) []Defect {
	var defects []Defect

	stations := make(map[int64]struct{}, len(t.Stations))
	names := make(map[string]int64, len(t.Stations))
	for _, s := range t.Canonical().Stations {
		if _, dup := stations[s.ID]; dup {
			defects = append(defects, Defect{
				Kind:      DefectDuplicateStation,
				StationID: s.ID,
				Message:   fmt.Sprintf("station %d defined more than once", s.ID),
			})
			continue
		}
		stations[s.ID] = struct{}{}
		if other, dup := names[s.Name]; dup {
			defects = append(defects, Defect{
				Kind:      DefectDuplicateName,
				StationID: s.ID,
				Message:   fmt.Sprintf("station %d shares name %q with station %d", s.ID, s.Name, other),
			})
			continue
		}
		names[s.Name] = s.ID
	}

	lines := make(map[int64]struct{}, len(t.Lines))
	for _, l := range t.Lines {
		lines[l.ID] = struct{}{}
	}

	lineIDs, byLine := groupByLine(t.Memberships)
	for _, lineID := range lineIDs {
		members := byLine[lineID]
		if _, ok := lines[lineID]; !ok {
			defects = append(defects, Defect{
				Kind:    DefectUnknownLine,
				LineID:  lineID,
				Message: fmt.Sprintf("memberships reference unknown line %d", lineID),
			})
		}
		for i, m := range members {
			if _, ok := stations[m.StationID]; !ok {
				defects = append(defects, Defect{
					Kind:      DefectUnknownStation,
					LineID:    lineID,
					StationID: m.StationID,
					Message:   fmt.Sprintf("line %d order %d references unknown station %d", lineID, m.Order, m.StationID),
				})
			}
			if i == 0 {
				continue
			}
			prev := members[i-1]
			switch {
			case m.Order == prev.Order:
				defects = append(defects, Defect{
					Kind:      DefectDuplicateOrder,
					LineID:    lineID,
					StationID: m.StationID,
					Message:   fmt.Sprintf("line %d has order %d twice (stations %d and %d)", lineID, m.Order, prev.StationID, m.StationID),
				})
			case m.Order != prev.Order+1:
				defects = append(defects, Defect{
					Kind:      DefectOrderGap,
					LineID:    lineID,
					StationID: m.StationID,
					Message:   fmt.Sprintf("line %d jumps from order %d to %d", lineID, prev.Order, m.Order),
				})
			}
		}
	}

	for _, ic := range t.Canonical().Interchanges {
		if _, ok := stations[ic.StationID]; !ok {
			defects = append(defects, Defect{
				Kind:      DefectUnknownStation,
				StationID: ic.StationID,
				Message:   fmt.Sprintf("interchange anchored at unknown station %d", ic.StationID),
			})
		}
		for _, other := range ic.Connected {
			if other == ic.StationID {
				defects = append(defects, Defect{
					Kind:      DefectSelfInterchange,
					StationID: other,
					Message:   fmt.Sprintf("station %d lists itself as an interchange", other),
				})
				continue
			}
			if _, ok := stations[other]; !ok {
				defects = append(defects, Defect{
					Kind:      DefectUnknownStation,
					StationID: other,
					Message:   fmt.Sprintf("interchange at %d references unknown station %d", ic.StationID, other),
				})
			}
		}
	}

	return defects
}

// groupByLine returns the line ids in ascending order and each line's
// memberships sorted by order.
func groupByLine(ms []domain.LineMembership) ([]int64, map[int64][]domain.LineMembership) {
	byLine := make(map[int64][]domain.LineMembership)
	for _, m := range ms {
		byLine[m.LineID] = append(byLine[m.LineID], m)
	}

	ids := make([]int64, 0, len(byLine))
	for id, members := range byLine {
		ids = append(ids, id)
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].Order != members[j].Order {
				return members[i].Order < members[j].Order
			}
			return members[i].StationID < members[j].StationID
		})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, byLine
}
