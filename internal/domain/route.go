package domain

import (
	"fmt"
	"time"
)

// Pair is a directed (start, end) station pair. A→B and B→A are distinct.
type Pair struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%d-%d", p.Start, p.End)
}

// Segment is a run of consecutive path stations travelled on one line.
// Line is 0 for transfer and repair hops.
type Segment struct {
	Line     int64   `json:"line"`
	Stations []int64 `json:"stations"`
}

// Transfer marks a change of line. A transfer edge C–D is {From: C, To: D};
// a line change inside one station X is {From: X, To: X}.
type Transfer struct {
	From     int64 `json:"from"`
	To       int64 `json:"to"`
	FromLine int64 `json:"from_line,omitempty"`
	ToLine   int64 `json:"to_line,omitempty"`
}

// Route is the result of a shortest-path query.
type Route struct {
	Start            int64      `json:"start"`
	End              int64      `json:"end"`
	LineID           *int64     `json:"line_id,omitempty"`
	Path             []int64    `json:"path"`
	Segments         []Segment  `json:"segments,omitempty"`
	Interchanges     []Transfer `json:"interchanges"`
	Distance         float64    `json:"distance"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	GraphVersion     uint64     `json:"graph_version,omitempty"`
}

// PrecomputedRoute is the durable form of a Route, unique on (start, end, line).
type PrecomputedRoute struct {
	Route
	ComputedAt time.Time `json:"computed_at"`
}

// LineKey returns the line component of the unique key, 0 when unset.
func (r *Route) LineKey() int64 {
	if r.LineID == nil {
		return 0
	}
	return *r.LineID
}

// Pair returns the route's (start, end) pair.
func (r *Route) Pair() Pair {
	return Pair{Start: r.Start, End: r.End}
}

// PairState is the terminal state a pipeline worker reports for a group of
// pairs. Failed pairs carry the stage that failed alongside.
type PairState int

const (
	PairPersisted PairState = iota + 1
	PairFailed
)

// FailedPair is an entry of the durable failure list.
type FailedPair struct {
	Start    int64     `json:"start" db:"start_station_id"`
	End      int64     `json:"end" db:"end_station_id"`
	Stage    string    `json:"stage" db:"stage"`
	Reason   string    `json:"reason" db:"reason"`
	Attempts int       `json:"attempts" db:"attempts"`
	FailedAt time.Time `json:"failed_at" db:"failed_at"`
}

func (f FailedPair) Pair() Pair {
	return Pair{Start: f.Start, End: f.End}
}

// RunMode identifies which pair set a pipeline run covers.
type RunMode string

const (
	RunFull        RunMode = "full"
	RunMissingOnly RunMode = "missing_only"
	RunFailedOnly  RunMode = "failed_only"
)

// Summary is reported at the end of a pipeline run.
type Summary struct {
	RunID          string        `json:"run_id"`
	Mode           RunMode       `json:"mode"`
	GraphVersion   uint64        `json:"graph_version"`
	Total          int           `json:"total"`
	Created        int           `json:"created"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	Cancelled      int           `json:"cancelled"`
	Elapsed        time.Duration `json:"elapsed"`
	PairsPerSecond float64       `json:"pairs_per_second"`
	StartedAt      time.Time     `json:"started_at"`
	Interrupted    bool          `json:"interrupted"`
}

// Done is the number of pairs that reached a terminal state.
func (s *Summary) Done() int {
	return s.Created + s.Skipped + s.Failed + s.Cancelled
}

// Progress is a point-in-time view of a running pipeline.
type Progress struct {
	RunID   string        `json:"run_id"`
	Mode    RunMode       `json:"mode"`
	Done    int           `json:"done"`
	Total   int           `json:"total"`
	Created int           `json:"created"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
	Final   bool          `json:"final"`
}

// Clone returns a deep copy of r.
func (r *Route) Clone() *Route {
	c := *r
	if r.LineID != nil {
		line := *r.LineID
		c.LineID = &line
	}
	if r.Path != nil {
		c.Path = append(make([]int64, 0, len(r.Path)), r.Path...)
	}
	if r.Interchanges != nil {
		c.Interchanges = append(make([]Transfer, 0, len(r.Interchanges)), r.Interchanges...)
	}
	if r.Segments != nil {
		c.Segments = make([]Segment, len(r.Segments))
		for i, s := range r.Segments {
			c.Segments[i] = Segment{Line: s.Line, Stations: append(make([]int64, 0, len(s.Stations)), s.Stations...)}
		}
	}
	return &c
}
