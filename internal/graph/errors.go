package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph construction and path search.
var (
	// ErrInvalidStation is returned when a station id is not present in the
	// graph. It is never mapped to an empty path.
	ErrInvalidStation = errors.New("invalid station")

	// ErrNoRoute is returned when both stations exist but no path joins them.
	// On a repaired snapshot this indicates an internal consistency problem.
	ErrNoRoute = errors.New("no route")

	// ErrInvalidTopology is returned by Build when the topology has a defect
	// that makes adjacency ambiguous (duplicate order, unknown references).
	ErrInvalidTopology = errors.New("invalid topology")
)

// DisconnectedError reports a topology whose graph splits into several
// connected components.
type DisconnectedError struct {
	Components int
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("disconnected topology: %d components", e.Components)
}
