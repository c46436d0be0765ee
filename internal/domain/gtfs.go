package domain

// RouteType distinguishes transport types in GTFS
type RouteType int

const (
	RouteTypeTram      RouteType = 0
	RouteTypeSubway    RouteType = 1
	RouteTypeRail      RouteType = 2
	RouteTypeBus       RouteType = 3
	RouteTypeFerry     RouteType = 4
	RouteTypeCableTram RouteType = 5
	RouteTypeMonorail  RouteType = 12
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeTram:
		return "tram"
	case RouteTypeSubway:
		return "subway"
	case RouteTypeRail:
		return "rail"
	case RouteTypeBus:
		return "bus"
	case RouteTypeFerry:
		return "ferry"
	case RouteTypeCableTram:
		return "cable_tram"
	case RouteTypeMonorail:
		return "monorail"
	default:
		return "unknown"
	}
}

// FeedRoute is a routes.txt row
type FeedRoute struct {
	ID        string
	ShortName string
	LongName  string
	Type      RouteType
	Color     string
}

// FeedStop is a stops.txt row
type FeedStop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	LocationType  int
	ParentStation string
}

// FeedTransfer is a transfers.txt row
type FeedTransfer struct {
	FromStopID      string
	ToStopID        string
	MinTransferTime int // seconds, 0 when absent
}

// FeedPattern is the ordered stop sequence chosen to represent a route.
// The longest trip wins; ties go to the lowest trip_id.
type FeedPattern struct {
	RouteID string
	TripID  string
	StopIDs []string
}
