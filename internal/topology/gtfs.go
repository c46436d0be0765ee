package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"metroroute/internal/domain"
	"metroroute/pkg/gtfs"
)

// GTFSDirectory derives the topology from a GTFS feed. Parsed feeds are
// cached on disk by archive fingerprint so an unchanged feed is parsed once,
// and a feed the source reports as unchanged is not converted again.
type GTFSDirectory struct {
	downloader *gtfs.Downloader
	parser     *gtfs.Parser
	cache      *gtfs.ParseCache
	logger     *slog.Logger

	mu   sync.Mutex
	last *domain.Topology
}

func NewGTFSDirectory(source string, routeTypes []domain.RouteType, logger *slog.Logger) *GTFSDirectory {
	return &GTFSDirectory{
		downloader: gtfs.NewDownloader(source, logger),
		parser:     gtfs.NewParser(logger, routeTypes...),
		cache:      gtfs.NewParseCache(gtfs.DefaultParseCacheDir(), 3),
		logger:     logger.With("component", "gtfs_directory"),
	}
}

func (d *GTFSDirectory) Topology(ctx context.Context) (*domain.Topology, error) {
	start := time.Now()

	archive, err := d.downloader.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if archive.Unchanged && d.last != nil {
		return d.last, nil
	}

	result, err := d.cache.Load(archive.Fingerprint)
	if err != nil {
		d.logger.Debug("parsed feed cache miss", "fingerprint", archive.Fingerprint, "error", err)

		result, err = d.parser.Parse(archive.Reader)
		if err != nil {
			return nil, err
		}
		if err := d.cache.Save(archive.Fingerprint, result); err != nil {
			d.logger.Warn("failed to save parsed feed", "error", err)
		}
	}

	t := FromFeed(result)
	if len(t.Stations) == 0 {
		return nil, fmt.Errorf("feed has no stations served by the selected route types")
	}
	d.last = t

	d.logger.Info("topology loaded from GTFS",
		"stations", len(t.Stations),
		"lines", len(t.Lines),
		"interchanges", len(t.Interchanges),
		"fingerprint", archive.Fingerprint,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return t, nil
}

// FromFeed converts a parsed feed into a topology.
//
// Every stop used by a route pattern becomes a station; ids are assigned
// from 1 in stop_id order, line ids from 1 in route_id order. Stops sharing
// a parent_station are linked pairwise as interchanges, as are the two ends
// of each transfers.txt row.
func FromFeed(r *gtfs.ParseResult) *domain.Topology {
	t := &domain.Topology{}

	routeIDs := make([]string, 0, len(r.Patterns))
	used := make(map[string]struct{})
	for routeID, p := range r.Patterns {
		routeIDs = append(routeIDs, routeID)
		for _, stopID := range p.StopIDs {
			used[stopID] = struct{}{}
		}
	}
	sort.Strings(routeIDs)

	stopIDs := make([]string, 0, len(used))
	for id := range used {
		stopIDs = append(stopIDs, id)
	}
	sort.Strings(stopIDs)

	stationOf := make(map[string]int64, len(stopIDs))
	for i, stopID := range stopIDs {
		id := int64(i + 1)
		stationOf[stopID] = id

		station := domain.Station{ID: id, Code: stopID, Name: stopID}
		if stop, ok := r.Stops[stopID]; ok {
			if stop.Name != "" {
				station.Name = stop.Name
			}
			if stop.Lat != 0 || stop.Lon != 0 {
				lat, lon := stop.Lat, stop.Lon
				station.Lat, station.Lon = &lat, &lon
			}
		}
		t.Stations = append(t.Stations, station)
	}

	for i, routeID := range routeIDs {
		lineID := int64(i + 1)
		line := domain.Line{ID: lineID, Code: routeID, Name: routeID}
		if route, ok := r.Routes[routeID]; ok {
			switch {
			case route.ShortName != "":
				line.Name = route.ShortName
			case route.LongName != "":
				line.Name = route.LongName
			}
			if route.Color != "" {
				line.Color = "#" + route.Color
			}
		}
		t.Lines = append(t.Lines, line)

		order := 0
		var last string
		for _, stopID := range r.Patterns[routeID].StopIDs {
			if stopID == last {
				continue
			}
			last = stopID
			order++
			t.Memberships = append(t.Memberships, domain.LineMembership{
				LineID:    lineID,
				StationID: stationOf[stopID],
				Order:     order,
			})
		}
	}

	links := make(map[int64]map[int64]struct{})
	link := func(a, b int64) {
		if a == b {
			return
		}
		if a > b {
			a, b = b, a
		}
		if links[a] == nil {
			links[a] = make(map[int64]struct{})
		}
		links[a][b] = struct{}{}
	}

	byParent := make(map[string][]int64)
	for _, stopID := range stopIDs {
		if stop, ok := r.Stops[stopID]; ok && stop.ParentStation != "" {
			byParent[stop.ParentStation] = append(byParent[stop.ParentStation], stationOf[stopID])
		}
	}
	for _, group := range byParent {
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				link(group[i], group[j])
			}
		}
	}
	for _, tr := range r.Transfers {
		a, okA := stationOf[tr.FromStopID]
		b, okB := stationOf[tr.ToStopID]
		if okA && okB {
			link(a, b)
		}
	}

	anchors := make([]int64, 0, len(links))
	for a := range links {
		anchors = append(anchors, a)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })
	for _, a := range anchors {
		connected := make([]int64, 0, len(links[a]))
		for b := range links[a] {
			connected = append(connected, b)
		}
		sort.Slice(connected, func(i, j int) bool { return connected[i] < connected[j] })
		t.Interchanges = append(t.Interchanges, domain.Interchange{StationID: a, Connected: connected})
	}

	return t
}
