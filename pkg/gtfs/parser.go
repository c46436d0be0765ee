package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"metroroute/internal/domain"
)

// ParseResult holds the parts of a feed needed to derive a metro topology.
type ParseResult struct {
	Routes    map[string]*domain.FeedRoute   // route_id -> route, filtered by type
	Stops     map[string]*domain.FeedStop    // stop_id -> stop
	Patterns  map[string]*domain.FeedPattern // route_id -> representative trip
	Transfers []domain.FeedTransfer
}

type tripStop struct {
	sequence int
	stopID   string
}

type Parser struct {
	routeTypes map[domain.RouteType]bool
	logger     *slog.Logger
}

// NewParser returns a parser keeping only routes of the given types. With no
// types every route is kept.
func NewParser(logger *slog.Logger, routeTypes ...domain.RouteType) *Parser {
	types := make(map[domain.RouteType]bool, len(routeTypes))
	for _, t := range routeTypes {
		types[t] = true
	}
	return &Parser{
		routeTypes: types,
		logger:     logger.With("component", "gtfs_parser"),
	}
}

func (p *Parser) Parse(reader *zip.Reader) (*ParseResult, error) {
	totalStart := time.Now()
	p.logger.Info("starting GTFS parsing")

	result := &ParseResult{
		Routes:   make(map[string]*domain.FeedRoute),
		Stops:    make(map[string]*domain.FeedStop),
		Patterns: make(map[string]*domain.FeedPattern),
	}

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	for _, name := range []string{"routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if _, ok := fileMap[name]; !ok {
			return nil, fmt.Errorf("archive has no %s", name)
		}
	}

	start := time.Now()
	if err := p.parseRoutes(fileMap["routes.txt"], result); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	p.logger.Info("parsed routes.txt",
		"count", len(result.Routes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	start = time.Now()
	if err := p.parseStops(fileMap["stops.txt"], result); err != nil {
		return nil, fmt.Errorf("parse stops: %w", err)
	}
	p.logger.Info("parsed stops.txt",
		"count", len(result.Stops),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	start = time.Now()
	tripRoutes, err := p.parseTrips(fileMap["trips.txt"], result)
	if err != nil {
		return nil, fmt.Errorf("parse trips: %w", err)
	}
	p.logger.Info("parsed trips.txt",
		"kept_trips", len(tripRoutes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	start = time.Now()
	p.logger.Debug("parsing stop_times.txt (this may take a while)")
	tripStops, err := p.parseStopTimes(fileMap["stop_times.txt"], tripRoutes)
	if err != nil {
		return nil, fmt.Errorf("parse stop_times: %w", err)
	}
	p.buildPatterns(result, tripRoutes, tripStops)
	p.logger.Info("parsed stop_times.txt",
		"patterns", len(result.Patterns),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if file, ok := fileMap["transfers.txt"]; ok {
		if err := p.parseTransfers(file, result); err != nil {
			return nil, fmt.Errorf("parse transfers: %w", err)
		}
		p.logger.Info("parsed transfers.txt", "count", len(result.Transfers))
	}

	p.logger.Info("GTFS parsing completed",
		"total_duration_ms", time.Since(totalStart).Milliseconds(),
		"routes", len(result.Routes),
		"stops", len(result.Stops),
		"patterns", len(result.Patterns),
		"transfers", len(result.Transfers),
	)

	return result, nil
}

func (p *Parser) keepType(t domain.RouteType) bool {
	return len(p.routeTypes) == 0 || p.routeTypes[t]
}

// eachRecord opens a CSV member and calls fn for every data row.
func eachRecord(file *zip.File, fn func(record []string, idx map[string]int) error) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return err
	}
	idx := makeIndex(header)

	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(record, idx); err != nil {
			return err
		}
	}
}

func (p *Parser) parseRoutes(file *zip.File, result *ParseResult) error {
	return eachRecord(file, func(record []string, idx map[string]int) error {
		routeType := domain.RouteTypeBus
		if v := getField(record, idx, "route_type"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				routeType = domain.RouteType(parsed)
			}
		}
		if !p.keepType(routeType) {
			return nil
		}

		route := &domain.FeedRoute{
			ID:        getField(record, idx, "route_id"),
			ShortName: getField(record, idx, "route_short_name"),
			LongName:  getField(record, idx, "route_long_name"),
			Type:      routeType,
			Color:     getField(record, idx, "route_color"),
		}
		result.Routes[route.ID] = route
		return nil
	})
}

func (p *Parser) parseStops(file *zip.File, result *ParseResult) error {
	return eachRecord(file, func(record []string, idx map[string]int) error {
		lat, _ := strconv.ParseFloat(getField(record, idx, "stop_lat"), 64)
		lon, _ := strconv.ParseFloat(getField(record, idx, "stop_lon"), 64)
		locationType, _ := strconv.Atoi(getField(record, idx, "location_type"))

		stop := &domain.FeedStop{
			ID:            getField(record, idx, "stop_id"),
			Code:          getField(record, idx, "stop_code"),
			Name:          getField(record, idx, "stop_name"),
			Lat:           lat,
			Lon:           lon,
			LocationType:  locationType,
			ParentStation: getField(record, idx, "parent_station"),
		}
		result.Stops[stop.ID] = stop
		return nil
	})
}

// parseTrips returns trip_id -> route_id for trips of kept routes.
func (p *Parser) parseTrips(file *zip.File, result *ParseResult) (map[string]string, error) {
	trips := make(map[string]string)
	err := eachRecord(file, func(record []string, idx map[string]int) error {
		tripID := getField(record, idx, "trip_id")
		routeID := getField(record, idx, "route_id")
		if tripID == "" {
			return nil
		}
		if _, ok := result.Routes[routeID]; ok {
			trips[tripID] = routeID
		}
		return nil
	})
	return trips, err
}

func (p *Parser) parseStopTimes(file *zip.File, tripRoutes map[string]string) (map[string][]tripStop, error) {
	stops := make(map[string][]tripStop)
	err := eachRecord(file, func(record []string, idx map[string]int) error {
		tripID := getField(record, idx, "trip_id")
		if _, ok := tripRoutes[tripID]; !ok {
			return nil
		}
		seq, err := strconv.Atoi(getField(record, idx, "stop_sequence"))
		if err != nil {
			return fmt.Errorf("trip %s: bad stop_sequence: %w", tripID, err)
		}
		stops[tripID] = append(stops[tripID], tripStop{
			sequence: seq,
			stopID:   getField(record, idx, "stop_id"),
		})
		return nil
	})
	return stops, err
}

// buildPatterns picks, per route, the trip visiting the most stops. Ties go
// to the lowest trip_id so the choice is stable across runs.
func (p *Parser) buildPatterns(result *ParseResult, tripRoutes map[string]string, tripStops map[string][]tripStop) {
	tripIDs := make([]string, 0, len(tripStops))
	for id := range tripStops {
		tripIDs = append(tripIDs, id)
	}
	sort.Strings(tripIDs)

	for _, tripID := range tripIDs {
		stops := tripStops[tripID]
		routeID := tripRoutes[tripID]
		if current, ok := result.Patterns[routeID]; ok && len(current.StopIDs) >= len(stops) {
			continue
		}

		sort.Slice(stops, func(i, j int) bool { return stops[i].sequence < stops[j].sequence })
		ids := make([]string, 0, len(stops))
		for _, s := range stops {
			ids = append(ids, s.stopID)
		}
		result.Patterns[routeID] = &domain.FeedPattern{
			RouteID: routeID,
			TripID:  tripID,
			StopIDs: ids,
		}
	}
}

func (p *Parser) parseTransfers(file *zip.File, result *ParseResult) error {
	return eachRecord(file, func(record []string, idx map[string]int) error {
		from := getField(record, idx, "from_stop_id")
		to := getField(record, idx, "to_stop_id")
		if from == "" || to == "" || from == to {
			return nil
		}
		// transfer_type 3 means no transfer is possible.
		if getField(record, idx, "transfer_type") == "3" {
			return nil
		}
		minTime, _ := strconv.Atoi(getField(record, idx, "min_transfer_time"))
		result.Transfers = append(result.Transfers, domain.FeedTransfer{
			FromStopID:      from,
			ToStopID:        to,
			MinTransferTime: minTime,
		})
		return nil
	})
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		// Some feeds start with a UTF-8 BOM.
		if i == 0 && len(name) >= 3 && name[:3] == "\xef\xbb\xbf" {
			name = name[3:]
		}
		idx[name] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return record[i]
	}
	return ""
}
