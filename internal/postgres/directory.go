package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"metroroute/internal/domain"
)

var sqlReadOnlySnapshot = sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// Directory reads the topology from the stations, lines, line_stations and
// interchanges tables.
type Directory struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewDirectory(db *sqlx.DB, logger *slog.Logger) *Directory {
	return &Directory{
		db:     db,
		logger: logger.With("component", "postgres_directory"),
	}
}

type interchangeRow struct {
	StationID   int64   `db:"station_id"`
	ConnectedID int64   `db:"connected_station_id"`
	Distance    float64 `db:"distance"`
}

// Topology reads every table inside one repeatable-read transaction so the
// snapshot is consistent.
func (d *Directory) Topology(ctx context.Context) (*domain.Topology, error) {
	start := time.Now()

	tx, err := d.db.BeginTxx(ctx, &sqlReadOnlySnapshot)
	if err != nil {
		return nil, fmt.Errorf("begin topology read: %w", classify(err))
	}
	defer tx.Rollback()

	t := &domain.Topology{}
	if err := tx.SelectContext(ctx, &t.Stations,
		`SELECT id, code, name, lat, lon FROM stations ORDER BY id`); err != nil {
		return nil, fmt.Errorf("read stations: %w", classify(err))
	}
	if err := tx.SelectContext(ctx, &t.Lines,
		`SELECT id, code, name, color FROM lines ORDER BY id`); err != nil {
		return nil, fmt.Errorf("read lines: %w", classify(err))
	}
	if err := tx.SelectContext(ctx, &t.Memberships,
		`SELECT line_id, station_id, position, distance FROM line_stations ORDER BY line_id, position`); err != nil {
		return nil, fmt.Errorf("read line stations: %w", classify(err))
	}

	var links []interchangeRow
	if err := tx.SelectContext(ctx, &links,
		`SELECT station_id, connected_station_id, distance FROM interchanges ORDER BY station_id, connected_station_id`); err != nil {
		return nil, fmt.Errorf("read interchanges: %w", classify(err))
	}
	t.Interchanges = groupInterchanges(links)

	d.logger.Debug("topology loaded from postgres",
		"stations", len(t.Stations),
		"lines", len(t.Lines),
		"memberships", len(t.Memberships),
		"interchanges", len(t.Interchanges),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return t, nil
}

// groupInterchanges folds link rows into one Interchange per (station,
// distance), preserving row order.
func groupInterchanges(rows []interchangeRow) []domain.Interchange {
	type key struct {
		station  int64
		distance float64
	}
	index := make(map[key]int)
	var out []domain.Interchange
	for _, r := range rows {
		k := key{r.StationID, r.Distance}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, domain.Interchange{StationID: r.StationID, Distance: r.Distance})
		}
		out[i].Connected = append(out[i].Connected, r.ConnectedID)
	}
	return out
}

// Replace swaps the stored topology for t in one transaction.
func (d *Directory) Replace(ctx context.Context, t *domain.Topology) error {
	c := t.Canonical()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM interchanges`,
		`DELETE FROM line_stations`,
		`DELETE FROM lines`,
		`DELETE FROM stations`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(err)
		}
	}

	for _, s := range c.Stations {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO stations (id, code, name, lat, lon) VALUES (:id, :code, :name, :lat, :lon)`, s); err != nil {
			return fmt.Errorf("insert station %d: %w", s.ID, classify(err))
		}
	}
	for _, l := range c.Lines {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO lines (id, code, name, color) VALUES (:id, :code, :name, :color)`, l); err != nil {
			return fmt.Errorf("insert line %d: %w", l.ID, classify(err))
		}
	}
	for _, m := range c.Memberships {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO line_stations (line_id, station_id, position, distance)
			 VALUES (:line_id, :station_id, :position, :distance)`, m); err != nil {
			return fmt.Errorf("insert line station %d/%d: %w", m.LineID, m.StationID, classify(err))
		}
	}
	for _, row := range flattenInterchanges(c.Interchanges) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interchanges (station_id, connected_station_id, distance) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, row.StationID, row.ConnectedID, row.Distance); err != nil {
			return fmt.Errorf("insert interchange %d-%d: %w", row.StationID, row.ConnectedID, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	d.logger.Info("topology replaced",
		"stations", len(c.Stations),
		"lines", len(c.Lines),
		"memberships", len(c.Memberships),
	)
	return nil
}

func flattenInterchanges(ics []domain.Interchange) []interchangeRow {
	var rows []interchangeRow
	for _, ic := range ics {
		for _, other := range ic.Connected {
			rows = append(rows, interchangeRow{StationID: ic.StationID, ConnectedID: other, Distance: ic.Distance})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].StationID != rows[j].StationID {
			return rows[i].StationID < rows[j].StationID
		}
		return rows[i].ConnectedID < rows[j].ConnectedID
	})
	return rows
}
