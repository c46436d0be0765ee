package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"metroroute/internal/domain"
	"metroroute/internal/store"
)

// rowsPerInsert bounds one INSERT statement; 11 params per row keeps it
// well under the 65535 parameter limit.
const rowsPerInsert = 1000

const routeColumns = `start_station_id, end_station_id, line_id, line_key, path, segments,
	interchanges, distance, estimated_minutes, graph_version, computed_at`

type routeRow struct {
	Start            int64         `db:"start_station_id"`
	End              int64         `db:"end_station_id"`
	LineID           sql.NullInt64 `db:"line_id"`
	LineKey          int64         `db:"line_key"`
	Path             []byte        `db:"path"`
	Segments         []byte        `db:"segments"`
	Interchanges     []byte        `db:"interchanges"`
	Distance         float64       `db:"distance"`
	EstimatedMinutes float64       `db:"estimated_minutes"`
	GraphVersion     int64         `db:"graph_version"`
	ComputedAt       time.Time     `db:"computed_at"`
}

func (r *routeRow) toDomain() (*domain.PrecomputedRoute, error) {
	out := &domain.PrecomputedRoute{
		Route: domain.Route{
			Start:            r.Start,
			End:              r.End,
			Distance:         r.Distance,
			EstimatedMinutes: r.EstimatedMinutes,
			GraphVersion:     uint64(r.GraphVersion),
		},
		ComputedAt: r.ComputedAt,
	}
	if r.LineID.Valid {
		line := r.LineID.Int64
		out.LineID = &line
	}
	if err := json.Unmarshal(r.Path, &out.Path); err != nil {
		return nil, fmt.Errorf("decode path: %w", err)
	}
	if len(r.Segments) > 0 {
		if err := json.Unmarshal(r.Segments, &out.Segments); err != nil {
			return nil, fmt.Errorf("decode segments: %w", err)
		}
	}
	out.Interchanges = []domain.Transfer{}
	if len(r.Interchanges) > 0 {
		if err := json.Unmarshal(r.Interchanges, &out.Interchanges); err != nil {
			return nil, fmt.Errorf("decode interchanges: %w", err)
		}
	}
	return out, nil
}

// RouteStore keeps precomputed routes in the precomputed_routes table and
// failures in precompute_failures.
type RouteStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewRouteStore(db *sqlx.DB, logger *slog.Logger) *RouteStore {
	return &RouteStore{
		db:     db,
		logger: logger.With("component", "postgres_route_store"),
	}
}

// Upsert writes the batch in one transaction. Rows already present under
// the unique key are skipped by ON CONFLICT DO NOTHING.
func (s *RouteStore) Upsert(ctx context.Context, routes []domain.PrecomputedRoute) (store.UpsertResult, error) {
	if len(routes) == 0 {
		return store.UpsertResult{}, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.UpsertResult{}, classify(err)
	}
	defer tx.Rollback()

	inserted := 0
	for from := 0; from < len(routes); from += rowsPerInsert {
		to := min(from+rowsPerInsert, len(routes))
		query, args, err := buildInsert(routes[from:to])
		if err != nil {
			return store.UpsertResult{}, store.Permanent(err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return store.UpsertResult{}, classify(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return store.UpsertResult{}, classify(err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return store.UpsertResult{}, classify(err)
	}
	return store.UpsertResult{Inserted: inserted, Skipped: len(routes) - inserted}, nil
}

func buildInsert(routes []domain.PrecomputedRoute) (string, []interface{}, error) {
	const cols = 11
	var b strings.Builder
	b.WriteString("INSERT INTO precomputed_routes (" + routeColumns + ") VALUES ")

	args := make([]interface{}, 0, len(routes)*cols)
	for i := range routes {
		r := &routes[i]
		path, err := json.Marshal(r.Path)
		if err != nil {
			return "", nil, err
		}
		segments, err := json.Marshal(r.Segments)
		if err != nil {
			return "", nil, err
		}
		interchanges, err := json.Marshal(r.Interchanges)
		if err != nil {
			return "", nil, err
		}
		var line sql.NullInt64
		if r.LineID != nil {
			line = sql.NullInt64{Int64: *r.LineID, Valid: true}
		}

		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c+1)
		}
		b.WriteByte(')')

		args = append(args,
			r.Start, r.End, line, r.LineKey(),
			string(path), string(segments), string(interchanges),
			r.Distance, r.EstimatedMinutes, int64(r.GraphVersion), r.ComputedAt,
		)
	}
	b.WriteString(" ON CONFLICT (start_station_id, end_station_id, line_key) DO NOTHING")
	return b.String(), args, nil
}

func (s *RouteStore) Get(ctx context.Context, start, end int64) (*domain.PrecomputedRoute, bool, error) {
	var row routeRow
	err := s.db.GetContext(ctx, &row, `SELECT `+routeColumns+`
		FROM precomputed_routes
		WHERE start_station_id = $1 AND end_station_id = $2
		ORDER BY line_key
		LIMIT 1`, start, end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}

	route, err := row.toDomain()
	if err != nil {
		return nil, false, store.Permanent(err)
	}
	return route, true, nil
}

func (s *RouteStore) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM precomputed_routes`)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), classify(err)
}

func (s *RouteStore) DeleteStations(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM precomputed_routes
		WHERE start_station_id = ANY($1::bigint[])
		   OR end_station_id = ANY($1::bigint[])
		   OR EXISTS (
			SELECT 1 FROM jsonb_array_elements_text(path) AS p(id)
			WHERE p.id::bigint = ANY($1::bigint[])
		   )`, int8Array(ids))
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	s.logger.Info("deleted routes touching stations", "stations", len(ids), "deleted", n)
	return int(n), nil
}

func (s *RouteStore) ExistingPairs(ctx context.Context) (map[domain.Pair]struct{}, error) {
	var rows []struct {
		Start int64 `db:"start_station_id"`
		End   int64 `db:"end_station_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT DISTINCT start_station_id, end_station_id FROM precomputed_routes`)
	if err != nil {
		return nil, classify(err)
	}

	pairs := make(map[domain.Pair]struct{}, len(rows))
	for _, r := range rows {
		pairs[domain.Pair{Start: r.Start, End: r.End}] = struct{}{}
	}
	return pairs, nil
}

func (s *RouteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM precomputed_routes`); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *RouteStore) Each(ctx context.Context, fn func(r *domain.PrecomputedRoute) error) error {
	rows, err := s.db.QueryxContext(ctx, `SELECT `+routeColumns+`
		FROM precomputed_routes
		ORDER BY start_station_id, end_station_id, line_key`)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var row routeRow
		if err := rows.StructScan(&row); err != nil {
			return classify(err)
		}
		route, err := row.toDomain()
		if err != nil {
			return store.Permanent(err)
		}
		if err := fn(route); err != nil {
			return err
		}
	}
	return classify(rows.Err())
}

// Record upserts failure entries keyed by pair.
func (s *RouteStore) Record(ctx context.Context, failures []domain.FailedPair) error {
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	for _, f := range failures {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO precompute_failures
			(start_station_id, end_station_id, stage, reason, attempts, failed_at)
			VALUES (:start_station_id, :end_station_id, :stage, :reason, :attempts, :failed_at)
			ON CONFLICT (start_station_id, end_station_id) DO UPDATE SET
				stage = EXCLUDED.stage,
				reason = EXCLUDED.reason,
				attempts = EXCLUDED.attempts,
				failed_at = EXCLUDED.failed_at`, f)
		if err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *RouteStore) List(ctx context.Context) ([]domain.FailedPair, error) {
	var out []domain.FailedPair
	err := s.db.SelectContext(ctx, &out, `SELECT start_station_id, end_station_id, stage, reason, attempts, failed_at
		FROM precompute_failures
		ORDER BY start_station_id, end_station_id`)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *RouteStore) Clear(ctx context.Context, pairs ...domain.Pair) error {
	if len(pairs) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM precompute_failures`)
		return classify(err)
	}

	starts := make([]int64, len(pairs))
	ends := make([]int64, len(pairs))
	for i, p := range pairs {
		starts[i], ends[i] = p.Start, p.End
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM precompute_failures f
		USING unnest($1::bigint[], $2::bigint[]) AS p(start_id, end_id)
		WHERE f.start_station_id = p.start_id AND f.end_station_id = p.end_id`,
		int8Array(starts), int8Array(ends))
	return classify(err)
}
