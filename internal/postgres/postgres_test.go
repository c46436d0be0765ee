package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metroroute/internal/domain"
	"metroroute/internal/store"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "pgx")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var computedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func route(start, end int64, path ...int64) domain.PrecomputedRoute {
	line := int64(1)
	return domain.PrecomputedRoute{
		Route: domain.Route{
			Start:        start,
			End:          end,
			LineID:       &line,
			Path:         path,
			Interchanges: []domain.Transfer{},
			Distance:     float64(len(path) - 1),
		},
		ComputedAt: computedAt,
	}
}

func TestRouteStore_Upsert(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO precomputed_routes .* ON CONFLICT \(start_station_id, end_station_id, line_key\) DO NOTHING`).
		WithArgs(
			int64(1), int64(3), sql.NullInt64{Int64: 1, Valid: true}, int64(1), "[1,2,3]", "null", "[]", 2.0, 0.0, int64(0), computedAt,
			int64(3), int64(1), sql.NullInt64{Int64: 1, Valid: true}, int64(1), "[3,2,1]", "null", "[]", 2.0, 0.0, int64(0), computedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := s.Upsert(context.Background(), []domain.PrecomputedRoute{
		route(1, 3, 1, 2, 3),
		route(3, 1, 3, 2, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, store.UpsertResult{Inserted: 1, Skipped: 1}, res)
}

func TestRouteStore_UpsertEmpty(t *testing.T) {
	db, _ := newMock(t)
	res, err := NewRouteStore(db, testLogger()).Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res)
}

func TestRouteStore_UpsertClassifiesErrors(t *testing.T) {
	for _, tc := range []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"not null violation", &pgconn.PgError{Code: "23502"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO precomputed_routes`).WillReturnError(tc.err)
			mock.ExpectRollback()

			_, err := NewRouteStore(db, testLogger()).Upsert(context.Background(), []domain.PrecomputedRoute{route(1, 2, 1, 2)})
			require.Error(t, err)
			assert.Equal(t, tc.transient, store.IsTransient(err))
			if !tc.transient {
				assert.ErrorIs(t, err, store.ErrPermanent)
			}
		})
	}
}

var routeCols = []string{
	"start_station_id", "end_station_id", "line_id", "line_key", "path", "segments",
	"interchanges", "distance", "estimated_minutes", "graph_version", "computed_at",
}

func TestRouteStore_Get(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())

	mock.ExpectQuery(`(?s)SELECT .*\sFROM precomputed_routes\s+WHERE start_station_id = \$1 AND end_station_id = \$2\s+ORDER BY line_key`).
		WithArgs(int64(1), int64(6)).
		WillReturnRows(sqlmock.NewRows(routeCols).AddRow(
			int64(1), int64(6), nil, int64(0),
			[]byte("[1,2,3,4,5,6]"),
			[]byte(`[{"line":1,"stations":[1,2,3]},{"line":0,"stations":[3,4]},{"line":2,"stations":[4,5,6]}]`),
			[]byte(`[{"from":3,"to":4,"from_line":1,"to_line":2}]`),
			5.0, 18.0, int64(7), computedAt,
		))

	got, ok, err := s.Get(context.Background(), 1, 6)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, got.LineID)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, got.Path)
	assert.Equal(t, []domain.Transfer{{From: 3, To: 4, FromLine: 1, ToLine: 2}}, got.Interchanges)
	assert.Len(t, got.Segments, 3)
	assert.Equal(t, 5.0, got.Distance)
	assert.Equal(t, uint64(7), got.GraphVersion)
	assert.True(t, got.ComputedAt.Equal(computedAt))

	mock.ExpectQuery(`(?s)SELECT .*\sFROM precomputed_routes`).
		WithArgs(int64(9), int64(1)).
		WillReturnError(sql.ErrNoRows)

	_, ok, err = s.Get(context.Background(), 9, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRouteStore_Deletes(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM precomputed_routes\s+WHERE start_station_id = ANY\(\$1::bigint\[\]\)`).
		WithArgs("{2,5}").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := s.DeleteStations(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.DeleteStations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(`DELETE FROM precomputed_routes$`).WillReturnResult(sqlmock.NewResult(0, 42))
	n, err = s.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestRouteStore_ExistingPairsAndCount(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())
	ctx := context.Background()

	mock.ExpectQuery(`SELECT DISTINCT start_station_id, end_station_id FROM precomputed_routes`).
		WillReturnRows(sqlmock.NewRows([]string{"start_station_id", "end_station_id"}).
			AddRow(int64(1), int64(2)).
			AddRow(int64(2), int64(1)))
	pairs, err := s.ExistingPairs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Pair]struct{}{{Start: 1, End: 2}: {}, {Start: 2, End: 1}: {}}, pairs)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM precomputed_routes`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRouteStore_Each(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())

	mock.ExpectQuery(`(?s)SELECT .*\sFROM precomputed_routes\s+ORDER BY start_station_id, end_station_id, line_key`).
		WillReturnRows(sqlmock.NewRows(routeCols).
			AddRow(int64(1), int64(2), int64(1), int64(1), []byte("[1,2]"), []byte("null"), []byte("[]"), 1.0, 2.0, int64(1), computedAt).
			AddRow(int64(2), int64(1), int64(1), int64(1), []byte("[2,1]"), []byte("null"), []byte("[]"), 1.0, 2.0, int64(1), computedAt))

	var seen []domain.Pair
	err := s.Each(context.Background(), func(r *domain.PrecomputedRoute) error {
		seen = append(seen, r.Pair())
		require.NotNil(t, r.LineID)
		assert.Equal(t, int64(1), *r.LineID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.Pair{{Start: 1, End: 2}, {Start: 2, End: 1}}, seen)
}

func TestFailureLog(t *testing.T) {
	db, mock := newMock(t)
	s := NewRouteStore(db, testLogger())
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO precompute_failures\s.*\sON CONFLICT \(start_station_id, end_station_id\) DO UPDATE`).
		WithArgs(int64(1), int64(2), "persist", "timeout", 3, computedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Record(ctx, []domain.FailedPair{
		{Start: 1, End: 2, Stage: "persist", Reason: "timeout", Attempts: 3, FailedAt: computedAt},
	}))

	mock.ExpectQuery(`SELECT start_station_id, end_station_id, stage, reason, attempts, failed_at\s+FROM precompute_failures`).
		WillReturnRows(sqlmock.NewRows([]string{"start_station_id", "end_station_id", "stage", "reason", "attempts", "failed_at"}).
			AddRow(int64(1), int64(2), "persist", "timeout", 3, computedAt))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "timeout", list[0].Reason)

	mock.ExpectExec(`DELETE FROM precompute_failures f\s+USING unnest`).
		WithArgs("{1}", "{2}").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Clear(ctx, domain.Pair{Start: 1, End: 2}))

	mock.ExpectExec(`DELETE FROM precompute_failures$`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Clear(ctx))
}

func TestDirectory_Topology(t *testing.T) {
	db, mock := newMock(t)
	d := NewDirectory(db, testLogger())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, code, name, lat, lon FROM stations`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "lat", "lon"}).
			AddRow(int64(1), "A", "Alpha", 52.1, 21.0).
			AddRow(int64(2), "B", "Beta", nil, nil).
			AddRow(int64(3), "C", "Gamma", nil, nil))
	mock.ExpectQuery(`SELECT id, code, name, color FROM lines`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "code", "name", "color"}).
			AddRow(int64(1), "M1", "Red", "#f00"))
	mock.ExpectQuery(`SELECT line_id, station_id, position, distance FROM line_stations`).
		WillReturnRows(sqlmock.NewRows([]string{"line_id", "station_id", "position", "distance"}).
			AddRow(int64(1), int64(1), 1, 0.0).
			AddRow(int64(1), int64(2), 2, 1.5))
	mock.ExpectQuery(`SELECT station_id, connected_station_id, distance FROM interchanges`).
		WillReturnRows(sqlmock.NewRows([]string{"station_id", "connected_station_id", "distance"}).
			AddRow(int64(2), int64(3), 0.0).
			AddRow(int64(2), int64(1), 0.0))
	mock.ExpectRollback()

	top, err := d.Topology(context.Background())
	require.NoError(t, err)
	require.Len(t, top.Stations, 3)
	require.NotNil(t, top.Stations[0].Lat)
	assert.Nil(t, top.Stations[1].Lat)
	assert.Equal(t, 2, top.Memberships[1].Order)
	assert.Equal(t, 1.5, top.Memberships[1].Distance)
	assert.Equal(t, []domain.Interchange{{StationID: 2, Connected: []int64{3, 1}}}, top.Interchanges)
}

func TestDirectory_TopologyError(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, code, name, lat, lon FROM stations`).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	mock.ExpectRollback()

	_, err := NewDirectory(db, testLogger()).Topology(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrPermanent)
	assert.ErrorContains(t, err, "read stations")
}

func TestDirectory_Replace(t *testing.T) {
	db, mock := newMock(t)
	d := NewDirectory(db, testLogger())

	lat, lon := 52.1, 21.0
	top := &domain.Topology{
		Stations: []domain.Station{
			{ID: 2, Name: "Beta"},
			{ID: 1, Name: "Alpha", Lat: &lat, Lon: &lon},
		},
		Lines:        []domain.Line{{ID: 1, Name: "Red"}},
		Memberships:  []domain.LineMembership{{LineID: 1, StationID: 1, Order: 1}, {LineID: 1, StationID: 2, Order: 2}},
		Interchanges: []domain.Interchange{{StationID: 2, Connected: []int64{1}}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM interchanges`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM line_stations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM lines`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM stations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO stations`).WithArgs(int64(1), "", "Alpha", &lat, &lon).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO stations`).WithArgs(int64(2), "", "Beta", nil, nil).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO lines`).WithArgs(int64(1), "", "Red", "").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO line_stations`).WithArgs(int64(1), int64(1), 1, 0.0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO line_stations`).WithArgs(int64(1), int64(2), 2, 0.0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO interchanges`).WithArgs(int64(2), int64(1), 0.0).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, d.Replace(context.Background(), top))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.True(t, store.IsTransient(classify(&pgconn.PgError{Code: "40P01"})))
	assert.True(t, store.IsTransient(classify(&pgconn.PgError{Code: "57P01"})))
	assert.False(t, store.IsTransient(classify(&pgconn.PgError{Code: "23503"})))
	assert.True(t, store.IsTransient(classify(context.DeadlineExceeded)))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.False(t, store.IsTransient(classify(context.Canceled)))
	assert.ErrorIs(t, classify(errors.New("syntax")), store.ErrPermanent)

	already := store.Transient(errors.New("x"))
	assert.Same(t, already, classify(already))
}

func TestInt8Array(t *testing.T) {
	assert.Equal(t, "{}", int8Array(nil))
	assert.Equal(t, "{1,-2,30}", int8Array([]int64{1, -2, 30}))
}
