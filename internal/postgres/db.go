// Package postgres implements the route store, the failure list and the
// topology directory on PostgreSQL through sqlx and the pgx driver.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"metroroute/internal/store"
)

// Open connects with the pgx driver and checks the connection.
func Open(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*sqlx.DB, error) {
	start := time.Now()
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("connected to postgres",
		"component", "postgres",
		"max_conns", maxConns,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return db, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stations (
		id   BIGINT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		lat  DOUBLE PRECISION,
		lon  DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS lines (
		id    BIGINT PRIMARY KEY,
		code  TEXT NOT NULL DEFAULT '',
		name  TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS line_stations (
		line_id    BIGINT NOT NULL REFERENCES lines(id) ON DELETE CASCADE,
		station_id BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
		position   INTEGER NOT NULL,
		distance   DOUBLE PRECISION NOT NULL DEFAULT 0,
		UNIQUE (line_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS interchanges (
		station_id           BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
		connected_station_id BIGINT NOT NULL REFERENCES stations(id) ON DELETE CASCADE,
		distance             DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (station_id, connected_station_id)
	)`,
	`CREATE TABLE IF NOT EXISTS precomputed_routes (
		start_station_id  BIGINT NOT NULL,
		end_station_id    BIGINT NOT NULL,
		line_id           BIGINT,
		line_key          BIGINT NOT NULL DEFAULT 0,
		path              JSONB NOT NULL,
		segments          JSONB NOT NULL DEFAULT '[]',
		interchanges      JSONB NOT NULL DEFAULT '[]',
		distance          DOUBLE PRECISION NOT NULL,
		estimated_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
		graph_version     BIGINT NOT NULL DEFAULT 0,
		computed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (start_station_id, end_station_id, line_key)
	)`,
	`CREATE INDEX IF NOT EXISTS precomputed_routes_end_idx ON precomputed_routes (end_station_id)`,
	`CREATE TABLE IF NOT EXISTS precompute_failures (
		start_station_id BIGINT NOT NULL,
		end_station_id   BIGINT NOT NULL,
		stage            TEXT NOT NULL,
		reason           TEXT NOT NULL,
		attempts         INTEGER NOT NULL,
		failed_at        TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (start_station_id, end_station_id)
	)`,
}

// classify maps driver errors onto the store error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrTransient) || errors.Is(err, store.ErrPermanent) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			strings.HasPrefix(pgErr.Code, "08"):
			return store.Transient(err)
		default:
			return store.Permanent(err)
		}
	}

	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) || store.IsTransient(err) {
		return store.Transient(err)
	}
	return store.Permanent(err)
}

// int8Array renders ids as a PostgreSQL array literal for a $n::bigint[]
// parameter.
func int8Array(ids []int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('}')
	return b.String()
}
