package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"metroroute/internal/cache"
	"metroroute/internal/config"
	"metroroute/internal/domain"
	"metroroute/internal/graph"
	"metroroute/internal/postgres"
	"metroroute/internal/precompute"
	"metroroute/internal/routing"
	"metroroute/internal/store"
	"metroroute/internal/topology"
)

const localCacheTTL = 5 * time.Minute

// app holds the components every command shares.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sqlx.DB
	directory topology.Directory
	routes    store.RouteStore
	failures  store.FailureLog
	cache     cache.RouteCache
	redis     *cache.RedisCache
	graphs    *graph.Service
	router    *routing.Service
	pipeline  *precompute.Pipeline

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// database opens the shared Postgres pool on first use.
func (a *app) database(ctx context.Context) (*sqlx.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for postgres")
	}
	db, err := postgres.Open(ctx, a.cfg.DatabaseURL, a.cfg.DatabaseMaxConns, a.logger)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	return db, nil
}

// openDirectory sets up only the topology source.
func openDirectory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	switch cfg.TopologySource {
	case config.SourceGTFS:
		types := make([]domain.RouteType, len(cfg.GTFSRouteTypes))
		for i, t := range cfg.GTFSRouteTypes {
			types[i] = domain.RouteType(t)
		}
		a.directory = topology.NewGTFSDirectory(cfg.GTFSURL, types, logger)
	case config.SourcePostgres:
		db, err := a.database(ctx)
		if err != nil {
			return nil, err
		}
		a.directory = postgres.NewDirectory(db, logger)
	default:
		a.directory = topology.NewFileDirectory(cfg.TopologyFile)
	}
	logger.Info("topology source configured", "source", cfg.TopologySource)
	return a, nil
}

// newApp wires the full routing stack.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openCache(); err != nil {
		a.Close()
		return nil, err
	}

	est := routing.Estimator{MinutesPerHop: cfg.MinutesPerHop, TransferMinutes: cfg.TransferMinutes}
	a.graphs = graph.NewService(a.directory, logger)
	a.router = routing.NewService(a.graphs, a.cache, a.routes, est, cfg.RouteCacheTTL, logger)
	a.pipeline = precompute.NewPipeline(a.graphs, a.routes, a.failures, a.cache, est, logger)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.BackendMemory:
		s := store.NewMemoryStore()
		a.routes, a.failures = s, s
	case config.BackendPostgres:
		db, err := a.database(ctx)
		if err != nil {
			return err
		}
		s := postgres.NewRouteStore(db, a.logger)
		a.routes, a.failures = s, s
	default:
		bcfg := store.DefaultBadgerConfig(a.cfg.BadgerPath)
		bcfg.Logger = a.logger
		s, err := store.OpenBadger(bcfg)
		if err != nil {
			return err
		}
		a.routes, a.failures = s, s
		a.closers = append(a.closers, s.Close)
	}
	a.logger.Info("route store configured", "backend", a.cfg.StoreBackend)
	return nil
}

func (a *app) openCache() error {
	local := cache.NewMemoryCache(a.cfg.LocalCacheSize, a.logger)
	if !a.cfg.RedisEnabled {
		a.cache = local
		return nil
	}

	shared, err := cache.NewRedisCache(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, a.logger)
	if err != nil {
		return fmt.Errorf("redis cache: %w", err)
	}
	a.redis = shared
	a.closers = append(a.closers, shared.Close)
	// Local entries expire quickly so other instances' invalidations reach us.
	a.cache = cache.NewTiered(local, shared, localCacheTTL)
	return nil
}

func (a *app) precomputeOptions() precompute.Options {
	return precompute.Options{
		BatchSize:   a.cfg.PrecomputeBatchSize,
		Workers:     a.cfg.PrecomputeWorkers,
		ChunkSize:   a.cfg.PrecomputeChunkSize,
		MaxAttempts: a.cfg.PrecomputeMaxAttempts,
		RetryDelay:  a.cfg.PrecomputeRetryDelay,
		CacheTTL:    a.cfg.PrecomputedCacheTTL,
	}
}
