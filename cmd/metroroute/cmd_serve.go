package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"metroroute/internal/cache"
	"metroroute/internal/handler"
	"metroroute/internal/hub"
	"metroroute/internal/ingestor"
	"metroroute/internal/middleware"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	logger.Info("starting metroroute server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"topology_source", cfg.TopologySource,
		"store_backend", cfg.StoreBackend,
		"redis_enabled", cfg.RedisEnabled,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	progressHub := hub.NewHub(logger)
	a.pipeline.SetReporter(progressHub)
	go progressHub.Run(ctx)

	if _, err := a.graphs.Rebuild(ctx); err != nil {
		// Not fatal: /readyz reports it and the first query retries.
		logger.Error("initial graph build failed", "error", err)
	}

	// background tracks goroutines that use the stores; they are closed
	// only after it drains.
	var background sync.WaitGroup
	defer background.Wait()

	if cfg.CacheWarmOnStart {
		warmer := cache.NewCacheWarmer(a.cache, a.routes, cfg.PrecomputedCacheTTL, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if _, err := warmer.WarmAll(ctx); err != nil {
				logger.Error("cache warming failed", "error", err)
			}
			warmer.ScheduleMidnightRefresh(ctx)
		}()
	}

	opts := a.precomputeOptions()
	var watcher *ingestor.TopologyWatcher
	if cfg.TopologyRefreshInterval > 0 {
		watcher = ingestor.NewTopologyWatcher(a.directory, a.router, a.graphs, cfg.TopologyRefreshInterval, logger)
		if cfg.PrecomputeOnChange {
			watcher.SetOnChange(func(ctx context.Context, affected []int64) {
				background.Add(1)
				go func() {
					defer background.Done()
					if _, err := a.pipeline.RunMissingOnly(ctx, opts); err != nil {
						logger.Error("precompute after topology change failed", "error", err)
					}
				}()
			})
		}
		background.Add(1)
		go func() {
			defer background.Done()
			watcher.Start(ctx)
		}()
	}
	if cfg.PrecomputeNightly {
		background.Add(1)
		go func() {
			defer background.Done()
			cache.ScheduleNightly(ctx, "precompute", logger, func(ctx context.Context) error {
				_, err := a.pipeline.RunMissingOnly(ctx, opts)
				return err
			})
		}()
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitWhitelist, logger)
	limiter.OnBlocked(handler.ServerStats.IncRateLimitBlocked)

	routeHandler := handler.NewRouteHandler(a.router, logger)
	statsHandler := handler.NewStatsHandler(a.graphs, a.routes, a.failures)
	healthHandler := handler.NewHealthHandler(a.graphs)
	if a.db != nil {
		healthHandler.AddCheck("postgres", a.db.PingContext)
	}
	if a.redis != nil {
		healthHandler.AddCheck("redis", a.redis.Ping)
	}
	if watcher != nil {
		healthHandler.AddCheck("topology_watcher", watcher.Ready)
	}
	progressHandler := handler.NewProgressHandler(progressHub, logger)

	mux := http.NewServeMux()

	mux.Handle("GET /v1/routes/{start}/{end}", handler.RequestLogger(logger,
		limiter.Middleware(handler.GzipMiddleware(http.HandlerFunc(routeHandler.GetRoute)))))
	mux.Handle("GET /v1/stats", handler.RequestLogger(logger,
		handler.GzipMiddleware(http.HandlerFunc(statsHandler.GetStats))))
	mux.HandleFunc("GET /v1/precompute/ws", progressHandler.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
