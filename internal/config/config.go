package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Topology sources.
const (
	SourceFile     = "file"
	SourceGTFS     = "gtfs"
	SourcePostgres = "postgres"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	TopologySource          string        `validate:"oneof=file gtfs postgres"`
	TopologyFile            string        `validate:"required_if=TopologySource file"`
	GTFSURL                 string        `validate:"required_if=TopologySource gtfs"`
	GTFSRouteTypes          []int         `validate:"min=1,dive,gte=0"`
	TopologyRefreshInterval time.Duration `validate:"gte=0"`

	DatabaseURL      string `validate:"required_if=StoreBackend postgres,required_if=TopologySource postgres"`
	DatabaseMaxConns int    `validate:"gt=0"`
	StoreBackend     string `validate:"oneof=memory badger postgres"`
	BadgerPath       string `validate:"required_if=StoreBackend badger"`

	RedisEnabled  bool
	RedisAddr     string `validate:"required_if=RedisEnabled true"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	LocalCacheSize      int           `validate:"gt=0"`
	RouteCacheTTL       time.Duration `validate:"gte=0"`
	PrecomputedCacheTTL time.Duration `validate:"gte=0"`
	CacheWarmOnStart    bool

	PrecomputeWorkers     int           `validate:"gt=0"`
	PrecomputeChunkSize   int           `validate:"gt=0"`
	PrecomputeBatchSize   int           `validate:"gt=0,lte=5000"`
	PrecomputeMaxAttempts int           `validate:"gt=0"`
	PrecomputeRetryDelay  time.Duration `validate:"gte=0"`
	PrecomputeOnChange    bool
	PrecomputeNightly     bool

	MinutesPerHop   float64 `validate:"gte=0"`
	TransferMinutes float64 `validate:"gte=0"`

	RateLimitRPS       float64 `validate:"gt=0"`
	RateLimitBurst     int     `validate:"gt=0"`
	RateLimitWhitelist []string
}

func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		TopologySource:          strings.ToLower(getEnv("TOPOLOGY_SOURCE", SourceFile)),
		TopologyFile:            getEnv("TOPOLOGY_FILE", "topology.yaml"),
		GTFSURL:                 getEnv("GTFS_URL", ""),
		GTFSRouteTypes:          getIntCSVEnv("GTFS_ROUTE_TYPES", []int{1}),
		TopologyRefreshInterval: getDurationEnv("TOPOLOGY_REFRESH_INTERVAL", 0),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),
		StoreBackend:     strings.ToLower(getEnv("STORE_BACKEND", BackendBadger)),
		BadgerPath:       getEnv("BADGER_PATH", "./data/routes"),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		LocalCacheSize:      getIntEnv("LOCAL_CACHE_SIZE", 50000),
		RouteCacheTTL:       getDurationEnv("ROUTE_CACHE_TTL", time.Hour),
		PrecomputedCacheTTL: getDurationEnv("PRECOMPUTED_CACHE_TTL", 0),
		CacheWarmOnStart:    getBoolEnv("CACHE_WARM_ON_START", true),

		PrecomputeWorkers:     getIntEnv("PRECOMPUTE_WORKERS", 4),
		PrecomputeChunkSize:   getIntEnv("PRECOMPUTE_CHUNK_SIZE", 200),
		PrecomputeBatchSize:   getIntEnv("PRECOMPUTE_BATCH_SIZE", 500),
		PrecomputeMaxAttempts: getIntEnv("PRECOMPUTE_MAX_ATTEMPTS", 3),
		PrecomputeRetryDelay:  getDurationEnv("PRECOMPUTE_RETRY_DELAY", 500*time.Millisecond),
		PrecomputeOnChange:    getBoolEnv("PRECOMPUTE_ON_CHANGE", false),
		PrecomputeNightly:     getBoolEnv("PRECOMPUTE_NIGHTLY", false),

		MinutesPerHop:   getFloatEnv("MINUTES_PER_HOP", 2),
		TransferMinutes: getFloatEnv("TRANSFER_MINUTES", 4),

		RateLimitRPS:       getFloatEnv("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getIntEnv("RATE_LIMIT_BURST", 40),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

// getIntCSVEnv falls back to defaultVal if any element is not an integer.
func getIntCSVEnv(key string, defaultVal []int) []int {
	parts := getCSVEnv(key)
	if len(parts) == 0 {
		return defaultVal
	}
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return defaultVal
		}
		result = append(result, i)
	}
	return result
}
