package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"metroroute/internal/domain"
)

const deleteBatch = 500

// RedisCache is a RouteCache shared by every process pointing at the same
// Redis database.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisCache(addr, password string, db int, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: "metroroute:",
		logger: logger.With("component", "redis_cache"),
	}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks that Redis answers.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

func (c *RedisCache) setRaw(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.client.Set(ctx, c.key(key), value, ttl).Err()
	if err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
		return err
	}
	c.logger.Debug("cache set", "key", key, "size_bytes", len(value), "ttl", ttl, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (c *RedisCache) getRaw(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.Route, bool) {
	start := time.Now()
	data, err := c.getRaw(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		lookupsTotal.WithLabelValues("redis", "error").Inc()
		return nil, false
	}
	if data == nil {
		c.logger.Debug("cache miss", "key", key)
		lookupsTotal.WithLabelValues("redis", "miss").Inc()
		return nil, false
	}

	var route domain.Route
	if err := json.Unmarshal(data, &route); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = c.Delete(ctx, key)
		lookupsTotal.WithLabelValues("redis", "error").Inc()
		return nil, false
	}

	c.logger.Debug("cache hit", "key", key, "duration_ms", time.Since(start).Milliseconds())
	lookupsTotal.WithLabelValues("redis", "hit").Inc()
	return &route, true
}

func (c *RedisCache) Set(ctx context.Context, key string, route *domain.Route, ttl time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.setRaw(ctx, key, data, ttl)
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

// InvalidateStations scans the route key space and deletes the entries that
// start or end at one of ids.
func (c *RedisCache) InvalidateStations(ctx context.Context, ids ...int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	set := idSet(ids)

	var batch []string
	removed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}

	iter := c.client.Scan(ctx, 0, c.key(KeyPrefixRoute+"*"), deleteBatch).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if !touchesAny(full[len(c.prefix):], set) {
			continue
		}
		batch = append(batch, full)
		if len(batch) >= deleteBatch {
			if err := flush(); err != nil {
				return removed, fmt.Errorf("delete route keys: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan route keys: %w", err)
	}
	if err := flush(); err != nil {
		return removed, fmt.Errorf("delete route keys: %w", err)
	}

	invalidatedTotal.WithLabelValues("redis").Add(float64(removed))
	c.logger.Info("invalidated cached routes",
		"stations", len(ids),
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return removed, nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	return c.DeletePattern(ctx, KeyPrefixRoute+"*")
}

func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, c.key(pattern), deleteBatch).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
