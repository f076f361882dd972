package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	urlKeyPrefix   = "url:"
	statsKeyPrefix = "stats:"
)

// Cache is the advisory code -> URL and code -> stats cache. Expiry is left
// to Redis; every call is bounded by the configured timeout.
type Cache struct {
	rdb     redis.UniversalClient
	timeout time.Duration
}

func NewCache(rdb redis.UniversalClient, timeout time.Duration) *Cache {
	return &Cache{rdb: rdb, timeout: timeout}
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// GetURL returns the cached target. ok is false on a miss; err is set only
// for backend failures.
func (c *Cache) GetURL(ctx context.Context, code string) (url string, ok bool, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	url, err = c.rdb.Get(ctx, urlKeyPrefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get url %q: %w", code, err)
	}
	return url, true, nil
}

func (c *Cache) SetURL(ctx context.Context, code, url string, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, urlKeyPrefix+code, url, ttl).Err(); err != nil {
		return fmt.Errorf("cache set url %q: %w", code, err)
	}
	return nil
}

func (c *Cache) DeleteURL(ctx context.Context, code string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, urlKeyPrefix+code).Err(); err != nil {
		return fmt.Errorf("cache delete url %q: %w", code, err)
	}
	return nil
}

// GetStats returns the cached stats mapping. Unlike GetURL, a miss yields an
// empty, non-nil map.
func (c *Cache) GetStats(ctx context.Context, code string) (map[string]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stats, err := c.rdb.HGetAll(ctx, statsKeyPrefix+code).Result()
	if err != nil {
		return map[string]string{}, fmt.Errorf("cache get stats %q: %w", code, err)
	}
	if stats == nil {
		stats = map[string]string{}
	}
	return stats, nil
}

// SetStats replaces the stats mapping for code and arms its TTL atomically.
func (c *Cache) SetStats(ctx context.Context, code string, stats map[string]string, ttl time.Duration) error {
	if len(stats) == 0 {
		return c.DeleteStats(ctx, code)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	key := statsKeyPrefix + code
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, stats)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set stats %q: %w", code, err)
	}
	return nil
}

func (c *Cache) DeleteStats(ctx context.Context, code string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.rdb.Del(ctx, statsKeyPrefix+code).Err(); err != nil {
		return fmt.Errorf("cache delete stats %q: %w", code, err)
	}
	return nil
}

// Invalidate drops both entries for code in one round trip.
func (c *Cache) Invalidate(ctx context.Context, code string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, urlKeyPrefix+code)
		pipe.Del(ctx, statsKeyPrefix+code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache invalidate %q: %w", code, err)
	}
	return nil
}
