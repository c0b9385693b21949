// Package cache implements the Redis read-through cache for list queries
// and the pattern-based invalidation jobs that keep it fresh.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key families.
const (
	PrefixRules = "rules"
	PrefixLogs  = "logs"

	PatternRules = PrefixRules + ":*"
	PatternLogs  = PrefixLogs + ":*"
)

// DefaultTTL is how long a cached list lives without invalidation.
const DefaultTTL = time.Hour

// Cache is a JSON read-through cache.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a cache. A zero ttl uses DefaultTTL.
func New(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Key builds a cache key for a query in a key family. The query is encoded
// as JSON so equal queries share a key.
func Key(prefix string, query any) string {
	b, err := json.Marshal(query)
	if err != nil {
		return prefix + ":" + fmt.Sprint(query)
	}
	return prefix + ":" + string(b)
}

// GetOrSet decodes the cached value for key into dest. On a miss it calls
// fill, stores the result with the cache TTL and decodes it into dest.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest any, fill func(ctx context.Context) (any, error)) error {
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if uerr := json.Unmarshal(raw, dest); uerr == nil {
			c.logger.Debug("cache hit", zap.String("key", key))
			return nil
		}
		c.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		return fmt.Errorf("cache get %s: %w", key, err)
	}

	c.logger.Debug("cache miss", zap.String("key", key))
	fresh, err := fill(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return json.Unmarshal(data, dest)
}
