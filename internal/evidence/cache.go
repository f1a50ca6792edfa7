package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/periop-risk-server/internal/domain"
)

// CachedStore decorates an EvidenceStore with a Redis read-through cache on
// the hot pooled-row lookups. Cache failures degrade to the underlying store
// and never fail a read; a repooling upsert invalidates the cached row.
type CachedStore struct {
	inner  domain.EvidenceStore
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachedStore builds the cache decorator from cache configuration.
func NewCachedStore(inner domain.EvidenceStore, cfg domain.CacheConfig, logger *logrus.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CachedStore{inner: inner, redis: client, ttl: cfg.DefaultTTL, logger: logger}, nil
}

func pooledCacheKey(outcome, modifier, contextLabel string) string {
	return "pooled:" + outcome + ":" + modifier + ":" + contextLabel
}

// GetPooledBaseline reads through the cache for the pooled baseline row.
func (c *CachedStore) GetPooledBaseline(ctx context.Context, outcome, contextLabel string) (*domain.PooledEstimate, error) {
	return c.getPooled(ctx, pooledCacheKey(outcome, "", contextLabel), func() (*domain.PooledEstimate, error) {
		return c.inner.GetPooledBaseline(ctx, outcome, contextLabel)
	})
}

// GetPooledModifier reads through the cache for the pooled modifier row.
func (c *CachedStore) GetPooledModifier(ctx context.Context, outcome, modifier, contextLabel string) (*domain.PooledEstimate, error) {
	return c.getPooled(ctx, pooledCacheKey(outcome, modifier, contextLabel), func() (*domain.PooledEstimate, error) {
		return c.inner.GetPooledModifier(ctx, outcome, modifier, contextLabel)
	})
}

// getPooled applies the read-through discipline: cache hit wins, a miss or
// any cache error falls back to the store, and a successful store read
// repopulates the cache best-effort.
func (c *CachedStore) getPooled(ctx context.Context, key string, load func() (*domain.PooledEstimate, error)) (*domain.PooledEstimate, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var cached domain.PooledEstimate
		if jsonErr := json.Unmarshal([]byte(val), &cached); jsonErr == nil {
			return &cached, nil
		}
		// Corrupted entry; drop it and fall through to the store.
		c.redis.Del(ctx, key)
	} else if err != redis.Nil {
		c.logger.WithError(err).WithField("key", key).Warn("Cache read failed, falling back to store")
	}

	pooled, err := load()
	if err != nil {
		return nil, err
	}
	if pooled != nil {
		if data, jsonErr := json.Marshal(pooled); jsonErr == nil {
			if setErr := c.redis.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
				c.logger.WithError(setErr).WithField("key", key).Debug("Cache populate failed")
			}
		}
	}
	return pooled, nil
}

// GetRawEstimates delegates to the underlying store; raw reads are cold-path
// (pooling fallback and the offline job) and not worth caching.
func (c *CachedStore) GetRawEstimates(ctx context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	return c.inner.GetRawEstimates(ctx, outcome, modifier)
}

// UpsertPooled writes through to the store and invalidates the cached row.
func (c *CachedStore) UpsertPooled(ctx context.Context, p *domain.PooledEstimate) error {
	if err := c.inner.UpsertPooled(ctx, p); err != nil {
		return err
	}
	key := pooledCacheKey(p.Outcome, p.Modifier, p.Context)
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Cache invalidation failed")
	}
	return nil
}

// ListEvidenceKeys delegates to the underlying store.
func (c *CachedStore) ListEvidenceKeys(ctx context.Context) ([]domain.EvidenceKey, error) {
	return c.inner.ListEvidenceKeys(ctx)
}

// Ping verifies the underlying store; the cache being down is not fatal.
func (c *CachedStore) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Close closes the cache client and the underlying store.
func (c *CachedStore) Close() error {
	if err := c.redis.Close(); err != nil {
		c.logger.WithError(err).Warn("Failed to close Redis client")
	}
	return c.inner.Close()
}
