package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss reports that no prediction is cached for the given hash.
var ErrCacheMiss = errors.New("prediction not cached")

// CachedPrediction is the cacheable subset of a classification outcome.
// Filename and timing are request-specific and never cached.
type CachedPrediction struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
}

// Cache stores served predictions keyed by the sha1 of the upload bytes,
// so identical images hit regardless of filename. A miss is signalled with
// ErrCacheMiss.
type Cache interface {
	SetPrediction(ctx context.Context, hash string, p *CachedPrediction) error
	GetPrediction(ctx context.Context, hash string) (*CachedPrediction, error)
}

// RedisCache is a prediction cache backed by go-redis. Entries carry a
// fixed TTL; an expired entry is simply recomputed on the next request.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a new Redis-backed prediction cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, ttl: 5 * time.Minute}
}

// SetPrediction serializes and stores one prediction under the upload hash.
func (c *RedisCache) SetPrediction(ctx context.Context, hash string, p *CachedPrediction) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, predictionKey(hash), payload, c.ttl).Err()
}

// GetPrediction loads the prediction cached for the upload hash, or
// ErrCacheMiss when none is stored.
func (c *RedisCache) GetPrediction(ctx context.Context, hash string) (*CachedPrediction, error) {
	value, err := c.client.Get(ctx, predictionKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var cached CachedPrediction
	if err := json.Unmarshal([]byte(value), &cached); err != nil {
		return nil, fmt.Errorf("corrupt cache entry for %s: %w", hash, err)
	}
	return &cached, nil
}

func predictionKey(hash string) string {
	return "prediction:" + hash
}
