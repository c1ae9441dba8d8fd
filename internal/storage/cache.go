/**
 * Redis result cache
 *
 * Finished OCR results are cached by the SHA-256 of the submitted payload so
 * a resubmitted document is answered without touching the engine.
 */

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "ocr:result:"

// ResultCache stores serialized results in Redis with a fixed TTL
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResultCache wraps client. A non-positive ttl disables caching.
func NewResultCache(client *redis.Client, ttl time.Duration) *ResultCache {
	return &ResultCache{client: client, ttl: ttl}
}

// PayloadHash is the hex SHA-256 of the payload and the MIME hint
func PayloadHash(payload, mimeHint string) string {
	h := sha256.New()
	h.Write([]byte(mimeHint))
	h.Write([]byte{0})
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey is the Redis key for a payload hash
func CacheKey(hash string) string {
	return cacheKeyPrefix + hash
}

// Enabled reports whether lookups can hit
func (c *ResultCache) Enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Get returns the cached value and whether it was present
func (c *ResultCache) Get(ctx context.Context, hash string) ([]byte, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	data, err := c.client.Get(ctx, CacheKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached result: %w", err)
	}
	return data, true, nil
}

// Set stores value under hash for the cache TTL
func (c *ResultCache) Set(ctx context.Context, hash string, value []byte) error {
	if !c.Enabled() {
		return nil
	}

	if err := c.client.Set(ctx, CacheKey(hash), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}
