/**
 * Storage Manager for the OCR Worker
 *
 * Coordinates result persistence across PostgreSQL (jobs and results) and
 * the Redis result cache. Either side may be absent: without a database the
 * worker still caches, without a cache it still persists.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u000[1-8bBcCeEfF]|\\u001[0-9a-fA-F]`)
)

// StorageManager coordinates PostgreSQL and the result cache
type StorageManager struct {
	postgres *PostgresClient
	cache    *ResultCache
}

// NewStorageManager connects to PostgreSQL when databaseURL is set and
// creates the ocr schema
func NewStorageManager(ctx context.Context, databaseURL string, cache *ResultCache) (*StorageManager, error) {
	sm := &StorageManager{cache: cache}
	if databaseURL == "" {
		return sm, nil
	}

	postgres, err := NewPostgresClient(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm.postgres = postgres
	return sm, nil
}

// Persistent reports whether results reach PostgreSQL
func (sm *StorageManager) Persistent() bool {
	return sm != nil && sm.postgres != nil
}

// LookupCached returns a cached result for the payload hash into dst
func (sm *StorageManager) LookupCached(ctx context.Context, hash string, dst interface{}) (bool, error) {
	if sm == nil {
		return false, nil
	}

	data, ok, err := sm.cache.Get(ctx, hash)
	if err != nil || !ok {
		return false, err
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return true, nil
}

// CacheResult stores value under the payload hash
func (sm *StorageManager) CacheResult(ctx context.Context, hash string, value interface{}) error {
	if sm == nil || !sm.cache.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode result for cache: %w", err)
	}
	return sm.cache.Set(ctx, hash, data)
}

// StoreResult assigns the record an ID and persists it. Without a database
// the ID is still assigned and nothing is written.
func (sm *StorageManager) StoreResult(ctx context.Context, rec *ResultRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("result is required")
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	if !sm.Persistent() {
		rec.CreatedAt = time.Now()
		return rec.ID, nil
	}

	if err := sm.postgres.StoreResult(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetResult retrieves a stored result
func (sm *StorageManager) GetResult(ctx context.Context, resultID string) (*ResultRecord, error) {
	if !sm.Persistent() {
		return nil, fmt.Errorf("result storage is not configured")
	}
	return sm.postgres.GetResult(ctx, resultID)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if !sm.Persistent() {
		return nil
	}
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if !sm.Persistent() {
		return nil, fmt.Errorf("job storage is not configured")
	}
	return sm.postgres.GetJobByID(ctx, jobID)
}

// GetStats returns connection statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"cacheEnabled": sm.cache.Enabled(),
	}

	if sm.Persistent() {
		pgStats := sm.postgres.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}

	return stats
}

// Close closes the database connection. The Redis client belongs to the
// caller.
func (sm *StorageManager) Close() error {
	if sm.Persistent() {
		if err := sm.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

// sanitizeJSONForPostgres removes \u0000 escapes, which JSONB rejects, and
// blanks other control escapes except tab, newline and carriage return
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

// stripNUL removes NUL bytes, which TEXT columns reject
func stripNUL(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != 0 {
			out = append(out, s[i])
		}
	}
	return string(out)
}
