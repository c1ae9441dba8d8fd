package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeConfidence(t *testing.T) {
	testCases := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 87.456, 87.46},
		{"float noise", 91.32000000000001, 91.32},
		{"negative", -3, 0},
		{"above max", 100.5, 100},
		{"zero", 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sanitizeConfidence(tc.in))
		})
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	in := []byte(`{"text":"a\u0000b\u0007c\nd\te\u000df"}`)
	assert.Equal(t, `{"text":"ab c\nd\te\u000df"}`, string(sanitizeJSONForPostgres(in)))
}

func TestStripNUL(t *testing.T) {
	assert.Equal(t, "Rechnung", stripNUL("Rech\x00nung\x00"))
	assert.Equal(t, "", stripNUL(""))
}

func TestPayloadHash(t *testing.T) {
	a := PayloadHash("JVBERi0xLjc=", "application/pdf")
	assert.Len(t, a, 64)
	assert.Equal(t, a, PayloadHash("JVBERi0xLjc=", "application/pdf"))
	assert.NotEqual(t, a, PayloadHash("JVBERi0xLjc=", "image/png"))
	assert.NotEqual(t, a, PayloadHash("JVBERi0xLjd=", "application/pdf"))
	assert.Equal(t, "ocr:result:"+a, CacheKey(a))
}

func TestResultCacheDisabled(t *testing.T) {
	ctx := context.Background()

	var nilCache *ResultCache
	assert.False(t, nilCache.Enabled())

	noTTL := NewResultCache(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0)
	assert.False(t, noTTL.Enabled())

	_, ok, err := noTTL.Get(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, noTTL.Set(ctx, "abc", []byte("{}")))
}

func TestStorageManagerWithoutBackends(t *testing.T) {
	ctx := context.Background()

	sm, err := NewStorageManager(ctx, "", nil)
	require.NoError(t, err)
	assert.False(t, sm.Persistent())

	rec := &ResultRecord{Text: "Hallo", Confidence: 91}
	id, err := sm.StoreResult(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.Equal(t, id, rec.ID)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)

	var dst map[string]interface{}
	hit, err := sm.LookupCached(ctx, "abc", &dst)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, sm.CacheResult(ctx, "abc", rec))

	assert.NoError(t, sm.UpdateJobStatus(ctx, &JobUpdate{JobID: id, Status: "completed"}))
	_, err = sm.GetJobByID(ctx, id)
	assert.Error(t, err)
	_, err = sm.GetResult(ctx, id)
	assert.Error(t, err)

	assert.Equal(t, false, sm.GetStats()["cacheEnabled"])
	assert.NoError(t, sm.Close())
}
