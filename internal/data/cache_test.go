package data

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedSnapshot struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
}

func TestCacheClient_SetGet(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCacheClient(rdb)
	ctx := context.Background()

	in := cachedSnapshot{Provider: "openai", State: "closed"}
	require.NoError(t, cache.Set(ctx, "health:7:openai", in, time.Minute))

	var out cachedSnapshot
	require.NoError(t, cache.Get(ctx, "health:7:openai", &out))
	assert.Equal(t, in, out)
}

func TestCacheClient_GetMissing(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCacheClient(rdb)

	var out cachedSnapshot
	err := cache.Get(context.Background(), "health:missing", &out)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCacheClient_DeleteAndExists(t *testing.T) {
	rdb, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewCacheClient(rdb)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "trial:openai", "1", time.Minute))

	exists, err := cache.Exists(ctx, "trial:openai")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Delete(ctx, "trial:openai"))

	exists, err = cache.Exists(ctx, "trial:openai")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCacheClient_NilClient(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	var out cachedSnapshot
	assert.Error(t, cache.Get(ctx, "k", &out))
	assert.Error(t, cache.Set(ctx, "k", out, time.Minute))
	assert.Error(t, cache.Delete(ctx, "k"))
	_, err := cache.Exists(ctx, "k")
	assert.Error(t, err)
}

func TestBuildCacheKey(t *testing.T) {
	assert.Equal(t, "health:42:openai", BuildCacheKey(CacheKeyHealth, "42:openai"))
	assert.Equal(t, "trial:openai", BuildCacheKey(CacheKeyTrial, "openai"))
	assert.Equal(t, "alertgroup:7:openai:circuit_opened", BuildCacheKey(CacheKeyGroupKey, "7", "openai", "circuit_opened"))
}
