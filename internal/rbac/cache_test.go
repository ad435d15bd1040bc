package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, time.Minute), mr
}

func sampleResolution(userID int64) Resolution {
	return Resolution{
		UserID:      userID,
		Permissions: []EffectivePermission{{Code: "site.read", Level: LevelGranted, Source: SourceDesignation}},
		ComputedAt:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func store(t *testing.T, cache Cache, userID int64) {
	t.Helper()
	ctx := context.Background()
	gen, err := cache.Generation(ctx, userID)
	require.NoError(t, err)
	stored, err := cache.Set(ctx, userID, gen, sampleResolution(userID))
	require.NoError(t, err)
	require.True(t, stored)
}

func TestRedisCacheRoundTripAndInvalidate(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	store(t, cache, 7)
	store(t, cache, 8)
	assert.True(t, mr.Exists("rbac:effective:v1:7"))

	got, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "site.read", got.Permissions[0].Code)

	require.NoError(t, cache.Invalidate(ctx, 7))
	_, ok, _ = cache.Get(ctx, 7)
	assert.False(t, ok)
	_, ok, _ = cache.Get(ctx, 8)
	assert.True(t, ok)
}

func TestRedisCachePurgeBumpsVersion(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()
	store(t, cache, 1)
	require.NoError(t, cache.Purge(ctx))

	_, ok, err := cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := mr.Get(cacheVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestRedisCacheTTL(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()
	store(t, cache, 3)
	mr.FastForward(2 * time.Minute)
	_, ok, err := cache.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache(2, time.Minute)
	ctx := context.Background()
	store(t, cache, 1)
	store(t, cache, 2)
	store(t, cache, 3)

	_, ok, _ := cache.Get(ctx, 1)
	assert.False(t, ok, "least recently used entry evicted")

	require.NoError(t, cache.Invalidate(ctx, 2))
	_, ok, _ = cache.Get(ctx, 2)
	assert.False(t, ok)

	require.NoError(t, cache.Purge(ctx))
	_, ok, _ = cache.Get(ctx, 3)
	assert.False(t, ok)
}

func TestCacheSetRejectsStaleGeneration(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	for name, cache := range map[string]Cache{
		"memory": NewMemoryCache(10, time.Minute),
		"redis":  redisCache,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			gen, err := cache.Generation(ctx, 5)
			require.NoError(t, err)
			other, err := cache.Generation(ctx, 6)
			require.NoError(t, err)

			require.NoError(t, cache.Invalidate(ctx, 5))
			stored, err := cache.Set(ctx, 5, gen, sampleResolution(5))
			require.NoError(t, err)
			assert.False(t, stored)
			_, ok, err := cache.Get(ctx, 5)
			require.NoError(t, err)
			assert.False(t, ok)

			stored, err = cache.Set(ctx, 6, other, sampleResolution(6))
			require.NoError(t, err)
			assert.True(t, stored, "invalidating one user leaves others writable")

			gen, err = cache.Generation(ctx, 6)
			require.NoError(t, err)
			require.NoError(t, cache.Purge(ctx))
			stored, err = cache.Set(ctx, 6, gen, sampleResolution(6))
			require.NoError(t, err)
			assert.False(t, stored, "purge moves every generation")
		})
	}
}

func TestRedisCacheInvalidateBumpsGeneration(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()
	require.NoError(t, cache.Invalidate(ctx, 9, 9))
	v, err := mr.Get("rbac:effective:gen:9")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestNewCacheBackends(t *testing.T) {
	c, err := NewCache("none", nil, 0, time.Minute)
	require.NoError(t, err)
	assert.IsType(t, NopCache{}, c)

	_, err = NewCache("redis", nil, 0, time.Minute)
	assert.Error(t, err)

	_, err = NewCache("memcached", nil, 0, time.Minute)
	assert.Error(t, err)
}
