package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/andresuchdata/chunkup/internal/config"
	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (ListingCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisListingCache(client, ttl), srv
}

func TestRedisListingCacheRoundTrip(t *testing.T) {
	c, srv := newTestCache(t, 2*time.Second)
	ctx := context.Background()

	_, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	items := []domain.ObjectListing{
		{Path: "a.bin", Completed: true, State: domain.StateCompleted, NBytes: 10, UploadedChunks: 2, TotalChunks: 2},
		{Path: "b.bin", State: domain.StateUploading, NBytes: 6, UploadedChunks: 1, TotalChunks: 3},
	}
	require.NoError(t, c.SetList(ctx, 0, items))

	got, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, items, got)
	assert.Equal(t, 2*time.Second, srv.TTL(listingKey))

	srv.FastForward(3 * time.Second)
	_, ok, err = c.GetList(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire")
}

func TestRedisListingCacheEmptyList(t *testing.T) {
	c, _ := newTestCache(t, time.Second)
	ctx := context.Background()

	require.NoError(t, c.SetList(ctx, 0, nil))
	got, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestRedisListingCacheInvalidate(t *testing.T) {
	c, srv := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.SetList(ctx, 0, []domain.ObjectListing{{Path: "a"}}))
	require.NoError(t, c.SetObject(ctx, 0, domain.ObjectListing{Path: "dir/a", TotalChunks: 4}))
	require.NoError(t, srv.Set("unrelated", "keep"))

	item, ok, err := c.GetObject(ctx, "dir/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, item.TotalChunks)

	require.NoError(t, c.Invalidate(ctx))

	_, ok, err = c.GetList(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.GetObject(ctx, "dir/a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, srv.Exists("unrelated"))
}

func TestRedisListingCacheSkipsStaleWrites(t *testing.T) {
	c, srv := newTestCache(t, time.Minute)
	ctx := context.Background()

	gen, err := c.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	// An invalidate between computing a listing and storing it wins.
	require.NoError(t, c.Invalidate(ctx))
	require.NoError(t, c.SetList(ctx, gen, []domain.ObjectListing{{Path: "deleted"}}))
	require.NoError(t, c.SetObject(ctx, gen, domain.ObjectListing{Path: "deleted"}))

	_, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.GetObject(ctx, "deleted")
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err = c.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)
	require.NoError(t, c.SetList(ctx, gen, []domain.ObjectListing{{Path: "fresh"}}))
	items, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", items[0].Path)

	// Invalidate keeps counting instead of resetting the generation.
	require.NoError(t, c.Invalidate(ctx))
	assert.True(t, srv.Exists(generationKey))
	gen, err = c.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)
}

func TestNewListingCacheDisabled(t *testing.T) {
	c, err := NewListingCache(config.CacheConfig{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.SetList(ctx, 0, []domain.ObjectListing{{Path: "a"}}))
	_, ok, err := c.GetList(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Invalidate(ctx))
}

func TestNewListingCacheEnabled(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := NewListingCache(config.CacheConfig{
		Enabled:  true,
		RedisURL: "redis://" + srv.Addr() + "/0",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.SetList(ctx, 0, []domain.ObjectListing{{Path: "a"}}))
	assert.Equal(t, defaultListingTTL, srv.TTL(listingKey))
}

func TestBuildRedisOptions(t *testing.T) {
	opts, err := buildRedisOptions(config.CacheConfig{RedisHost: "cache", RedisPort: "6380", RedisDB: 2})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)

	opts, err = buildRedisOptions(config.CacheConfig{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6379", opts.Addr)

	_, err = buildRedisOptions(config.CacheConfig{RedisURL: "::bad"})
	assert.Error(t, err)
}
