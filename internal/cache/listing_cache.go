package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andresuchdata/chunkup/internal/config"
	"github.com/andresuchdata/chunkup/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "uploads:"
	listingKey      = keyPrefix + "listing"
	objectKeyPrefix = keyPrefix + "object:"
	// generationKey lives outside keyPrefix so Invalidate never resets it.
	generationKey = "uploads-generation"
)

// ListingCache holds recently computed progress listings so that many
// pollers do not each walk the registry.
//
// Writers read Generation before computing a listing and pass it to SetList or
// SetObject; the write is skipped when an Invalidate happened in between.
type ListingCache interface {
	Generation(ctx context.Context) (int64, error)
	GetList(ctx context.Context) ([]domain.ObjectListing, bool, error)
	SetList(ctx context.Context, generation int64, items []domain.ObjectListing) error
	GetObject(ctx context.Context, path string) (*domain.ObjectListing, bool, error)
	SetObject(ctx context.Context, generation int64, item domain.ObjectListing) error
	// Invalidate drops every cached listing and bumps the generation.
	Invalidate(ctx context.Context) error
}

type redisListingCache struct {
	client *redis.Client
	ttl    time.Duration
}

type noopListingCache struct{}

// NewListingCache connects to Redis when caching is enabled and returns a
// no-op cache otherwise.
func NewListingCache(cfg config.CacheConfig) (ListingCache, error) {
	if !cfg.Enabled {
		return &noopListingCache{}, nil
	}

	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisListingCache(client, listingTTL(cfg)), nil
}

func NewRedisListingCache(client *redis.Client, ttl time.Duration) ListingCache {
	if ttl <= 0 {
		ttl = defaultListingTTL
	}
	return &redisListingCache{client: client, ttl: ttl}
}

func NewNoopListingCache() ListingCache {
	return &noopListingCache{}
}

func (c *redisListingCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

// setIfCurrent stores payload under key unless the generation moved past
// generation.
func (c *redisListingCache) setIfCurrent(ctx context.Context, generation int64, key string, payload []byte) error {
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != generation {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, c.ttl)
			return nil
		})
		return err
	}, generationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *redisListingCache) GetList(ctx context.Context) ([]domain.ObjectListing, bool, error) {
	payload, err := c.client.Get(ctx, listingKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var items []domain.ObjectListing
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached listing: %w", err)
	}
	return items, true, nil
}

func (c *redisListingCache) SetList(ctx context.Context, generation int64, items []domain.ObjectListing) error {
	if items == nil {
		items = []domain.ObjectListing{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode listing: %w", err)
	}
	return c.setIfCurrent(ctx, generation, listingKey, payload)
}

func (c *redisListingCache) GetObject(ctx context.Context, path string) (*domain.ObjectListing, bool, error) {
	payload, err := c.client.Get(ctx, objectKeyPrefix+path).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var item domain.ObjectListing
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached object: %w", err)
	}
	return &item, true, nil
}

func (c *redisListingCache) SetObject(ctx context.Context, generation int64, item domain.ObjectListing) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode object listing: %w", err)
	}
	return c.setIfCurrent(ctx, generation, objectKeyPrefix+item.Path, payload)
}

func (c *redisListingCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("redis incr generation failed: %w", err)
	}
	return deleteKeysWithPrefix(ctx, c.client, keyPrefix, scanBatchSize)
}

func (c *noopListingCache) Generation(context.Context) (int64, error) {
	return 0, nil
}

func (c *noopListingCache) GetList(context.Context) ([]domain.ObjectListing, bool, error) {
	return nil, false, nil
}

func (c *noopListingCache) SetList(context.Context, int64, []domain.ObjectListing) error {
	return nil
}

func (c *noopListingCache) GetObject(context.Context, string) (*domain.ObjectListing, bool, error) {
	return nil, false, nil
}

func (c *noopListingCache) SetObject(context.Context, int64, domain.ObjectListing) error {
	return nil
}

func (c *noopListingCache) Invalidate(context.Context) error {
	return nil
}
