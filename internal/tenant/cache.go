package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache stores resolved tenants by key hash.
type Cache interface {
	Get(ctx context.Context, keyHash string) (*domain.Tenant, bool, error)
	Set(ctx context.Context, keyHash string, t *domain.Tenant, ttl time.Duration) error
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(ctx context.Context, keyHash string) (*domain.Tenant, bool, error) {
	return nil, false, nil
}

func (NoopCache) Set(ctx context.Context, keyHash string, t *domain.Tenant, ttl time.Duration) error {
	return nil
}

// cachedTenant is the cached form; domain.Tenant hides its key hash from JSON.
type cachedTenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisCache caches tenants in Redis as JSON under "tenant:key:<hash>".
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a RedisCache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

var _ Cache = (*RedisCache)(nil)
var _ Cache = NoopCache{}

func redisKey(keyHash string) string {
	return "tenant:key:" + keyHash
}

func (c *RedisCache) Get(ctx context.Context, keyHash string) (*domain.Tenant, bool, error) {
	val, err := c.rdb.Get(ctx, redisKey(keyHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("RedisCache.Get: %w", err)
	}

	var ct cachedTenant
	if err := json.Unmarshal(val, &ct); err != nil {
		return nil, false, fmt.Errorf("RedisCache.Get: decode: %w", err)
	}
	return &domain.Tenant{
		ID:         ct.ID,
		Name:       ct.Name,
		APIKeyHash: keyHash,
		Active:     ct.Active,
		CreatedAt:  ct.CreatedAt,
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, keyHash string, t *domain.Tenant, ttl time.Duration) error {
	b, err := json.Marshal(cachedTenant{ID: t.ID, Name: t.Name, Active: t.Active, CreatedAt: t.CreatedAt})
	if err != nil {
		return fmt.Errorf("RedisCache.Set: encode: %w", err)
	}
	if err := c.rdb.Set(ctx, redisKey(keyHash), b, ttl).Err(); err != nil {
		return fmt.Errorf("RedisCache.Set: %w", err)
	}
	return nil
}
