package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache holds lifetime spend per account. It is never the source of truth:
// a miss or an error falls back to the ledger.
type Cache interface {
	Get(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error)
	Set(ctx context.Context, accountID uuid.UUID, spent decimal.Decimal) error
	Delete(ctx context.Context, accountID uuid.UUID) error
}

type memoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache keeps entries in process. Invalidation only reaches the
// local instance, so multi-instance deployments use the Redis cache.
func NewMemoryCache(ttl time.Duration) Cache {
	return &memoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *memoryCache) Get(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error) {
	v, ok := m.c.Get(accountID.String())
	if !ok {
		return decimal.Zero, false, nil
	}
	return v.(decimal.Decimal), true, nil
}

func (m *memoryCache) Set(ctx context.Context, accountID uuid.UUID, spent decimal.Decimal) error {
	m.c.SetDefault(accountID.String(), spent)
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, accountID uuid.UUID) error {
	m.c.Delete(accountID.String())
	return nil
}

type redisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) Cache {
	return &redisCache{client: client, ttl: ttl}
}

func redisKey(accountID uuid.UUID) string {
	return "billing:usage:" + accountID.String()
}

func (r *redisCache) Get(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read usage cache: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt usage cache entry: %w", err)
	}
	return d, true, nil
}

func (r *redisCache) Set(ctx context.Context, accountID uuid.UUID, spent decimal.Decimal) error {
	if err := r.client.Set(ctx, redisKey(accountID), spent.String(), r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write usage cache: %w", err)
	}
	return nil
}

func (r *redisCache) Delete(ctx context.Context, accountID uuid.UUID) error {
	if err := r.client.Del(ctx, redisKey(accountID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate usage cache: %w", err)
	}
	return nil
}
