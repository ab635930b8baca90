package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is an optional read-through cache for account balances. Misses and
// cache errors fall back to the store; the cache must never be the source
// of truth for a mutation.
type Cache interface {
	Get(ctx context.Context, ownerID string) (*Account, bool)
	Set(ctx context.Context, acct *Account)
	Delete(ctx context.Context, ownerID string)
}

// Balance reads tolerate a short staleness window; mutations invalidate.
const cacheTTL = 5 * time.Second

// RedisCache caches account records in Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed balance cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "walletcore:balance:"}
}

func (c *RedisCache) key(ownerID string) string {
	return c.prefix + ownerID
}

func (c *RedisCache) Get(ctx context.Context, ownerID string) (*Account, bool) {
	raw, err := c.client.Get(ctx, c.key(ownerID)).Bytes()
	if err != nil {
		return nil, false // redis.Nil or unreachable, either way a miss
	}
	acct := &Account{}
	if err := json.Unmarshal(raw, acct); err != nil {
		return nil, false
	}
	return acct, true
}

func (c *RedisCache) Set(ctx context.Context, acct *Account) {
	raw, err := json.Marshal(acct)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(acct.OwnerID), raw, cacheTTL).Err()
}

func (c *RedisCache) Delete(ctx context.Context, ownerID string) {
	_ = c.client.Del(ctx, c.key(ownerID)).Err()
}
