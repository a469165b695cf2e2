package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenantflow/cache"
)

// invalidateScript deletes every key in the tag Set and the Set itself in
// one step, so an entry written concurrently is either deleted or tagged in
// a fresh Set.
var invalidateScript = goredis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, k in ipairs(members) do
	n = n + redis.call("DEL", k)
end
redis.call("DEL", KEYS[1])
return n`)

// Cache implements cache.Backend. Each entity tag is a Set of the cache keys
// derived from it.
type Cache struct {
	client goredis.Cmdable
}

var _ cache.Backend = (*Cache)(nil)

// NewCache returns a cache backend over client.
func NewCache(client goredis.Cmdable) *Cache {
	return &Cache{client: client}
}

// Get implements cache.Backend.
func (c *Cache) Get(ctx context.Context, org, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, cacheKey(org, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tenantflow/redis: cache get: %w", err)
	}
	return v, true, nil
}

// Set implements cache.Backend.
func (c *Cache) Set(ctx context.Context, org, key string, value []byte, tags []string, ttl time.Duration) error {
	k := cacheKey(org, key)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, k, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagKey(org, tag), k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tenantflow/redis: cache set: %w", err)
	}
	return nil
}

// InvalidateTag implements cache.Backend.
func (c *Cache) InvalidateTag(ctx context.Context, org, tag string) (int, error) {
	n, err := invalidateScript.Run(ctx, c.client, []string{tagKey(org, tag)}).Int()
	if err != nil {
		return 0, fmt.Errorf("tenantflow/redis: cache invalidate %s: %w", tag, err)
	}
	return n, nil
}
