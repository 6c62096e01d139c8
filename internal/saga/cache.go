package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds recently read projections. Set never replaces a cached
// projection that has folded at least as many events.
type Cache interface {
	Get(ctx context.Context, sagaID string) (Projection, bool, error)
	Set(ctx context.Context, p Projection) error
}

func cacheKey(sagaID string) string {
	return fmt.Sprintf("saga:projection:%s", sagaID)
}

// setIfNewer stores the projection as a hash of its event count and JSON
// body, only when the count moves forward.
var setIfNewer = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'count'))
if cur and cur >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'count', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, sagaID string) (Projection, bool, error) {
	b, err := c.client.HGet(ctx, cacheKey(sagaID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Projection{}, false, nil
		}
		return Projection{}, false, err
	}
	var p Projection
	if err := json.Unmarshal(b, &p); err != nil {
		return Projection{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Projection) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{cacheKey(p.SagaID)}, p.EventCount, b, c.ttl.Milliseconds()).Err()
}

// noCache is used when no Redis is configured.
type noCache struct{}

func (noCache) Get(context.Context, string) (Projection, bool, error) { return Projection{}, false, nil }
func (noCache) Set(context.Context, Projection) error { return nil }
