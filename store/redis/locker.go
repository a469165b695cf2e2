package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/lock"
)

// Lua scripts compare the owner token before touching the key, so a lease
// that expired and was re-acquired elsewhere is never extended or deleted.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker implements lock.Locker with SET NX PX.
type Locker struct {
	client goredis.Cmdable
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker returns a Locker over client.
func NewLocker(client goredis.Cmdable) *Locker {
	return &Locker{client: client}
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	token := lock.NewToken()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("tenantflow/redis: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, tenantflow.ErrLockHeld
	}
	return &lease{client: l.client, key: key, token: token}, nil
}

type lease struct {
	client goredis.Cmdable
	key    string
	token  string
}

func (l *lease) Key() string   { return l.key }
func (l *lease) Token() string { return l.token }

func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{lockKey(l.key)}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("tenantflow/redis: extend %s: %w", l.key, err)
	}
	if n == 0 {
		return tenantflow.ErrLockLost
	}
	return nil
}

func (l *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(l.key)}, l.token).Err(); err != nil {
		return fmt.Errorf("tenantflow/redis: release %s: %w", l.key, err)
	}
	return nil
}
