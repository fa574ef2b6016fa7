package lock

import (
	"context"
	"time"

	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
)

// Compare-and-act scripts; a lock is only touched by the owner that set it
const (
	releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0`

	refreshScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`
)

const (
	scriptRelease = "lock_release"
	scriptRefresh = "lock_refresh"
)

// RedisLocker implements Locker with SET NX PX on a single Redis
type RedisLocker struct {
	client *pkgredis.Client
}

// NewRedisLocker creates a new RedisLocker
func NewRedisLocker(client *pkgredis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

func (l *RedisLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := l.client.EvalWithFallback(ctx, scriptRefresh, refreshScript, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := l.client.EvalWithFallback(ctx, scriptRelease, releaseScript, []string{key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
