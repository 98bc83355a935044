package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder cannot release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a Locker shared by every engine instance that points at the
// same Redis. It uses SET NX with a TTL and a Lua conditional unlock.
type RedisLocker struct {
	rdb      *redis.Client
	ttl      time.Duration
	retry    time.Duration
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block others; retry is the polling interval while waiting.
func NewRedisLocker(rdb *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{
		rdb:      rdb,
		ttl:      ttl,
		retry:    retry,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Lock polls until the key is acquired or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}
