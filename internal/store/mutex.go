package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"workload-launcher-go/internal/redisclient"
)

// DefaultLockRetry is how often a busy mutex lock is polled.
const DefaultLockRetry = 500 * time.Millisecond

// ErrMutexBusy is returned when another launch kept the lock for the whole wait.
var ErrMutexBusy = errors.New("mutex key is locked by another launch")

// Lua script for atomic check-and-lock of a mutex key.
// KEYS[1] lock key, ARGV token, ttl milliseconds.
// Returns {acquired (1|0), holder}.
//
// The holder of the lock re-acquires it and refreshes the TTL. If the launcher
// crashes while holding the lock, the TTL releases it.
var lockScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if (not holder) or holder == ARGV[1] then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
    return {1, ARGV[1]}
end
return {0, holder}
`)

// Lua script deleting the lock only while token still holds it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// MutexLock serialises launches of one mutex key across launcher replicas.
type MutexLock struct {
	redis  *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *zap.Logger
}

// NewMutexLock creates a lock whose holders expire after ttl. ttl must cover
// the longest launch: orchestrator init, full pod startup and slack.
func NewMutexLock(client *redis.Client, ttl time.Duration, logger *zap.Logger) *MutexLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MutexLock{
		redis:  client,
		ttl:    ttl,
		retry:  DefaultLockRetry,
		logger: logger,
	}
}

// TTL returns how long a lock is held without a release.
func (l *MutexLock) TTL() time.Duration {
	return l.ttl
}

// TryAcquire takes the lock of mutexKey for token if it is free or already
// held by token. It returns the current holder when the lock is taken.
func (l *MutexLock) TryAcquire(ctx context.Context, mutexKey, token string) (bool, string, error) {
	res, err := lockScript.Run(ctx, l.redis,
		[]string{redisclient.MutexLockKey(mutexKey)},
		token, l.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return false, "", fmt.Errorf("lock of mutex key %s failed: %w", mutexKey, err)
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("lock of mutex key %s returned %d values", mutexKey, len(res))
	}
	acquired, _ := res[0].(int64)
	holder, _ := res[1].(string)
	return acquired == 1, holder, nil
}

// Acquire waits until token holds the lock of mutexKey. It gives up with
// ErrMutexBusy after one TTL, by which time any earlier holder has expired
// unless it was replaced.
func (l *MutexLock) Acquire(ctx context.Context, mutexKey, token string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	waiting := false
	for {
		acquired, holder, err := l.TryAcquire(waitCtx, mutexKey, token)
		if err != nil && waitCtx.Err() == nil {
			return err
		}
		if acquired {
			if waiting {
				l.logger.Info("Mutex lock acquired after waiting", zap.String("mutex_key", mutexKey))
			}
			return nil
		}
		if err == nil && !waiting {
			l.logger.Info("Mutex key is being launched elsewhere, waiting",
				zap.String("mutex_key", mutexKey),
				zap.String("holder", holder),
			)
			waiting = true
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrMutexBusy, mutexKey)
		case <-ticker.C:
		}
	}
}

// Release frees the lock of mutexKey if token still holds it.
func (l *MutexLock) Release(ctx context.Context, mutexKey, token string) error {
	if err := unlockScript.Run(ctx, l.redis, []string{redisclient.MutexLockKey(mutexKey)}, token).Err(); err != nil {
		return fmt.Errorf("unlock of mutex key %s failed: %w", mutexKey, err)
	}
	return nil
}
