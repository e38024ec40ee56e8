package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPrefix = "lock:"

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ErrLockNotHeld is returned by Release when the lock expired or was taken
// over before the caller released it.
var ErrLockNotHeld = errors.New("lock not held")

// Lock is a distributed lock acquired via set-if-absent with a TTL.
// The value carries the holder's pid plus a random token so release
// only deletes the caller's own lock.
type Lock struct {
	c     *Client
	key   string
	value string
}

// AcquireLock makes a single attempt to take the named lock. The bool
// reports whether the lock was acquired; an already-held lock is not an
// error.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	key := lockPrefix + name
	value := fmt.Sprintf("%d_%s", os.Getpid(), uuid.NewString())

	ok, err := c.db.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{c: c, key: key, value: value}, true, nil
}

// AcquireLockWait retries every 100ms until the lock is acquired, wait
// elapses, or ctx is cancelled.
func (c *Client) AcquireLockWait(ctx context.Context, name string, ttl, wait time.Duration) (*Lock, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, ok, err := c.AcquireLock(ctx, name, ttl)
		if err != nil || ok {
			return lock, ok, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Release deletes the lock via compare-and-delete so an expired lock that
// another process re-acquired is left alone.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.c.db, []string{l.key}, l.value).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n != 1 {
		return ErrLockNotHeld
	}
	return nil
}

// Key returns the full Redis key of the lock.
func (l *Lock) Key() string { return l.key }
