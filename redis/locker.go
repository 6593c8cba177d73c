// Package redis provides the Redis connection and a per-owner distributed lock used to keep
// several workers from refreshing the same OneDrive token at once.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout is returned when the lock is still held by someone else after the wait timeout.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrLockNotHeld is returned on release when the lock expired and was possibly taken by another holder.
	ErrLockNotHeld = errors.New("lock not held")
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const (
	defaultKeyPrefix     = "ferris:onedrive:refresh"
	defaultLockTTL       = 60 * time.Second
	defaultWaitTimeout   = 15 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
)

// RefreshLocker is a SET NX PX lock keyed on the owner id.
type RefreshLocker struct {
	client        goredis.Cmdable
	prefix        string
	ttl           time.Duration
	waitTimeout   time.Duration
	retryInterval time.Duration
}

type LockerOption func(*RefreshLocker)

// WithLockTTL bounds how long a crashed holder can block others. It must exceed a refresh round trip.
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *RefreshLocker) {
		l.ttl = ttl
	}
}

func WithWaitTimeout(timeout time.Duration) LockerOption {
	return func(l *RefreshLocker) {
		l.waitTimeout = timeout
	}
}

func WithRetryInterval(interval time.Duration) LockerOption {
	return func(l *RefreshLocker) {
		l.retryInterval = interval
	}
}

func WithKeyPrefix(prefix string) LockerOption {
	return func(l *RefreshLocker) {
		l.prefix = prefix
	}
}

func NewRefreshLocker(client goredis.Cmdable, opts ...LockerOption) *RefreshLocker {
	l := &RefreshLocker{
		client:        client,
		prefix:        defaultKeyPrefix,
		ttl:           defaultLockTTL,
		waitTimeout:   defaultWaitTimeout,
		retryInterval: defaultRetryInterval,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Lock blocks until the owner's lock is acquired, the wait timeout passes, or ctx is done.
// The returned function releases the lock if it is still ours.
func (l *RefreshLocker) Lock(ctx context.Context, ownerID int64) (func(context.Context) error, error) {
	key := fmt.Sprintf("%s:%d", l.prefix, ownerID)
	token := uuid.NewString()

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire %s: %w", key, err)
		}

		if ok {
			return func(ctx context.Context) error {
				return l.release(ctx, key, token)
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%s: %w", key, ErrLockTimeout)
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *RefreshLocker) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}

	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrLockNotHeld)
	}

	return nil
}
