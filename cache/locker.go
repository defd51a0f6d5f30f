package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// REDIS LOCKER
// =============================================================================

const (
	DefaultLockTTL = 10 * time.Second

	lockBackoffMin = 5 * time.Millisecond
	lockBackoffMax = 200 * time.Millisecond
)

// RedisLocker implements ledger.Locker with one redislock per key. Keys are
// obtained in sorted order. Obtain gives up at ctx's deadline, or after the
// TTL when ctx has none; the engine sees that as a concurrency conflict and
// retries.
//
// A scope that outlives its TTL is no longer exclusive. The guarded append
// still refuses a commit whose versions moved, so an expired lock costs a
// retry, never a negative balance.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With().Str("component", "redis_locker").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...ledger.BalanceKey) (func(), error) {
	keys = ledger.SortKeys(keys)
	opts := &redislock.Options{
		RetryStrategy: redislock.ExponentialBackoff(lockBackoffMin, lockBackoffMax),
	}

	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		// Release must run even when the caller's ctx is already cancelled
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.Warn().Err(err).Str("lock", held[i].Key()).Msg("release failed")
			}
		}
	}

	for _, k := range keys {
		lock, err := l.client.Obtain(ctx, l.prefix+"lock:"+k.String(), l.ttl, opts)
		if err != nil {
			release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: lock %s not obtained", ledger.ErrConcurrencyConflict, k)
			}
			return nil, fmt.Errorf("lock %s: %w", k, err)
		}
		held = append(held, lock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

var _ ledger.Locker = (*RedisLocker)(nil)
