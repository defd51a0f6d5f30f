package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// REDIS BALANCE CACHE
// =============================================================================

// putSnapshot writes the hash unless the stored version is newer.
// KEYS[1] = hash, ARGV = balance, version, through, ttl ms (0 = none)
var putSnapshot = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'version', ARGV[2], 'through', ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// RedisBalanceCache stores snapshots as Redis hashes.
type RedisBalanceCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBalanceCache returns a cache whose entries expire after ttl
// (0 keeps them until invalidated).
func NewRedisBalanceCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisBalanceCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisBalanceCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *RedisBalanceCache) key(k ledger.BalanceKey) string {
	return c.prefix + "bal:" + k.String()
}

func (c *RedisBalanceCache) Get(ctx context.Context, key ledger.BalanceKey) (ledger.Snapshot, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	s, err := decodeSnapshot(fields)
	if err != nil {
		// an unreadable entry is a miss; the next fill overwrites it
		return ledger.Snapshot{}, false, nil
	}
	return s, true, nil
}

func (c *RedisBalanceCache) Put(ctx context.Context, key ledger.BalanceKey, s ledger.Snapshot) error {
	err := putSnapshot.Run(ctx, c.rdb, []string{c.key(key)},
		s.Balance.String(),
		s.Version,
		s.Through.UTC().Format(time.RFC3339Nano),
		c.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

func (c *RedisBalanceCache) Invalidate(ctx context.Context, keys ...ledger.BalanceKey) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

func decodeSnapshot(fields map[string]string) (ledger.Snapshot, error) {
	var (
		s   ledger.Snapshot
		err error
	)
	if s.Balance, err = decimal.NewFromString(fields["balance"]); err != nil {
		return s, err
	}
	if s.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return s, err
	}
	if s.Through, err = time.Parse(time.RFC3339Nano, fields["through"]); err != nil {
		return s, err
	}
	return s, nil
}

var _ ledger.BalanceCache = (*RedisBalanceCache)(nil)
