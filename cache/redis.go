/*
Package cache holds the Redis-backed collaborators of the ledger engine.

COMPONENTS:
  RedisBalanceCache: ledger.BalanceCache shared by every server instance
  RedisLocker:       ledger.Locker whose scopes hold across processes

Both are optional. A single instance runs with ledger.MemoryCache and
ledger.KeyedMutex; correctness never depends on Redis because every append
is guarded by the store's version check.

KEYS:
  <prefix>bal:<material>@<warehouse>   snapshot hash (balance, version, through)
  <prefix>lock:<material>@<warehouse>  redislock token
*/
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "stockledger:"

// NewRedisClient connects to addr and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}
