package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SNAPSHOT - Cached fold of one (material, warehouse) history
// =============================================================================

// Snapshot is the result of folding every movement of a key.
// Used for:
//   - Fast current-balance reads (skip the fold when nothing changed)
//   - Audit (the auditor compares refolds against what readers saw)
type Snapshot struct {
	Balance decimal.Decimal

	// Version is Store.Version(key) read before the fold started.
	Version int64

	// Through is the Date of the latest movement folded. Queries for an
	// earlier instant cannot use the snapshot.
	Through time.Time
}

// Current reports whether s can answer a query at asOf given the store's
// current version of the key.
func (s Snapshot) Current(version int64, asOf time.Time) bool {
	return s.Version == version && !asOf.Before(s.Through)
}

// =============================================================================
// BALANCE CACHE - Where snapshots live
// =============================================================================

// BalanceCache stores snapshots. Implementations may lose entries at any
// time; a miss only costs a fold.
type BalanceCache interface {
	Get(ctx context.Context, key BalanceKey) (Snapshot, bool, error)
	Put(ctx context.Context, key BalanceKey, s Snapshot) error
	Invalidate(ctx context.Context, keys ...BalanceKey) error
}

// MemoryCache is an in-process BalanceCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[BalanceKey]Snapshot
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[BalanceKey]Snapshot)}
}

func (c *MemoryCache) Get(_ context.Context, key BalanceKey) (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.entries[key]
	return s, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, key BalanceKey, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// never replace a newer snapshot with one from a slower fill
	if cur, ok := c.entries[key]; ok && cur.Version > s.Version {
		return nil
	}
	c.entries[key] = s
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, keys ...BalanceKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
