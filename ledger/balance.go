/*
balance.go - Balance derivation by folding the movement log

DEFINITION:
  BalanceAsOf(material, warehouse, t) is the signed sum of every committed
  movement of that material touching that warehouse with Date <= t:
    +quantity when the warehouse is the destination
    -quantity when the warehouse is the origin

  A TRANSFERENCIA therefore moves quantity between two balances and nets
  to zero across the network. Each warehouse leg is evaluated on its own
  against the single movement record.

CACHE:
  The calculator may consult a BalanceCache. A cached Snapshot is only used
  when its Version equals the store's current version for the key and the
  requested instant is not before Snapshot.Through. Anything else refolds.
  The fold stays the definition; the cache can be dropped at any time, so
  cache errors are logged and never returned.

AVAILABLE STOCK:
  An exit dated `at` may take at most
    min(balance now, balance at `at`, every later running balance)
  Stock that only arrives in the future cannot leave today, and a
  back-dated exit cannot push any later point below zero.

SEE ALSO:
  - timeline.go: running balances, used by the stock rule
  - snapshot.go: cache contract and in-memory implementation
*/
package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Fold sums the effect of movs on warehouse w for movements dated at or
// before asOf. movs must be in ledger order.
func Fold(movs []Movement, w WarehouseID, asOf time.Time) decimal.Decimal {
	balance := decimal.Zero
	for _, m := range movs {
		if m.Date.After(asOf) {
			break
		}
		balance = balance.Add(m.Delta(w))
	}
	return balance
}

// =============================================================================
// CALCULATOR
// =============================================================================

type Calculator struct {
	Store  Store
	Cache  BalanceCache // optional
	Clock  Clock
	Logger zerolog.Logger

	fills singleflight.Group
}

func NewCalculator(store Store, cache BalanceCache, clock Clock) *Calculator {
	if clock == nil {
		clock = SystemClock
	}
	return &Calculator{Store: store, Cache: cache, Clock: clock, Logger: zerolog.Nop()}
}

// CurrentBalance is BalanceAsOf at the calculator's current time.
func (c *Calculator) CurrentBalance(ctx context.Context, materialID MaterialID, warehouseID WarehouseID) (decimal.Decimal, error) {
	return c.BalanceAsOf(ctx, materialID, warehouseID, c.Clock())
}

// BalanceAsOf returns the on-hand quantity of a material in a warehouse at asOf.
func (c *Calculator) BalanceAsOf(ctx context.Context, materialID MaterialID, warehouseID WarehouseID, asOf time.Time) (decimal.Decimal, error) {
	key := BalanceKey{MaterialID: materialID, WarehouseID: warehouseID}

	if c.Cache == nil {
		return c.foldDirect(ctx, key, asOf)
	}

	if snap, ok := c.cached(ctx, key, asOf); ok {
		return snap.Balance, nil
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	fill, err := c.fill(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if fill.snapshot.Current(fill.snapshot.Version, asOf) {
		return fill.snapshot.Balance, nil
	}
	return Fold(fill.movements, warehouseID, asOf), nil
}

// Rebuild refolds the full history of key and stores it in the cache. It
// returns the folded snapshot even when no cache is configured.
func (c *Calculator) Rebuild(ctx context.Context, key BalanceKey) (Snapshot, error) {
	c.Invalidate(ctx, key)
	fill, err := c.fill(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	return fill.snapshot, nil
}

// Invalidate drops cached balances for keys. Called by the engine after
// every commit.
func (c *Calculator) Invalidate(ctx context.Context, keys ...BalanceKey) {
	if c.Cache == nil || len(keys) == 0 {
		return
	}
	if err := c.Cache.Invalidate(ctx, keys...); err != nil {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		c.Logger.Warn().Err(err).Strs("keys", names).Msg("balance cache invalidate failed")
	}
}

func (c *Calculator) foldDirect(ctx context.Context, key BalanceKey, asOf time.Time) (decimal.Decimal, error) {
	w := key.WarehouseID
	movs, err := c.Store.ListFor(ctx, key.MaterialID, &w, Through(asOf))
	if err != nil {
		return decimal.Zero, err
	}
	return Fold(movs, w, asOf), nil
}

// cached returns a snapshot only if it can answer a query at asOf.
func (c *Calculator) cached(ctx context.Context, key BalanceKey, asOf time.Time) (Snapshot, bool) {
	snap, ok, err := c.Cache.Get(ctx, key)
	if err != nil {
		c.Logger.Warn().Err(err).Str("key", key.String()).Msg("balance cache read failed")
		return Snapshot{}, false
	}
	if !ok {
		return Snapshot{}, false
	}
	version, err := c.Store.Version(ctx, key)
	if err != nil || !snap.Current(version, asOf) {
		return Snapshot{}, false
	}
	return snap, true
}

// Available returns how much of key can be withdrawn by a movement dated at.
// The answer never exceeds the current balance and never lets any point of
// the history at or after `at` go negative. A current snapshot answers when
// both now and at are past every folded movement.
func (c *Calculator) Available(ctx context.Context, key BalanceKey, at time.Time) (decimal.Decimal, error) {
	now := c.Clock()
	earliest := at
	if now.Before(earliest) {
		earliest = now
	}
	if c.Cache != nil {
		if snap, ok := c.cached(ctx, key, earliest); ok {
			return snap.Balance, nil
		}
	}
	t, err := c.Timeline(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Min(t.Available(at), t.BalanceAt(now)), nil
}

// Timeline returns the running balances of key over its whole history.
func (c *Calculator) Timeline(ctx context.Context, key BalanceKey) (Timeline, error) {
	w := key.WarehouseID
	movs, err := c.Store.ListFor(ctx, key.MaterialID, &w, DateRange{})
	if err != nil {
		return Timeline{}, err
	}
	return NewTimeline(key, movs), nil
}

type fillResult struct {
	snapshot  Snapshot
	movements []Movement
}

// fill folds the whole history of key once, even with many concurrent
// callers, and stores the result.
func (c *Calculator) fill(ctx context.Context, key BalanceKey) (fillResult, error) {
	v, err, _ := c.fills.Do(key.String(), func() (any, error) {
		// Version is read before the history so a concurrent append can only
		// make the snapshot look older than it is, never newer.
		version, err := c.Store.Version(ctx, key)
		if err != nil {
			return fillResult{}, err
		}
		w := key.WarehouseID
		movs, err := c.Store.ListFor(ctx, key.MaterialID, &w, DateRange{})
		if err != nil {
			return fillResult{}, err
		}

		snap := Snapshot{Balance: decimal.Zero, Version: version}
		for _, m := range movs {
			snap.Balance = snap.Balance.Add(m.Delta(w))
			snap.Through = m.Date
		}
		if c.Cache != nil {
			if err := c.Cache.Put(ctx, key, snap); err != nil {
				c.Logger.Warn().Err(err).Str("key", key.String()).Msg("balance cache write failed")
			}
		}
		return fillResult{snapshot: snap, movements: movs}, nil
	})
	if err != nil {
		return fillResult{}, err
	}
	return v.(fillResult), nil
}
