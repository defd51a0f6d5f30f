/*
store.go - Persistence interface for movements and directories

APPEND-ONLY CONTRACT:
  - Append / AppendGuarded are the only writes
  - NO Update() or Delete() methods exist
  - Corrections are compensating movements (see Engine.Reverse)

ORDERING:
  ListFor and List return movements ascending by Date, then by Seq (the
  store-assigned insertion order). Balance folding depends on this order
  being deterministic.

VERSIONS:
  Version(key) counts the movements touching a (material, warehouse) pair.
  Because the log only grows, a version never repeats, which lets
  AppendGuarded detect concurrent writers without a separate counter.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite:           default server store
  - store/postgres:         multi-instance deployments
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - movement persistence (append-only)
// =============================================================================

type Store interface {
	// Append persists m, assigning ID (if empty), Seq and RecordedAt.
	Append(ctx context.Context, m Movement) (MovementID, error)

	// AppendGuarded appends m only if every key in expect still has the
	// given version. Returns ErrConcurrencyConflict otherwise.
	AppendGuarded(ctx context.Context, m Movement, expect []KeyVersion) (MovementID, error)

	// Get returns ErrMovementNotFound when id is unknown.
	Get(ctx context.Context, id MovementID) (Movement, error)

	// ListFor returns movements of a material, optionally restricted to those
	// touching one warehouse (as origin or destination) and to a date range.
	ListFor(ctx context.Context, materialID MaterialID, warehouseID *WarehouseID, r DateRange) ([]Movement, error)

	// List returns movements matching f, in ledger order.
	List(ctx context.Context, f Filter) ([]Movement, error)

	Version(ctx context.Context, key BalanceKey) (int64, error)

	// FindReversal returns the compensating movement of id, or nil.
	FindReversal(ctx context.Context, id MovementID) (*Movement, error)

	// Keys lists every (material, warehouse) pair with history.
	Keys(ctx context.Context) ([]BalanceKey, error)
}

type KeyVersion struct {
	Key     BalanceKey
	Version int64
}

// Filter selects movements for ListMovements. Zero fields do not filter.
type Filter struct {
	MaterialID  *MaterialID
	WarehouseID *WarehouseID
	Type        *MovementType
	Range       DateRange
	Limit       int
}

// =============================================================================
// DATE RANGE
// =============================================================================

// DateRange is an inclusive [From, To] range; a zero bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Through returns the range (-inf, t].
func Through(t time.Time) DateRange { return DateRange{To: t} }

func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r DateRange) Valid() bool {
	return r.From.IsZero() || r.To.IsZero() || !r.To.Before(r.From)
}

// Matches reports whether m satisfies f.
func (f Filter) Matches(m Movement) bool {
	if f.MaterialID != nil && m.MaterialID != *f.MaterialID {
		return false
	}
	if f.WarehouseID != nil && !m.Touches(*f.WarehouseID) {
		return false
	}
	if f.Type != nil && m.Type() != *f.Type {
		return false
	}
	return f.Range.Contains(m.Date)
}

// =============================================================================
// DIRECTORIES - consumed from the surrounding application
// =============================================================================

// MaterialDirectory resolves materials. A missing material is (nil, nil).
type MaterialDirectory interface {
	GetMaterial(ctx context.Context, id MaterialID) (*Material, error)
}

// WarehouseDirectory resolves warehouses. A missing warehouse is (nil, nil).
type WarehouseDirectory interface {
	GetWarehouse(ctx context.Context, id WarehouseID) (*Warehouse, error)
}

// PartyDirectory resolves CLIENT/PROVIDER parties in batches. Ids absent from
// the returned map are not found; parties may be deleted after a movement
// references them.
type PartyDirectory interface {
	LookupParties(ctx context.Context, kind PartyKind, ids []PartyID) (map[PartyID]Party, error)
}
