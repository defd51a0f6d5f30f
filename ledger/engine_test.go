package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, time.March, d, 9, 0, 0, 0, time.UTC)
}

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	engine *ledger.Engine
	store  *store.Memory
	dir    *store.Directory
}

func newFixture(t *testing.T, opts ledger.Options) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	dir := store.NewDirectory()
	require.NoError(t, dir.PutMaterial(ctx, ledger.Material{ID: "cement", Name: "Cemento Portland", Code: "CEM-01", Unit: "kg"}))
	require.NoError(t, dir.PutMaterial(ctx, ledger.Material{ID: "rebar", Name: "Varilla 3/8", Code: "VAR-38", Unit: "unidad"}))
	for _, w := range []ledger.WarehouseID{"A", "B", "C"} {
		require.NoError(t, dir.PutWarehouse(ctx, ledger.Warehouse{ID: w, Name: "Bodega " + string(w), Code: "B-" + string(w)}))
	}

	if opts.Clock == nil {
		opts.Clock = func() time.Time { return now }
	}
	if opts.Warehouses == nil {
		opts.Warehouses = dir
	}
	return &fixture{
		engine: ledger.NewEngine(mem, dir, opts),
		store:  mem,
		dir:    dir,
	}
}

func (f *fixture) balance(t *testing.T, mat ledger.MaterialID, w ledger.WarehouseID) decimal.Decimal {
	t.Helper()
	b, err := f.engine.Calculator.CurrentBalance(context.Background(), mat, w)
	require.NoError(t, err)
	return b
}

func (f *fixture) record(t *testing.T, in ledger.Intent) ledger.MovementID {
	t.Helper()
	id, err := f.engine.Record(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func entrada(mat ledger.MaterialID, into ledger.WarehouseID, q string, at time.Time) ledger.Intent {
	return ledger.Intent{
		Type:        ledger.Entrada,
		MaterialID:  mat,
		Quantity:    qty(q),
		Date:        at,
		Destination: ledger.AtWarehouse(into),
	}
}

func salida(mat ledger.MaterialID, from ledger.WarehouseID, q string, at time.Time) ledger.Intent {
	return ledger.Intent{
		Type:       ledger.Salida,
		MaterialID: mat,
		Quantity:   qty(q),
		Date:       at,
		Origin:     ledger.AtWarehouse(from),
	}
}

func transfer(mat ledger.MaterialID, from, to ledger.WarehouseID, q string, at time.Time) ledger.Intent {
	return ledger.Intent{
		Type:        ledger.Transferencia,
		MaterialID:  mat,
		Quantity:    qty(q),
		Date:        at,
		Origin:      ledger.AtWarehouse(from),
		Destination: ledger.AtWarehouse(to),
	}
}

func assertRejected(t *testing.T, err error, reason ledger.Reason) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrRejected)
	rej := ledger.RejectionOf(err)
	require.NotNil(t, rej, "expected a *Rejection, got %v", err)
	assert.Equal(t, reason, rej.Reason, rej.Message)
}

// =============================================================================
// CEMENT SCENARIO
// =============================================================================

func TestEngine_CementScenario(t *testing.T) {
	// GIVEN: warehouse A holds no cement
	// WHEN: entry 100, exit 150, transfer 40, then two concurrent exits of 40
	// THEN: balances follow the fold and exactly one concurrent exit succeeds

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()

	assert.True(t, f.balance(t, "cement", "A").IsZero())

	f.record(t, entrada("cement", "A", "100", now))
	assert.True(t, qty("100").Equal(f.balance(t, "cement", "A")))

	_, err := f.engine.Record(ctx, salida("cement", "A", "150", now))
	assertRejected(t, err, ledger.ReasonInsufficientStock)
	assert.True(t, qty("100").Equal(f.balance(t, "cement", "A")))

	f.record(t, transfer("cement", "A", "B", "40", now))
	assert.True(t, qty("60").Equal(f.balance(t, "cement", "A")))
	assert.True(t, qty("40").Equal(f.balance(t, "cement", "B")))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Record(ctx, salida("cement", "A", "40", now))
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.True(t, qty("20").Equal(f.balance(t, "cement", "A")))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestEngine_ConcurrentExits_NeverOverdraw(t *testing.T) {
	// GIVEN: 60 units in A
	// WHEN: 20 concurrent exits of 10 each
	// THEN: exactly 6 succeed and the balance ends at zero

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "60", now))

	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Record(ctx, salida("cement", "A", "10", now))
			if err == nil {
				ok.Add(1)
			} else if errors.Is(err, ledger.ErrInsufficientStock) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), ok.Load())
	assert.Equal(t, int32(14), rejected.Load())
	assert.True(t, f.balance(t, "cement", "A").IsZero())
}

// noLock lets every caller through, leaving AppendGuarded as the only guard.
type noLock struct{}

func (noLock) Lock(context.Context, ...ledger.BalanceKey) (func(), error) { return func() {}, nil }

func TestEngine_OptimisticCommit_WithoutLocks(t *testing.T) {
	// GIVEN: no per-key locking, 60 units in A
	// WHEN: two concurrent exits of 40
	// THEN: the guarded append detects the race and the retry rejects one

	f := newFixture(t, ledger.Options{Locker: noLock{}})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "60", now))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Record(ctx, salida("cement", "A", "40", now))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, qty("20").Equal(f.balance(t, "cement", "A")))
}

func TestEngine_UnrelatedKeys_DoNotContend(t *testing.T) {
	// GIVEN: a lock held on cement@A
	// WHEN: recording rebar into A
	// THEN: the record completes without waiting

	f := newFixture(t, ledger.Options{})
	unlock, err := f.engine.Locker.Lock(context.Background(), ledger.BalanceKey{MaterialID: "cement", WarehouseID: "A"})
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = f.engine.Record(ctx, entrada("rebar", "A", "5", now))
	assert.NoError(t, err)
}

// conflictingStore fails the first n guarded appends with a conflict.
type conflictingStore struct {
	*store.Memory
	remaining atomic.Int32
	calls     atomic.Int32
}

func (s *conflictingStore) AppendGuarded(ctx context.Context, m ledger.Movement, expect []ledger.KeyVersion) (ledger.MovementID, error) {
	s.calls.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return "", ledger.ErrConcurrencyConflict
	}
	return s.Memory.AppendGuarded(ctx, m, expect)
}

func newConflictEngine(t *testing.T, conflicts int32) (*ledger.Engine, *conflictingStore) {
	dir := store.NewDirectory()
	require.NoError(t, dir.PutMaterial(context.Background(), ledger.Material{ID: "cement", Unit: "kg"}))
	s := &conflictingStore{Memory: store.NewMemory()}
	s.remaining.Store(conflicts)
	e := ledger.NewEngine(s, dir, ledger.Options{Clock: func() time.Time { return now }})
	return e, s
}

func TestEngine_ConflictRetry_BoundedAttempts(t *testing.T) {
	t.Run("succeeds within the limit", func(t *testing.T) {
		e, s := newConflictEngine(t, 2)
		_, err := e.Record(context.Background(), entrada("cement", "A", "10", now))
		require.NoError(t, err)
		assert.Equal(t, int32(3), s.calls.Load())
		assert.Equal(t, 1, s.Len())
	})

	t.Run("surfaces the conflict after the limit", func(t *testing.T) {
		e, s := newConflictEngine(t, 5)
		_, err := e.Record(context.Background(), entrada("cement", "A", "10", now))
		assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
		assert.Equal(t, int32(ledger.DefaultMaxCommitAttempts), s.calls.Load())
		assert.Equal(t, 0, s.Len())
	})
}

// =============================================================================
// VALIDATION RULES
// =============================================================================

func TestEngine_RejectionReasons(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "50", now))

	client := ledger.ExternalParty{Kind: ledger.PartyClient, ID: "42"}

	tests := []struct {
		name   string
		intent ledger.Intent
		reason ledger.Reason
	}{
		{"zero quantity", entrada("cement", "A", "0", now), ledger.ReasonInvalidQuantity},
		{"negative quantity", salida("cement", "A", "-5", now), ledger.ReasonInvalidQuantity},
		{"zero quantity wins over bad shape", ledger.Intent{Type: ledger.Transferencia, MaterialID: "cement", Quantity: qty("0")}, ledger.ReasonInvalidQuantity},
		{"transfer to itself", transfer("cement", "A", "A", "5", now), ledger.ReasonInvalidShape},
		{"entrada without destination", ledger.Intent{Type: ledger.Entrada, MaterialID: "cement", Quantity: qty("1")}, ledger.ReasonInvalidShape},
		{"entrada from a warehouse", ledger.Intent{Type: ledger.Entrada, MaterialID: "cement", Quantity: qty("1"), Origin: ledger.AtWarehouse("B"), Destination: ledger.AtWarehouse("A")}, ledger.ReasonInvalidShape},
		{"salida to a warehouse", ledger.Intent{Type: ledger.Salida, MaterialID: "cement", Quantity: qty("1"), Origin: ledger.AtWarehouse("A"), Destination: ledger.AtWarehouse("B")}, ledger.ReasonInvalidShape},
		{"salida from a party", ledger.Intent{Type: ledger.Salida, MaterialID: "cement", Quantity: qty("1"), Origin: ledger.AtParty(client)}, ledger.ReasonInvalidShape},
		{"unknown type", ledger.Intent{Type: "AJUSTE", MaterialID: "cement", Quantity: qty("1")}, ledger.ReasonInvalidShape},
		{"unknown material", entrada("steel", "A", "1", now), ledger.ReasonUnknownMaterial},
		{"unknown warehouse", entrada("cement", "Z", "1", now), ledger.ReasonUnknownWarehouse},
		{"insufficient stock", salida("cement", "A", "50.001", now), ledger.ReasonInsufficientStock},
		{"insufficient stock wins over unit", func() ledger.Intent { in := salida("cement", "A", "80", now); in.Unit = "t"; return in }(), ledger.ReasonInsufficientStock},
		{"unit mismatch", func() ledger.Intent { in := salida("cement", "A", "5", now); in.Unit = "t"; return in }(), ledger.ReasonUnitMismatch},
		{"transfer from empty warehouse", transfer("cement", "B", "A", "1", now), ledger.ReasonInsufficientStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Record(ctx, tt.intent)
			assertRejected(t, err, tt.reason)
		})
	}
}

func TestEngine_Rejection_NeverPersists(t *testing.T) {
	// GIVEN: 100 units in A
	// WHEN: an oversized exit is rejected
	// THEN: history and balance are unchanged

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "100", now))

	before, err := f.engine.ListMovements(ctx, ledger.Filter{})
	require.NoError(t, err)

	_, err = f.engine.Record(ctx, salida("cement", "A", "101", now))
	assertRejected(t, err, ledger.ReasonInsufficientStock)

	after, err := f.engine.ListMovements(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, qty("100").Equal(f.balance(t, "cement", "A")))
}

func TestEngine_ExactStockCanBeDrained(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.record(t, entrada("cement", "A", "12.5", now))
	f.record(t, salida("cement", "A", "12.5", now))
	assert.True(t, f.balance(t, "cement", "A").IsZero())
}

func TestEngine_ExternalParties_AcceptedAsEndpoints(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()

	in := entrada("cement", "A", "30", now)
	in.Origin = ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyProvider, ID: "7"})
	id := f.record(t, in)

	out := salida("cement", "A", "10", now)
	out.Destination = ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyCustom, Name: "Obra Calle 5"})
	f.record(t, out)

	m, err := f.engine.GetMovement(ctx, id)
	require.NoError(t, err)
	body, ok := m.Body.(ledger.EntradaBody)
	require.True(t, ok)
	require.NotNil(t, body.From)
	assert.Equal(t, ledger.PartyID("7"), body.From.ID)
	assert.True(t, qty("20").Equal(f.balance(t, "cement", "A")))
}

// =============================================================================
// BACK-DATED MOVEMENTS
// =============================================================================

func TestEngine_BackdatedExit_CannotDriveHistoryNegative(t *testing.T) {
	// GIVEN: +100 on day 10, -80 on day 12 (balance 20 from day 12)
	// WHEN: exits dated day 11 and day 5
	// THEN: anything above 20 on day 11 is rejected, anything on day 5 is rejected

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "100", day(10)))
	f.record(t, salida("cement", "A", "80", day(12)))

	_, err := f.engine.Record(ctx, salida("cement", "A", "30", day(11)))
	assertRejected(t, err, ledger.ReasonInsufficientStock)

	_, err = f.engine.Record(ctx, salida("cement", "A", "1", day(5)))
	assertRejected(t, err, ledger.ReasonInsufficientStock)

	f.record(t, salida("cement", "A", "20", day(11)))
	assert.True(t, f.balance(t, "cement", "A").IsZero())

	tl, err := f.engine.Calculator.Timeline(ctx, ledger.BalanceKey{MaterialID: "cement", WarehouseID: "A"})
	require.NoError(t, err)
	assert.Nil(t, tl.FirstNegative())
}

func TestEngine_FutureDatedExit_LimitedByCurrentBalance(t *testing.T) {
	// GIVEN: nothing on hand today and an entry of 10 dated after today
	// WHEN: an exit is dated before or after that entry
	// THEN: both are refused, stock that has not arrived cannot leave

	for _, tc := range []struct {
		name  string
		cache ledger.BalanceCache
	}{
		{name: "fold", cache: nil},
		{name: "cached", cache: ledger.NewMemoryCache()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, ledger.Options{Cache: tc.cache})
			ctx := context.Background()
			f.record(t, entrada("cement", "A", "10", day(20)))

			// warm the snapshot so the cached run exercises its fast path
			_, err := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", day(25))
			require.NoError(t, err)

			_, err = f.engine.Record(ctx, salida("cement", "A", "5", day(18)))
			assertRejected(t, err, ledger.ReasonInsufficientStock)

			_, err = f.engine.Record(ctx, salida("cement", "A", "5", day(21)))
			assertRejected(t, err, ledger.ReasonInsufficientStock)

			assert.Equal(t, 1, f.store.Len())
			bal, err := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", day(22))
			require.NoError(t, err)
			assert.True(t, qty("10").Equal(bal))
		})
	}
}

func TestEngine_FutureDatedExit_CoveredByStockOnHand(t *testing.T) {
	// GIVEN: 8 on hand today and a future-dated exit of 6
	// WHEN: a second future exit would take the history below zero
	// THEN: the first is accepted, the second is refused

	f := newFixture(t, ledger.Options{Cache: ledger.NewMemoryCache()})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "8", day(10)))
	f.record(t, salida("cement", "A", "6", day(20)))

	_, err := f.engine.Record(ctx, salida("cement", "A", "3", day(18)))
	assertRejected(t, err, ledger.ReasonInsufficientStock)

	f.record(t, salida("cement", "A", "2", day(25)))
	assert.True(t, qty("8").Equal(f.balance(t, "cement", "A")))
}

// =============================================================================
// BALANCE PROPERTIES
// =============================================================================

func TestEngine_Transfer_ConservesQuantity(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "75", day(1)))
	f.record(t, entrada("cement", "B", "5", day(1)))

	beforeA, _ := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", day(2))
	beforeB, _ := f.engine.Calculator.BalanceAsOf(ctx, "cement", "B", day(2))

	f.record(t, transfer("cement", "A", "B", "30.25", day(3)))

	afterA, _ := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", day(4))
	afterB, _ := f.engine.Calculator.BalanceAsOf(ctx, "cement", "B", day(4))

	deltaA := afterA.Sub(beforeA)
	deltaB := afterB.Sub(beforeB)
	assert.True(t, qty("-30.25").Equal(deltaA))
	assert.True(t, qty("30.25").Equal(deltaB))
	assert.True(t, deltaA.Add(deltaB).IsZero())
}

func TestEngine_Fold_IsDeterministic(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "0.1", day(1)))
	f.record(t, entrada("cement", "A", "0.2", day(1)))
	f.record(t, transfer("cement", "A", "B", "0.3", day(2)))
	f.record(t, entrada("cement", "A", "7", day(3)))

	first, err := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", now)
	require.NoError(t, err)
	second, err := f.engine.Calculator.BalanceAsOf(ctx, "cement", "A", now)
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, "7", first.String())
}

func TestEngine_Cache_AgreesWithFold(t *testing.T) {
	// GIVEN: two engines over the same history, one with a cache
	// WHEN: balances are read at several instants between writes
	// THEN: both always agree

	cache := ledger.NewMemoryCache()
	f := newFixture(t, ledger.Options{Cache: cache})
	ctx := context.Background()
	plain := ledger.NewCalculator(f.store, nil, func() time.Time { return now })

	check := func() {
		for _, at := range []time.Time{day(1), day(2), day(3), day(9), now} {
			for _, w := range []ledger.WarehouseID{"A", "B"} {
				cached, err := f.engine.Calculator.BalanceAsOf(ctx, "cement", w, at)
				require.NoError(t, err)
				folded, err := plain.BalanceAsOf(ctx, "cement", w, at)
				require.NoError(t, err)
				assert.True(t, folded.Equal(cached), "%s at %s: fold %s cache %s", w, at, folded, cached)
			}
		}
	}

	f.record(t, entrada("cement", "A", "40", day(2)))
	check()
	f.record(t, transfer("cement", "A", "B", "15", day(3)))
	check()
	f.record(t, salida("cement", "A", "5", day(2)))
	check()
	assert.Positive(t, cache.Len())
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Get(context.Context, ledger.BalanceKey) (ledger.Snapshot, bool, error) {
	return ledger.Snapshot{}, false, errCacheDown
}
func (brokenCache) Put(context.Context, ledger.BalanceKey, ledger.Snapshot) error { return errCacheDown }
func (brokenCache) Invalidate(context.Context, ...ledger.BalanceKey) error        { return errCacheDown }

func TestEngine_Cache_FailuresAreLoggedNotReturned(t *testing.T) {
	// GIVEN: a cache whose every call fails
	// WHEN: recording movements and reading balances
	// THEN: results come from the fold and each failure is logged

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	f := newFixture(t, ledger.Options{Cache: brokenCache{}, Logger: &logger})

	f.record(t, entrada("cement", "A", "12", day(1)))
	f.record(t, salida("cement", "A", "5", day(2)))
	assert.True(t, qty("7").Equal(f.balance(t, "cement", "A")))

	out := buf.String()
	assert.Contains(t, out, "balance cache invalidate failed")
	assert.Contains(t, out, "balance cache read failed")
	assert.Contains(t, out, "balance cache write failed")
	assert.Contains(t, out, "cache down")
}

func TestEngine_Cache_StaleSnapshotIgnored(t *testing.T) {
	cache := ledger.NewMemoryCache()
	f := newFixture(t, ledger.Options{Cache: cache})
	ctx := context.Background()
	key := ledger.BalanceKey{MaterialID: "cement", WarehouseID: "A"}

	f.record(t, entrada("cement", "A", "10", day(1)))
	require.NoError(t, cache.Put(ctx, key, ledger.Snapshot{Balance: qty("999"), Version: 0, Through: day(1)}))

	assert.True(t, qty("10").Equal(f.balance(t, "cement", "A")))
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestEngine_Reverse_RestoresBalance(t *testing.T) {
	// GIVEN: a transfer of 40 from A to B
	// WHEN: it is reversed
	// THEN: balances are as if it never happened and both records stay visible

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "100", day(1)))
	tid := f.record(t, transfer("cement", "A", "B", "40", day(2)))

	rid, err := f.engine.Reverse(ctx, tid)
	require.NoError(t, err)

	assert.True(t, qty("100").Equal(f.balance(t, "cement", "A")))
	assert.True(t, f.balance(t, "cement", "B").IsZero())

	rev, err := f.engine.GetMovement(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, ledger.Transferencia, rev.Type())
	assert.Equal(t, tid, rev.Reverses)
	assert.Equal(t, string(tid), rev.Reference)
	assert.Equal(t, ledger.AtWarehouse("B"), rev.Origin())
	assert.Equal(t, ledger.AtWarehouse("A"), rev.Destination())
	assert.Equal(t, now, rev.Date)

	orig, err := f.engine.GetMovement(ctx, tid)
	require.NoError(t, err)
	assert.True(t, qty("40").Equal(orig.Quantity))

	all, err := f.engine.ListMovements(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEngine_Reverse_EntradaBecomesSalida(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()

	in := entrada("cement", "A", "25", day(1))
	in.Origin = ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyProvider, ID: "9"})
	id := f.record(t, in)

	rid, err := f.engine.Reverse(ctx, id)
	require.NoError(t, err)

	rev, err := f.engine.GetMovement(ctx, rid)
	require.NoError(t, err)
	body, ok := rev.Body.(ledger.SalidaBody)
	require.True(t, ok)
	assert.Equal(t, ledger.WarehouseID("A"), body.From)
	require.NotNil(t, body.To)
	assert.Equal(t, ledger.PartyID("9"), body.To.ID)
	assert.True(t, f.balance(t, "cement", "A").IsZero())
}

func TestEngine_Reverse_Refusals(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "50", day(1)))
	sid := f.record(t, salida("cement", "A", "10", day(2)))

	rid, err := f.engine.Reverse(ctx, sid)
	require.NoError(t, err)

	_, err = f.engine.Reverse(ctx, sid)
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	_, err = f.engine.Reverse(ctx, rid)
	assert.ErrorIs(t, err, ledger.ErrNotReversible)

	_, err = f.engine.Reverse(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrMovementNotFound)

	assert.True(t, qty("50").Equal(f.balance(t, "cement", "A")))
}

func TestEngine_Reverse_ConsumedEntradaRejected(t *testing.T) {
	// GIVEN: an entry of 30 of which 20 already left
	// WHEN: the entry is reversed
	// THEN: the reversal is rejected instead of driving A negative

	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	eid := f.record(t, entrada("cement", "A", "30", day(1)))
	f.record(t, salida("cement", "A", "20", day(2)))

	_, err := f.engine.Reverse(ctx, eid)
	assertRejected(t, err, ledger.ReasonInsufficientStock)
	assert.True(t, qty("10").Equal(f.balance(t, "cement", "A")))
}

func TestEngine_Reverse_Concurrent_OnlyOnce(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	eid := f.record(t, entrada("cement", "A", "30", day(1)))

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Reverse(ctx, eid); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.True(t, f.balance(t, "cement", "A").IsZero())
}

// =============================================================================
// DRY RUN, CANCELLATION, STORAGE FAILURE
// =============================================================================

func TestEngine_Validate_DoesNotCommit(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "10", now))

	m, err := f.engine.Validate(ctx, salida("cement", "A", "10", now))
	require.NoError(t, err)
	assert.Empty(t, m.ID)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.engine.Validate(ctx, salida("cement", "A", "11", now))
	assertRejected(t, err, ledger.ReasonInsufficientStock)
}

func TestEngine_Record_CancelledContext_PersistsNothing(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Record(ctx, entrada("cement", "A", "10", now))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.store.Len())
}

func TestEngine_Record_CancelledWhileWaitingForScope(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	unlock, err := f.engine.Locker.Lock(context.Background(), ledger.BalanceKey{MaterialID: "cement", WarehouseID: "A"})
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.Record(ctx, entrada("cement", "A", "10", now))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.store.Len())
}

type failingStore struct {
	*store.Memory
}

func (failingStore) AppendGuarded(context.Context, ledger.Movement, []ledger.KeyVersion) (ledger.MovementID, error) {
	return "", errors.New("disk full")
}

func TestEngine_StorageFailure_Surfaced(t *testing.T) {
	dir := store.NewDirectory()
	require.NoError(t, dir.PutMaterial(context.Background(), ledger.Material{ID: "cement", Unit: "kg"}))
	mem := store.NewMemory()
	e := ledger.NewEngine(failingStore{mem}, dir, ledger.Options{})

	_, err := e.Record(context.Background(), entrada("cement", "A", "1", now))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStorageFailure)
	assert.False(t, ledger.IsClientError(err))

	var se *ledger.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)
	assert.Equal(t, 0, mem.Len())
}

// =============================================================================
// READS
// =============================================================================

func TestEngine_StockByWarehouse(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "100", day(1)))
	f.record(t, transfer("cement", "A", "C", "30", day(2)))
	f.record(t, entrada("rebar", "B", "8", day(2)))

	stock, err := f.engine.StockByWarehouse(ctx, "cement", now)
	require.NoError(t, err)
	require.Len(t, stock, 2)
	assert.Equal(t, ledger.WarehouseID("A"), stock[0].WarehouseID)
	assert.True(t, qty("70").Equal(stock[0].Balance))
	assert.Equal(t, ledger.WarehouseID("C"), stock[1].WarehouseID)
	assert.True(t, qty("30").Equal(stock[1].Balance))
}

func TestEngine_GetBalance_AsOf(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	ctx := context.Background()
	f.record(t, entrada("cement", "A", "10", day(1)))
	f.record(t, entrada("cement", "A", "5", day(3)))

	at := day(2)
	bal, err := f.engine.GetBalance(ctx, "cement", "A", &at)
	require.NoError(t, err)
	assert.True(t, qty("10").Equal(bal))

	bal, err = f.engine.GetBalance(ctx, "cement", "A", nil)
	require.NoError(t, err)
	assert.True(t, qty("15").Equal(bal))
}
