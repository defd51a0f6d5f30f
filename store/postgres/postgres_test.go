package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/store/postgres"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// These tests need a disposable database; the schema is dropped between tests.
const databaseURLEnv = "LEDGER_TEST_DATABASE_URL"

var now = time.Date(2025, time.June, 2, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv(databaseURLEnv)
	if url == "" {
		t.Skipf("%s not set", databaseURLEnv)
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Reset(ctx))

	require.NoError(t, store.PutMaterial(ctx, ledger.Material{ID: "cement", Name: "Cemento gris", Code: "CEM", Unit: "kg"}))
	require.NoError(t, store.PutWarehouse(ctx, ledger.Warehouse{ID: "A", Name: "Bodega Central", Code: "BC"}))
	require.NoError(t, store.PutWarehouse(ctx, ledger.Warehouse{ID: "B", Name: "Obra Norte", Code: "ON"}))
	return store
}

func newTestEngine(store *postgres.Store) *ledger.Engine {
	return ledger.NewEngine(store, store, ledger.Options{
		Warehouses: store,
		Clock:      func() time.Time { return now },
	})
}

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func intent(typ ledger.MovementType, origin, dest ledger.Endpoint, q string) ledger.Intent {
	return ledger.Intent{Type: typ, MaterialID: "cement", Quantity: qty(q), Date: now, Origin: origin, Destination: dest}
}

// =============================================================================
// ENGINE OVER POSTGRES
// =============================================================================

func TestPostgres_CementScenario(t *testing.T) {
	// GIVEN: an empty ledger
	// WHEN: running entry, oversized exit and transfer
	// THEN: balances fold from the stored NUMERIC quantities

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()
	a, b := ledger.AtWarehouse("A"), ledger.AtWarehouse("B")

	_, err := engine.Record(ctx, intent(ledger.Entrada, ledger.Endpoint{}, a, "100.5"))
	require.NoError(t, err)
	_, err = engine.Record(ctx, intent(ledger.Salida, a, ledger.Endpoint{}, "150"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
	_, err = engine.Record(ctx, intent(ledger.Transferencia, a, b, "40"))
	require.NoError(t, err)

	balA, err := engine.GetBalance(ctx, "cement", "A", nil)
	require.NoError(t, err)
	balB, err := engine.GetBalance(ctx, "cement", "B", nil)
	require.NoError(t, err)
	assert.True(t, qty("60.5").Equal(balA), balA.String())
	assert.True(t, qty("40").Equal(balB), balB.String())
}

func TestPostgres_TwoEnginesRacing(t *testing.T) {
	// GIVEN: two engines with separate in-process locks on one database
	// WHEN: they race to drain 30 units in exits of 10
	// THEN: the advisory locks let exactly three through

	store := newTestStore(t)
	other, err := postgres.New(context.Background(), os.Getenv(databaseURLEnv))
	require.NoError(t, err)
	defer other.Close()

	ctx := context.Background()
	e1, e2 := newTestEngine(store), newTestEngine(other)
	a := ledger.AtWarehouse("A")
	_, err = e1.Record(ctx, intent(ledger.Entrada, ledger.Endpoint{}, a, "30"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 6; i++ {
		e := e1
		if i%2 == 1 {
			e = e2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Record(ctx, intent(ledger.Salida, a, ledger.Endpoint{}, "10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.True(t, ledger.IsClientError(err) || ledger.IsRetryable(err), err.Error())
		}()
	}
	wg.Wait()

	bal, err := e1.GetBalance(ctx, "cement", "A", nil)
	require.NoError(t, err)
	assert.False(t, bal.IsNegative())
	assert.Equal(t, 3-int(bal.Div(qty("10")).IntPart()), succeeded)
}

func TestPostgres_ReversalRoundTrip(t *testing.T) {
	// GIVEN: a stored exit to a client
	// WHEN: reversing it twice
	// THEN: stock returns once and the second attempt is refused

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()
	a := ledger.AtWarehouse("A")
	client := ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyClient, ID: "42"})

	_, err := engine.Record(ctx, intent(ledger.Entrada, ledger.Endpoint{}, a, "50"))
	require.NoError(t, err)
	out, err := engine.Record(ctx, intent(ledger.Salida, a, client, "20"))
	require.NoError(t, err)

	rev, err := engine.Reverse(ctx, out)
	require.NoError(t, err)
	_, err = engine.Reverse(ctx, out)
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	stored, err := store.Get(ctx, rev)
	require.NoError(t, err)
	assert.Equal(t, ledger.Entrada, stored.Type())
	assert.Equal(t, out, stored.Reverses)
	require.True(t, stored.Origin().IsParty())
	assert.Equal(t, ledger.PartyID("42"), stored.Origin().Party.ID)

	found, err := store.FindReversal(ctx, out)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rev, found.ID)

	bal, err := engine.GetBalance(ctx, "cement", "A", nil)
	require.NoError(t, err)
	assert.True(t, qty("50").Equal(bal), bal.String())
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestPostgres_OrderingVersionsAndGuard(t *testing.T) {
	// GIVEN: movements appended out of date order
	// WHEN: listing, versioning and appending with a stale version
	// THEN: order is (date, seq), versions count touches, the stale append fails

	store := newTestStore(t)
	ctx := context.Background()
	body, err := ledger.NewBody(ledger.Entrada, ledger.Endpoint{}, ledger.AtWarehouse("A"))
	require.NoError(t, err)

	mk := func(day int, q string) ledger.Movement {
		return ledger.Movement{MaterialID: "cement", Quantity: qty(q), Date: now.AddDate(0, 0, day), Body: body}
	}
	_, err = store.Append(ctx, mk(2, "1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, mk(1, "2"))
	require.NoError(t, err)
	_, err = store.Append(ctx, mk(2, "3"))
	require.NoError(t, err)

	movs, err := store.ListFor(ctx, "cement", nil, ledger.DateRange{})
	require.NoError(t, err)
	require.Len(t, movs, 3)
	assert.True(t, qty("2").Equal(movs[0].Quantity))
	assert.True(t, qty("1").Equal(movs[1].Quantity))
	assert.True(t, qty("3").Equal(movs[2].Quantity))
	assert.True(t, movs[0].Date.Equal(now.AddDate(0, 0, 1)))

	key := ledger.BalanceKey{MaterialID: "cement", WarehouseID: "A"}
	v, err := store.Version(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = store.AppendGuarded(ctx, mk(3, "1"), []ledger.KeyVersion{{Key: key, Version: 2}})
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.BalanceKey{key}, keys)
}

func TestPostgres_MovementsAreAppendOnly(t *testing.T) {
	// GIVEN: a stored movement
	// WHEN: some other tool tries to UPDATE it
	// THEN: the trigger aborts the statement

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	id, err := engine.Record(ctx, intent(ledger.Entrada, ledger.Endpoint{}, ledger.AtWarehouse("A"), "5"))
	require.NoError(t, err)

	_, err = store.Pool().Exec(ctx, "UPDATE movements SET quantity = 500 WHERE id = $1", id)
	assert.Error(t, err)
}

func TestPostgres_Directories(t *testing.T) {
	// GIVEN: parties and a referenced material
	// WHEN: looking up, deleting and changing the unit
	// THEN: lookups batch, deletions surface as missing, the unit is locked

	store := newTestStore(t)
	engine := newTestEngine(store)
	ctx := context.Background()

	require.NoError(t, store.PutParty(ctx, ledger.Party{Kind: ledger.PartyClient, ID: "1", Name: "Constructora Andes"}))
	require.NoError(t, store.PutParty(ctx, ledger.Party{Kind: ledger.PartyClient, ID: "2", Name: "Inmobiliaria Sur"}))

	found, err := store.LookupParties(ctx, ledger.PartyClient, []ledger.PartyID{"1", "2", "3"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "Constructora Andes", found["1"].Name)

	require.NoError(t, store.DeleteParty(ctx, ledger.PartyClient, "1"))
	found, err = store.LookupParties(ctx, ledger.PartyClient, []ledger.PartyID{"1"})
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, store.PutMaterial(ctx, ledger.Material{ID: "cement", Name: "Cemento", Unit: "bolsa"}))
	_, err = engine.Record(ctx, ledger.Intent{
		Type: ledger.Entrada, MaterialID: "cement", Quantity: qty("1"), Date: now,
		Destination: ledger.AtWarehouse("A"),
	})
	require.NoError(t, err)
	err = store.PutMaterial(ctx, ledger.Material{ID: "cement", Name: "Cemento", Unit: "kg"})
	assert.ErrorIs(t, err, ledger.ErrUnitLocked)

	m, err := store.GetMaterial(ctx, "cement")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bolsa", m.Unit)

	missing, err := store.GetWarehouse(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
