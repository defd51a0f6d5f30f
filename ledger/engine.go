/*
engine.go - Orchestration of record, reverse and read operations

RECORD FLOW:
  1. Validator.Prepare     static rules, no lock held
  2. Locker.Lock(keys)     every (material, warehouse) the movement touches
  3. Store.Version(keys)   versions read before the fold
  4. Validator.Decide      stock rule against the folded history
  5. Store.AppendGuarded   commits only if no version moved since step 3
  6. Calculator.Invalidate cached snapshots for the touched keys
  7. unlock

  Steps 2-7 form one attempt. A conflict at step 5 means another process
  (sharing the database but not the lock) wrote to one of the keys; the
  attempt is repeated up to MaxCommitAttempts times, re-validating each time.

REVERSAL:
  A compensating movement with origin and destination swapped, same
  material and quantity, dated max(now, original date). It runs through the
  same flow, so reversing an ENTRADA whose stock was already consumed is
  rejected with InsufficientStock. Reversals are never retried.

CANCELLATION:
  ctx is checked before locking, after locking and right before the
  append. A cancelled Record persists nothing.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const DefaultMaxCommitAttempts = 3

type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

type Engine struct {
	Store      Store
	Validator  *Validator
	Calculator *Calculator
	Locker     Locker
	Clock      Clock
	Logger     zerolog.Logger

	MaxCommitAttempts int
}

// Options tunes NewEngine. Zero values select in-process defaults.
type Options struct {
	Warehouses        WarehouseDirectory
	Cache             BalanceCache
	Locker            Locker
	Clock             Clock
	Logger            *zerolog.Logger
	MaxCommitAttempts int
}

func NewEngine(store Store, materials MaterialDirectory, opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	locker := opts.Locker
	if locker == nil {
		locker = NewKeyedMutex()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	attempts := opts.MaxCommitAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCommitAttempts
	}

	logger = logger.With().Str("component", "ledger").Logger()
	calc := NewCalculator(store, opts.Cache, clock)
	calc.Logger = logger
	return &Engine{
		Store: store,
		Validator: &Validator{
			Materials:  materials,
			Warehouses: opts.Warehouses,
			Calculator: calc,
		},
		Calculator:        calc,
		Locker:            locker,
		Clock:             clock,
		Logger:            logger,
		MaxCommitAttempts: attempts,
	}
}

// =============================================================================
// WRITES
// =============================================================================

// Record validates and commits a movement. Rejections are returned as
// *Rejection errors and leave the ledger untouched.
func (e *Engine) Record(ctx context.Context, in Intent) (MovementID, error) {
	m, err := e.run(ctx, in, false)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// RecordMovement is Record returning the committed movement.
func (e *Engine) RecordMovement(ctx context.Context, in Intent) (Movement, error) {
	m, err := e.run(ctx, in, false)
	if err != nil {
		return Movement{}, err
	}
	return e.Store.Get(ctx, m.ID)
}

// Validate runs every rule, including the stock rule, without committing.
func (e *Engine) Validate(ctx context.Context, in Intent) (Movement, error) {
	return e.run(ctx, in, true)
}

// Reverse appends the compensating movement of id.
func (e *Engine) Reverse(ctx context.Context, id MovementID) (MovementID, error) {
	orig, err := e.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.IsReversal() {
		return "", fmt.Errorf("%w: %s reverses %s", ErrNotReversible, orig.ID, orig.Reverses)
	}

	in, err := ReversalIntent(orig, e.Clock())
	if err != nil {
		return "", err
	}

	m, err := e.run(ctx, in, false)
	if err != nil {
		e.Logger.Warn().Err(err).Str("movement_id", string(id)).Msg("reversal failed")
		return "", err
	}
	return m.ID, nil
}

// ReversalIntent builds the compensating intent for orig.
func ReversalIntent(orig Movement, now time.Time) (Intent, error) {
	var t MovementType
	switch orig.Type() {
	case Entrada:
		t = Salida
	case Salida:
		t = Entrada
	case Transferencia:
		t = Transferencia
	default:
		return Intent{}, fmt.Errorf("%w: unknown type %q", ErrNotReversible, orig.Type())
	}

	date := now
	if orig.Date.After(now) {
		date = orig.Date
	}

	return Intent{
		Type:        t,
		MaterialID:  orig.MaterialID,
		Quantity:    orig.Quantity,
		Date:        date,
		Origin:      orig.Destination(),
		Destination: orig.Origin(),
		Reference:   string(orig.ID),
		Description: fmt.Sprintf("reversal of %s", orig.ID),
		reverses:    orig.ID,
	}, nil
}

func (e *Engine) run(ctx context.Context, in Intent, dryRun bool) (Movement, error) {
	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}

	d, err := e.Validator.Prepare(ctx, in)
	if err != nil {
		e.logFailure(in, err)
		return Movement{}, err
	}

	attempts := e.MaxCommitAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCommitAttempts
	}
	if d.Movement.IsReversal() {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		m, err := e.attempt(ctx, d, dryRun)
		if err == nil {
			if !dryRun {
				e.Logger.Info().
					Str("movement_id", string(m.ID)).
					Str("type", string(m.Type())).
					Str("material_id", string(m.MaterialID)).
					Str("quantity", m.Quantity.String()).
					Time("date", m.Date).
					Str("reverses", string(m.Reverses)).
					Int("attempt", attempt).
					Msg("movement recorded")
			}
			return m, nil
		}
		if errors.Is(err, ErrConcurrencyConflict) && attempt < attempts {
			e.Logger.Debug().Int("attempt", attempt).Str("material_id", string(in.MaterialID)).Msg("commit conflict, retrying")
			continue
		}
		e.logFailure(in, err)
		return Movement{}, err
	}
}

// attempt is one locked read-validate-append cycle.
func (e *Engine) attempt(ctx context.Context, d Draft, dryRun bool) (Movement, error) {
	keys := d.Movement.Keys()

	unlock, err := e.Locker.Lock(ctx, keys...)
	if err != nil {
		return Movement{}, err
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}

	expect := make([]KeyVersion, 0, len(keys))
	for _, k := range keys {
		v, err := e.Store.Version(ctx, k)
		if err != nil {
			return Movement{}, Storage("version", err)
		}
		expect = append(expect, KeyVersion{Key: k, Version: v})
	}

	if orig := d.Movement.Reverses; orig != "" {
		existing, err := e.Store.FindReversal(ctx, orig)
		if err != nil {
			return Movement{}, Storage("find reversal", err)
		}
		if existing != nil {
			return Movement{}, fmt.Errorf("%w: %s by %s", ErrAlreadyReversed, orig, existing.ID)
		}
	}

	if err := e.Validator.Decide(ctx, d); err != nil {
		return Movement{}, err
	}
	if dryRun {
		return d.Movement, nil
	}

	if err := ctx.Err(); err != nil {
		return Movement{}, err
	}

	m := d.Movement
	m.RecordedAt = e.Clock()
	id, err := e.Store.AppendGuarded(ctx, m, expect)
	if err != nil {
		return Movement{}, Storage("append", err)
	}
	m.ID = id

	e.Calculator.Invalidate(context.WithoutCancel(ctx), keys...)
	return m, nil
}

func (e *Engine) logFailure(in Intent, err error) {
	if rej := RejectionOf(err); rej != nil {
		e.Logger.Warn().
			Str("reason", string(rej.Reason)).
			Str("type", string(in.Type)).
			Str("material_id", string(in.MaterialID)).
			Str("quantity", in.Quantity.String()).
			Msg(rej.Message)
		return
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Logger.Info().Err(err).Str("material_id", string(in.MaterialID)).Msg("record cancelled")
	case IsClientError(err):
		e.Logger.Warn().Err(err).Msg("movement refused")
	default:
		e.Logger.Error().Err(err).Str("material_id", string(in.MaterialID)).Msg("record failed")
	}
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetMovement(ctx context.Context, id MovementID) (Movement, error) {
	return e.Store.Get(ctx, id)
}

func (e *Engine) ListMovements(ctx context.Context, f Filter) ([]Movement, error) {
	return e.Store.List(ctx, f)
}

// GetBalance returns the balance at asOf, or the current balance when asOf
// is nil.
func (e *Engine) GetBalance(ctx context.Context, materialID MaterialID, warehouseID WarehouseID, asOf *time.Time) (decimal.Decimal, error) {
	if asOf == nil {
		return e.Calculator.CurrentBalance(ctx, materialID, warehouseID)
	}
	return e.Calculator.BalanceAsOf(ctx, materialID, warehouseID, *asOf)
}

type WarehouseBalance struct {
	WarehouseID WarehouseID
	Balance     decimal.Decimal
}

// StockByWarehouse returns the balance of a material in every warehouse that
// has history for it, ordered by warehouse id.
func (e *Engine) StockByWarehouse(ctx context.Context, materialID MaterialID, asOf time.Time) ([]WarehouseBalance, error) {
	keys, err := e.Store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []WarehouseBalance
	for _, k := range SortKeys(keys) {
		if k.MaterialID != materialID {
			continue
		}
		bal, err := e.Calculator.BalanceAsOf(ctx, k.MaterialID, k.WarehouseID, asOf)
		if err != nil {
			return nil, err
		}
		out = append(out, WarehouseBalance{WarehouseID: k.WarehouseID, Balance: bal})
	}
	return out, nil
}
