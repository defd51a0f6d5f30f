/*
Package provenance turns movement endpoints into display labels.

LABELS:
  empty endpoint        "-"
  warehouse             "Bodega Central (BC)"     or "Warehouse #A (not found)"
  CLIENT / PROVIDER     "CLIENT: Constructora Andes" or "CLIENT #42 (not found)"
  CUSTOM                the free text stored on the movement

A label is never an error. The referenced party may have been deleted, the
directory may be slow or down; every such case degrades to the NotFound
label that still carries the raw id, and is logged.

BATCHING:
  Party and warehouse lookups go through per-request dataloaders, so
  resolving the endpoints of a page of movements costs one directory call
  per party kind. Middleware attaches fresh loaders to each HTTP request;
  calls without them get loaders scoped to that one call.

GUARDS:
  Every batch is bounded by Timeout and runs through a CircuitBreaker.
  Labels are resolved outside any ledger lock.
*/
package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
)

const (
	DefaultTimeout = 500 * time.Millisecond

	// Empty is the label of an absent endpoint.
	Empty = "-"
)

// =============================================================================
// LABEL
// =============================================================================

type LabelKind string

const (
	LabelNone      LabelKind = "NONE"
	LabelWarehouse LabelKind = "WAREHOUSE"
	LabelParty     LabelKind = "PARTY"
	LabelCustom    LabelKind = "CUSTOM"
)

type Label struct {
	Text string
	Kind LabelKind

	// Ref is the raw id (warehouse or party), empty for CUSTOM and NONE.
	Ref string

	// Found is false for NotFound labels.
	Found bool

	// Unavailable is set when the directory failed rather than answered.
	Unavailable bool
}

func (l Label) String() string { return l.Text }

func notFound(prefix, id string, unavailable bool) Label {
	return Label{
		Text:        fmt.Sprintf("%s #%s (not found)", prefix, id),
		Ref:         id,
		Unavailable: unavailable,
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	Warehouses ledger.WarehouseDirectory
	Parties    ledger.PartyDirectory
	Timeout    time.Duration
	Breaker    *CircuitBreaker
	Logger     zerolog.Logger
}

type Options struct {
	Timeout time.Duration
	Breaker *CircuitBreaker
	Logger  *zerolog.Logger
}

// New builds a resolver. parties may be nil when no party directory exists;
// CLIENT and PROVIDER labels are then always NotFound.
func New(warehouses ledger.WarehouseDirectory, parties ledger.PartyDirectory, opts Options) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{})
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Resolver{
		Warehouses: warehouses,
		Parties:    parties,
		Timeout:    timeout,
		Breaker:    breaker,
		Logger:     logger.With().Str("component", "provenance").Logger(),
	}
}

// Resolve labels one endpoint.
func (r *Resolver) Resolve(ctx context.Context, e ledger.Endpoint) Label {
	return r.ResolveMany(ctx, []ledger.Endpoint{e})[0]
}

// ResolveMany labels endpoints in order. All directory lookups are queued
// before any is awaited so they share batches.
func (r *Resolver) ResolveMany(ctx context.Context, endpoints []ledger.Endpoint) []Label {
	loaders := For(ctx)
	if loaders == nil {
		loaders = r.NewLoaders()
	}

	pending := make([]func() Label, len(endpoints))
	for i, e := range endpoints {
		pending[i] = r.queue(ctx, loaders, e)
	}

	labels := make([]Label, len(endpoints))
	for i, get := range pending {
		labels[i] = get()
	}
	return labels
}

func (r *Resolver) queue(ctx context.Context, loaders *Loaders, e ledger.Endpoint) func() Label {
	switch {
	case e.IsZero():
		return func() Label { return Label{Text: Empty, Kind: LabelNone, Found: true} }

	case e.IsWarehouse():
		id := e.Warehouse
		thunk := loaders.warehouses.Load(ctx, id)
		return func() Label {
			w, err := thunk()
			if err != nil || w == nil {
				l := notFound("Warehouse", string(id), err != nil)
				l.Kind = LabelWarehouse
				return l
			}
			text := w.Name
			if w.Code != "" {
				text = fmt.Sprintf("%s (%s)", w.Name, w.Code)
			}
			return Label{Text: text, Kind: LabelWarehouse, Ref: string(id), Found: true}
		}

	case e.Party.Kind == ledger.PartyCustom:
		text := e.Party.Name
		if text == "" {
			text = Empty
		}
		return func() Label { return Label{Text: text, Kind: LabelCustom, Found: true} }

	default:
		p := *e.Party
		loader, ok := loaders.parties[p.Kind]
		if !ok {
			return func() Label {
				l := notFound(string(p.Kind), string(p.ID), false)
				l.Kind = LabelParty
				return l
			}
		}
		thunk := loader.Load(ctx, p.ID)
		return func() Label {
			found, err := thunk()
			if err != nil || found == nil {
				l := notFound(string(p.Kind), string(p.ID), err != nil)
				l.Kind = LabelParty
				return l
			}
			return Label{
				Text:  fmt.Sprintf("%s: %s", p.Kind, found.Name),
				Kind:  LabelParty,
				Ref:   string(p.ID),
				Found: true,
			}
		}
	}
}

// =============================================================================
// DIRECTORY CALLS
// =============================================================================

// guard runs fn with the lookup timeout through the breaker. Failures come
// back wrapped in ErrDirectoryUnavailable and are logged.
func (r *Resolver) guard(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	err := r.Breaker.Execute(func() error { return fn(ctx) })
	if err == nil {
		return nil
	}

	level := zerolog.WarnLevel
	if errors.Is(err, ErrCircuitOpen) {
		level = zerolog.DebugLevel
	}
	r.Logger.WithLevel(level).Err(err).
		Str("lookup", what).
		Str("breaker", r.Breaker.State().String()).
		Msg("directory unavailable")
	return fmt.Errorf("%w: %s: %v", ledger.ErrDirectoryUnavailable, what, err)
}

func (r *Resolver) loadParties(kind ledger.PartyKind) dataloader.BatchFunc[ledger.PartyID, *ledger.Party] {
	return func(ctx context.Context, ids []ledger.PartyID) []*dataloader.Result[*ledger.Party] {
		if r.Parties == nil {
			return handleError[*ledger.Party](len(ids), nil)
		}

		var found map[ledger.PartyID]ledger.Party
		err := r.guard(ctx, string(kind), func(ctx context.Context) error {
			var err error
			found, err = r.Parties.LookupParties(ctx, kind, ids)
			return err
		})
		if err != nil {
			return handleError[*ledger.Party](len(ids), err)
		}

		results := make([]*dataloader.Result[*ledger.Party], len(ids))
		for i, id := range ids {
			res := &dataloader.Result[*ledger.Party]{}
			if p, ok := found[id]; ok {
				res.Data = &p
			}
			results[i] = res
		}
		return results
	}
}

// loadWarehouses has no batch form in the directory; ids are fetched one by
// one inside a single guarded call.
func (r *Resolver) loadWarehouses(ctx context.Context, ids []ledger.WarehouseID) []*dataloader.Result[*ledger.Warehouse] {
	if r.Warehouses == nil {
		return handleError[*ledger.Warehouse](len(ids), nil)
	}

	results := make([]*dataloader.Result[*ledger.Warehouse], len(ids))
	err := r.guard(ctx, "warehouse", func(ctx context.Context) error {
		for i, id := range ids {
			w, err := r.Warehouses.GetWarehouse(ctx, id)
			if err != nil {
				return err
			}
			results[i] = &dataloader.Result[*ledger.Warehouse]{Data: w}
		}
		return nil
	})
	if err != nil {
		return handleError[*ledger.Warehouse](len(ids), err)
	}
	return results
}

// handleError repeats err for every requested id.
func handleError[T any](n int, err error) []*dataloader.Result[T] {
	results := make([]*dataloader.Result[T], n)
	for i := range results {
		results[i] = &dataloader.Result[T]{Error: err}
	}
	return results
}
