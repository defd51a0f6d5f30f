/*
Package ledger provides the stock movement ledger and balance engine.

PURPOSE:
  Records material entries, exits and transfers between warehouses and
  derives the on-hand quantity of each material in each warehouse. The
  movement log is the only source of truth: balances are always computed
  by folding it, never kept in a counter that could drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Material, Warehouse: directory entities referenced by movements
  - ExternalParty: a client, provider or free-text party outside the network
  - Endpoint: loose origin/destination reference as received from callers
  - Body: sealed sum type (Entrada, Salida, Transferencia)
  - Movement: the immutable committed fact

DESIGN PRINCIPLES:
  1. Immutability: movements are never modified, only reversed
  2. Precision: quantities use decimal.Decimal, never float64
  3. Type safety: each movement variant carries only the fields valid for it
  4. Auditability: a reversal points at the movement it compensates

SEE ALSO:
  - store.go: persistence interface
  - balance.go: fold over history
  - validator.go: admissibility rules
  - engine.go: orchestration
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MaterialID string
type WarehouseID string
type PartyID string
type MovementID string

// =============================================================================
// DIRECTORY ENTITIES
// =============================================================================

// Material identifies a unit of stock. Unit must not change once a movement
// references the material.
type Material struct {
	ID   MaterialID
	Name string
	Code string
	Unit string // e.g. "kg", "unidad", "m3"
}

// Warehouse is a location that holds stock.
type Warehouse struct {
	ID   WarehouseID
	Name string
	Code string
}

type PartyKind string

const (
	PartyClient   PartyKind = "CLIENT"
	PartyProvider PartyKind = "PROVIDER"
	PartyCustom   PartyKind = "CUSTOM"
)

func (k PartyKind) Valid() bool {
	switch k {
	case PartyClient, PartyProvider, PartyCustom:
		return true
	}
	return false
}

// ExternalParty is an actor outside the warehouse network. CLIENT and
// PROVIDER parties are identified by ID and resolved through a directory;
// CUSTOM parties only have the free-text Name.
type ExternalParty struct {
	Kind PartyKind
	ID   PartyID
	Name string
}

func (p ExternalParty) valid() bool {
	switch p.Kind {
	case PartyClient, PartyProvider:
		return p.ID != ""
	case PartyCustom:
		return p.Name != ""
	}
	return false
}

func (p ExternalParty) String() string {
	if p.Kind == PartyCustom {
		return p.Name
	}
	return fmt.Sprintf("%s #%s", p.Kind, p.ID)
}

// Party is a resolved CLIENT or PROVIDER as returned by a PartyDirectory.
type Party struct {
	Kind PartyKind
	ID   PartyID
	Name string
}

// =============================================================================
// ENDPOINT - loose origin/destination reference
// =============================================================================

// Endpoint is an origin or destination as received from the outside world:
// a warehouse, an external party, or nothing. NewBody turns a pair of
// endpoints into a typed Body.
type Endpoint struct {
	Warehouse WarehouseID
	Party     *ExternalParty
}

func AtWarehouse(id WarehouseID) Endpoint { return Endpoint{Warehouse: id} }
func AtParty(p ExternalParty) Endpoint    { return Endpoint{Party: &p} }
func (e Endpoint) IsZero() bool           { return e.Warehouse == "" && e.Party == nil }
func (e Endpoint) IsWarehouse() bool      { return e.Warehouse != "" && e.Party == nil }
func (e Endpoint) IsParty() bool          { return e.Party != nil && e.Warehouse == "" }
func (e Endpoint) Is(id WarehouseID) bool { return e.IsWarehouse() && e.Warehouse == id }

func (e Endpoint) String() string {
	switch {
	case e.IsWarehouse():
		return "warehouse #" + string(e.Warehouse)
	case e.IsParty():
		return e.Party.String()
	case e.IsZero():
		return "-"
	}
	return "invalid endpoint"
}

// =============================================================================
// MOVEMENT TYPE + BODY (sealed sum type)
// =============================================================================

type MovementType string

const (
	Entrada       MovementType = "ENTRADA"       // inbound
	Salida        MovementType = "SALIDA"        // outbound
	Transferencia MovementType = "TRANSFERENCIA" // warehouse to warehouse
)

func (t MovementType) Valid() bool {
	switch t {
	case Entrada, Salida, Transferencia:
		return true
	}
	return false
}

// Body is the variant-specific part of a movement. The three implementations
// are the only ones; the unexported method keeps the set closed.
type Body interface {
	Type() MovementType
	Origin() Endpoint
	Destination() Endpoint
	// Source is the warehouse stock is taken from, empty for ENTRADA.
	Source() WarehouseID
	// Warehouses lists every warehouse whose balance the movement affects.
	Warehouses() []WarehouseID
	isBody()
}

// EntradaBody brings stock into a warehouse, optionally from an external party.
type EntradaBody struct {
	Into WarehouseID
	From *ExternalParty
}

// SalidaBody takes stock out of a warehouse, optionally to an external party.
type SalidaBody struct {
	From WarehouseID
	To   *ExternalParty
}

// TransferenciaBody moves stock between two distinct warehouses.
type TransferenciaBody struct {
	From WarehouseID
	To   WarehouseID
}

func (b EntradaBody) Type() MovementType        { return Entrada }
func (b EntradaBody) Source() WarehouseID       { return "" }
func (b EntradaBody) Warehouses() []WarehouseID { return []WarehouseID{b.Into} }
func (b EntradaBody) Destination() Endpoint     { return AtWarehouse(b.Into) }
func (b EntradaBody) Origin() Endpoint {
	if b.From == nil {
		return Endpoint{}
	}
	return AtParty(*b.From)
}
func (EntradaBody) isBody() {}

func (b SalidaBody) Type() MovementType        { return Salida }
func (b SalidaBody) Source() WarehouseID       { return b.From }
func (b SalidaBody) Warehouses() []WarehouseID { return []WarehouseID{b.From} }
func (b SalidaBody) Origin() Endpoint          { return AtWarehouse(b.From) }
func (b SalidaBody) Destination() Endpoint {
	if b.To == nil {
		return Endpoint{}
	}
	return AtParty(*b.To)
}
func (SalidaBody) isBody() {}

func (b TransferenciaBody) Type() MovementType        { return Transferencia }
func (b TransferenciaBody) Source() WarehouseID       { return b.From }
func (b TransferenciaBody) Warehouses() []WarehouseID { return []WarehouseID{b.From, b.To} }
func (b TransferenciaBody) Origin() Endpoint          { return AtWarehouse(b.From) }
func (b TransferenciaBody) Destination() Endpoint     { return AtWarehouse(b.To) }
func (TransferenciaBody) isBody()                     {}

// NewBody builds the typed variant for t from loose endpoints, enforcing the
// shape invariants of each movement type.
func NewBody(t MovementType, origin, destination Endpoint) (Body, error) {
	if !validEndpoint(origin) || !validEndpoint(destination) {
		return nil, fmt.Errorf("malformed endpoint")
	}

	switch t {
	case Entrada:
		if !destination.IsWarehouse() {
			return nil, fmt.Errorf("ENTRADA requires a destination warehouse")
		}
		if origin.IsWarehouse() {
			return nil, fmt.Errorf("ENTRADA origin must be empty or an external party, use TRANSFERENCIA between warehouses")
		}
		return EntradaBody{Into: destination.Warehouse, From: copyParty(origin.Party)}, nil

	case Salida:
		if !origin.IsWarehouse() {
			return nil, fmt.Errorf("SALIDA requires an origin warehouse")
		}
		if destination.IsWarehouse() {
			return nil, fmt.Errorf("SALIDA destination must be empty or an external party, use TRANSFERENCIA between warehouses")
		}
		return SalidaBody{From: origin.Warehouse, To: copyParty(destination.Party)}, nil

	case Transferencia:
		if !origin.IsWarehouse() || !destination.IsWarehouse() {
			return nil, fmt.Errorf("TRANSFERENCIA requires origin and destination warehouses")
		}
		if origin.Warehouse == destination.Warehouse {
			return nil, fmt.Errorf("TRANSFERENCIA origin and destination must differ")
		}
		return TransferenciaBody{From: origin.Warehouse, To: destination.Warehouse}, nil
	}

	return nil, fmt.Errorf("unknown movement type %q", t)
}

func validEndpoint(e Endpoint) bool {
	if e.Warehouse != "" && e.Party != nil {
		return false
	}
	if e.Party != nil && !e.Party.valid() {
		return false
	}
	return true
}

func copyParty(p *ExternalParty) *ExternalParty {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// =============================================================================
// MOVEMENT - the committed fact
// =============================================================================

// Movement is an immutable ledger record. ID and Seq are assigned by the
// Store at commit time; Seq breaks ties between movements with equal Date.
type Movement struct {
	ID          MovementID
	Seq         int64
	MaterialID  MaterialID
	Quantity    decimal.Decimal
	Date        time.Time
	Body        Body
	Reference   string
	Description string

	// Reverses is set on compensating movements only.
	Reverses   MovementID
	RecordedAt time.Time
}

// Clone returns a copy of m that shares no pointers with it.
func (m Movement) Clone() Movement {
	switch b := m.Body.(type) {
	case EntradaBody:
		b.From = copyParty(b.From)
		m.Body = b
	case SalidaBody:
		b.To = copyParty(b.To)
		m.Body = b
	}
	return m
}

func (m Movement) Type() MovementType    { return m.Body.Type() }
func (m Movement) Origin() Endpoint      { return m.Body.Origin() }
func (m Movement) Destination() Endpoint { return m.Body.Destination() }
func (m Movement) IsReversal() bool      { return m.Reverses != "" }

// Touches reports whether the movement affects the balance of warehouse w.
func (m Movement) Touches(w WarehouseID) bool {
	return m.Origin().Is(w) || m.Destination().Is(w)
}

// Delta is the signed effect of the movement on warehouse w: +quantity when
// w is the destination, -quantity when w is the origin.
func (m Movement) Delta(w WarehouseID) decimal.Decimal {
	delta := decimal.Zero
	if m.Destination().Is(w) {
		delta = delta.Add(m.Quantity)
	}
	if m.Origin().Is(w) {
		delta = delta.Sub(m.Quantity)
	}
	return delta
}

// Keys returns the balance keys this movement affects.
func (m Movement) Keys() []BalanceKey {
	ws := m.Body.Warehouses()
	keys := make([]BalanceKey, len(ws))
	for i, w := range ws {
		keys[i] = BalanceKey{MaterialID: m.MaterialID, WarehouseID: w}
	}
	return keys
}

// BalanceKey identifies one balance: a material in a warehouse.
type BalanceKey struct {
	MaterialID  MaterialID
	WarehouseID WarehouseID
}

func (k BalanceKey) String() string { return string(k.MaterialID) + "@" + string(k.WarehouseID) }

// =============================================================================
// INTENT - what a caller asks the engine to record
// =============================================================================

// Intent is a movement request before validation. It is deliberately loose:
// the Validator turns it into a typed Movement or rejects it.
type Intent struct {
	Type        MovementType
	MaterialID  MaterialID
	Quantity    decimal.Decimal
	Date        time.Time
	Origin      Endpoint
	Destination Endpoint
	Reference   string
	Description string

	// Unit, when set, must equal the material's declared unit.
	Unit string

	reverses MovementID
}
