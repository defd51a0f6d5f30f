/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Movements:
    MovementRequest, MovementDTO, EndpointDTO, ValidationDTO

  Balances:
    BalanceDTO, StockDTO, WarehouseStockDTO

  Provenance:
    LabelDTO

  Directories:
    MaterialDTO, WarehouseDTO, PartyDTO

  Scenarios and audit:
    ScenarioDTO, LoadScenarioRequest, AuditDTO

QUANTITIES:
  decimal.Decimal marshals as a JSON string ("40.5") and unmarshals from a
  string or a number, so no precision is lost on the wire.

DATES:
  RFC 3339 timestamps. Request dates also accept a plain YYYY-MM-DD, read as
  midnight UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/provenance"
)

// =============================================================================
// MOVEMENTS
// =============================================================================

// EndpointDTO is one side of a movement. Exactly one of WarehouseID or
// PartyKind is set; both empty means no endpoint.
type EndpointDTO struct {
	WarehouseID string `json:"warehouse_id,omitempty"`
	PartyKind   string `json:"party_kind,omitempty"`
	PartyID     string `json:"party_id,omitempty"`
	PartyName   string `json:"party_name,omitempty"`

	// response only
	Label *LabelDTO `json:"label,omitempty"`
}

// MovementRequest is the body of POST /api/movements and /validate.
type MovementRequest struct {
	Type        string          `json:"type"`
	MaterialID  string          `json:"material_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit,omitempty"`
	Date        string          `json:"date,omitempty"`
	Origin      *EndpointDTO    `json:"origin,omitempty"`
	Destination *EndpointDTO    `json:"destination,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
}

type MovementDTO struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	MaterialID  string          `json:"material_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Date        string          `json:"date"`
	Origin      EndpointDTO     `json:"origin"`
	Destination EndpointDTO     `json:"destination"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	Reverses    string          `json:"reverses,omitempty"`
	ReversedBy  string          `json:"reversed_by,omitempty"`
	RecordedAt  string          `json:"recorded_at,omitempty"`
}

// ValidationDTO is the answer of the dry run.
type ValidationDTO struct {
	Valid    bool         `json:"valid"`
	Reason   string       `json:"reason,omitempty"`
	Message  string       `json:"message,omitempty"`
	Movement *MovementDTO `json:"movement,omitempty"`
}

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	MaterialID  string          `json:"material_id"`
	WarehouseID string          `json:"warehouse_id"`
	AsOf        string          `json:"as_of"`
	Balance     decimal.Decimal `json:"balance"`
	Unit        string          `json:"unit,omitempty"`
}

type WarehouseStockDTO struct {
	WarehouseID string          `json:"warehouse_id"`
	Label       string          `json:"label"`
	Balance     decimal.Decimal `json:"balance"`
}

type StockDTO struct {
	MaterialID string              `json:"material_id"`
	Unit       string              `json:"unit,omitempty"`
	AsOf       string              `json:"as_of"`
	Warehouses []WarehouseStockDTO `json:"warehouses"`
	Total      decimal.Decimal     `json:"total"`
}

// =============================================================================
// PROVENANCE
// =============================================================================

type LabelDTO struct {
	Text        string `json:"text"`
	Kind        string `json:"kind"`
	Ref         string `json:"ref,omitempty"`
	Found       bool   `json:"found"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// =============================================================================
// DIRECTORIES
// =============================================================================

type MaterialDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
	Unit string `json:"unit"`
}

type WarehouseDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

type PartyDTO struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

// =============================================================================
// SCENARIOS / AUDIT / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type AuditDTO struct {
	StartedAt  string         `json:"started_at"`
	Keys       int            `json:"keys"`
	Violations []ViolationDTO `json:"violations"`
	Errors     []string       `json:"errors,omitempty"`
}

type ViolationDTO struct {
	MaterialID  string          `json:"material_id"`
	WarehouseID string          `json:"warehouse_id"`
	MovementID  string          `json:"movement_id"`
	At          string          `json:"at"`
	Balance     decimal.Decimal `json:"balance"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (d *EndpointDTO) endpoint() ledger.Endpoint {
	if d == nil {
		return ledger.Endpoint{}
	}
	if d.WarehouseID != "" && d.PartyKind == "" {
		return ledger.AtWarehouse(ledger.WarehouseID(d.WarehouseID))
	}
	if d.PartyKind != "" {
		e := ledger.AtParty(ledger.ExternalParty{
			Kind: ledger.PartyKind(strings.ToUpper(d.PartyKind)),
			ID:   ledger.PartyID(d.PartyID),
			Name: d.PartyName,
		})
		// both set is a shape error for the validator to report
		e.Warehouse = ledger.WarehouseID(d.WarehouseID)
		return e
	}
	return ledger.Endpoint{}
}

func endpointDTO(e ledger.Endpoint) EndpointDTO {
	var d EndpointDTO
	switch {
	case e.IsWarehouse():
		d.WarehouseID = string(e.Warehouse)
	case e.IsParty():
		d.PartyKind = string(e.Party.Kind)
		d.PartyID = string(e.Party.ID)
		d.PartyName = e.Party.Name
	}
	return d
}

func (req MovementRequest) intent() (ledger.Intent, error) {
	in := ledger.Intent{
		Type:        ledger.MovementType(strings.ToUpper(req.Type)),
		MaterialID:  ledger.MaterialID(req.MaterialID),
		Quantity:    req.Quantity,
		Unit:        req.Unit,
		Origin:      req.Origin.endpoint(),
		Destination: req.Destination.endpoint(),
		Reference:   req.Reference,
		Description: req.Description,
	}
	if req.Date != "" {
		t, err := parseDate(req.Date)
		if err != nil {
			return in, err
		}
		in.Date = t
	}
	return in, nil
}

func movementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:          string(m.ID),
		Seq:         m.Seq,
		Type:        string(m.Type()),
		MaterialID:  string(m.MaterialID),
		Quantity:    m.Quantity,
		Date:        m.Date.UTC().Format(time.RFC3339Nano),
		Origin:      endpointDTO(m.Origin()),
		Destination: endpointDTO(m.Destination()),
		Reference:   m.Reference,
		Description: m.Description,
		Reverses:    string(m.Reverses),
		RecordedAt:  formatTime(m.RecordedAt),
	}
}

// formatTime renders t as RFC 3339, or "" for the zero time (dry runs).
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func labelDTO(l provenance.Label) *LabelDTO {
	return &LabelDTO{
		Text:        l.Text,
		Kind:        string(l.Kind),
		Ref:         l.Ref,
		Found:       l.Found,
		Unavailable: l.Unavailable,
	}
}

// parseDate accepts RFC 3339 or YYYY-MM-DD.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: use RFC 3339 or YYYY-MM-DD", s)
}

// parseBound is parseDate for inclusive upper bounds: a plain date means the
// end of that day.
func parseBound(s string) (time.Time, error) {
	t, err := parseDate(s)
	if err != nil {
		return t, err
	}
	if len(s) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
