/*
handlers.go - HTTP API handlers for the stock movement ledger

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger and provenance packages.

ENDPOINTS:
  Movements:
    POST   /api/movements              Record a movement
    POST   /api/movements/validate     Dry run, nothing is committed
    GET    /api/movements              List (material_id, warehouse_id, type, from, to, limit)
    GET    /api/movements/{id}         Movement with resolved labels
    POST   /api/movements/{id}/reverse Append the compensating movement
    DELETE /api/movements/{id}         Same as reverse; history is never erased

  Balances:
    GET    /api/balances               Balance of material_id in warehouse_id (as_of)
    GET    /api/materials/{id}/stock   Balance per warehouse (as_of)

  Provenance:
    GET    /api/labels                 ?warehouse_id= or ?kind=&id=&name=

  Directories (seed data):
    GET/POST /api/materials, /api/warehouses, /api/parties
    DELETE   /api/parties/{kind}/{id}

  Admin:
    GET    /api/admin/audit            Last balance audit
    POST   /api/admin/audit            Run the balance audit now

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input (bad JSON, bad date, unknown type filter)
  - 404: Movement not found
  - 409: Already reversed, not reversible, unit locked, commit conflict
  - 422: Rejected movement, with the rejection reason
  - 503: Storage failure
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/provenance"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Catalog is the read/write directory behind the seed endpoints. The memory,
// sqlite and postgres stores all implement it.
type Catalog interface {
	ledger.MaterialDirectory
	ledger.WarehouseDirectory
	ledger.PartyDirectory

	PutMaterial(ctx context.Context, m ledger.Material) error
	PutWarehouse(ctx context.Context, w ledger.Warehouse) error
	PutParty(ctx context.Context, p ledger.Party) error
	DeleteParty(ctx context.Context, kind ledger.PartyKind, id ledger.PartyID) error
	ListMaterials(ctx context.Context) ([]ledger.Material, error)
	ListWarehouses(ctx context.Context) ([]ledger.Warehouse, error)
	ListParties(ctx context.Context, kind ledger.PartyKind) ([]ledger.Party, error)
}

// ResetFunc wipes movements and directories before a scenario loads.
type ResetFunc func(ctx context.Context) error

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *ledger.Engine
	Resolver *provenance.Resolver
	Catalog  Catalog
	Logger   zerolog.Logger

	// Optional
	Reset   ResetFunc
	Auditor *BalanceAuditor
	Health  func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. resolver may be nil, labels are then omitted.
func NewHandler(engine *ledger.Engine, catalog Catalog, resolver *provenance.Resolver, logger zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Resolver: resolver,
		Catalog:  catalog,
		Logger:   logger.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// MOVEMENT WRITES
// =============================================================================

// RecordMovement validates and commits a movement.
// POST /api/movements
func (h *Handler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeIntent(w, r)
	if !ok {
		return
	}

	m, err := h.Engine.RecordMovement(r.Context(), in)
	if err != nil {
		writeLedgerError(w, "Movement not recorded", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.labelMovements(r.Context(), []ledger.Movement{m})[0])
}

// ValidateMovement runs every rule, the stock rule included, without
// committing. A rejection is a normal answer here, not an error.
// POST /api/movements/validate
func (h *Handler) ValidateMovement(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeIntent(w, r)
	if !ok {
		return
	}

	m, err := h.Engine.Validate(r.Context(), in)
	if rej := ledger.RejectionOf(err); rej != nil {
		writeJSON(w, http.StatusOK, ValidationDTO{
			Valid:   false,
			Reason:  string(rej.Reason),
			Message: rej.Message,
		})
		return
	}
	if err != nil {
		writeLedgerError(w, "Validation failed", err)
		return
	}

	dto := h.labelMovements(r.Context(), []ledger.Movement{m})[0]
	writeJSON(w, http.StatusOK, ValidationDTO{Valid: true, Movement: &dto})
}

// ReverseMovement appends the compensating movement of {id}.
// POST /api/movements/{id}/reverse
// DELETE /api/movements/{id}
func (h *Handler) ReverseMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.MovementID(chi.URLParam(r, "id"))

	revID, err := h.Engine.Reverse(ctx, id)
	if err != nil {
		writeLedgerError(w, "Movement not reversed", err)
		return
	}

	rev, err := h.Engine.GetMovement(ctx, revID)
	if err != nil {
		writeLedgerError(w, "Failed to load reversal", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.labelMovements(ctx, []ledger.Movement{rev})[0])
}

func decodeIntent(w http.ResponseWriter, r *http.Request) (ledger.Intent, bool) {
	var req MovementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return ledger.Intent{}, false
	}
	in, err := req.intent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid movement", err)
		return ledger.Intent{}, false
	}
	return in, true
}

// =============================================================================
// MOVEMENT READS
// =============================================================================

// GetMovement returns one movement with its provenance labels and, when it
// was reversed, the id of the compensating movement.
// GET /api/movements/{id}
func (h *Handler) GetMovement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := ledger.MovementID(chi.URLParam(r, "id"))

	m, err := h.Engine.GetMovement(ctx, id)
	if err != nil {
		writeLedgerError(w, "Movement not found", err)
		return
	}

	dto := h.labelMovements(ctx, []ledger.Movement{m})[0]
	rev, err := h.Engine.Store.FindReversal(ctx, id)
	if err != nil {
		writeLedgerError(w, "Failed to load movement", err)
		return
	}
	if rev != nil {
		dto.ReversedBy = string(rev.ID)
	}

	writeJSON(w, http.StatusOK, dto)
}

// ListMovements returns movements in ledger order.
// GET /api/movements?material_id=&warehouse_id=&type=&from=&to=&limit=
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	movs, err := h.Engine.ListMovements(r.Context(), f)
	if err != nil {
		writeLedgerError(w, "Failed to list movements", err)
		return
	}

	dtos := h.labelMovements(r.Context(), movs)

	// reversals inside the page
	index := make(map[string]int, len(dtos))
	for i, d := range dtos {
		index[d.ID] = i
	}
	for _, d := range dtos {
		if i, ok := index[d.Reverses]; ok && d.Reverses != "" {
			dtos[i].ReversedBy = d.ID
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"movements": dtos})
}

func parseFilter(q url.Values) (ledger.Filter, error) {
	var f ledger.Filter

	if v := q.Get("material_id"); v != "" {
		id := ledger.MaterialID(v)
		f.MaterialID = &id
	}
	if v := q.Get("warehouse_id"); v != "" {
		id := ledger.WarehouseID(v)
		f.WarehouseID = &id
	}
	if v := q.Get("type"); v != "" {
		t := ledger.MovementType(strings.ToUpper(v))
		if !t.Valid() {
			return f, fmt.Errorf("unknown movement type %q", v)
		}
		f.Type = &t
	}
	if v := q.Get("from"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			return f, err
		}
		f.Range.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseBound(v)
		if err != nil {
			return f, err
		}
		f.Range.To = t
	}
	if !f.Range.Valid() {
		return f, errors.New("from must not be after to")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

// labelMovements converts movs and resolves all their endpoints in one
// batch. Labels are resolved after the ledger read, outside any lock.
func (h *Handler) labelMovements(ctx context.Context, movs []ledger.Movement) []MovementDTO {
	dtos := make([]MovementDTO, len(movs))
	endpoints := make([]ledger.Endpoint, 0, 2*len(movs))
	for i, m := range movs {
		dtos[i] = movementDTO(m)
		endpoints = append(endpoints, m.Origin(), m.Destination())
	}
	if h.Resolver == nil {
		return dtos
	}

	labels := h.Resolver.ResolveMany(ctx, endpoints)
	for i := range dtos {
		dtos[i].Origin.Label = labelDTO(labels[2*i])
		dtos[i].Destination.Label = labelDTO(labels[2*i+1])
	}
	return dtos
}

// =============================================================================
// BALANCES
// =============================================================================

// GetBalance returns the balance of a material in a warehouse, current or as
// of a date. A plain date means the end of that day.
// GET /api/balances?material_id=&warehouse_id=&as_of=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	materialID := ledger.MaterialID(q.Get("material_id"))
	warehouseID := ledger.WarehouseID(q.Get("warehouse_id"))
	if materialID == "" || warehouseID == "" {
		writeError(w, http.StatusBadRequest, "material_id and warehouse_id are required", nil)
		return
	}

	var asOf *time.Time
	if v := q.Get("as_of"); v != "" {
		t, err := parseBound(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = &t
	}

	bal, err := h.Engine.GetBalance(ctx, materialID, warehouseID, asOf)
	if err != nil {
		writeLedgerError(w, "Failed to compute balance", err)
		return
	}

	at := h.Engine.Clock()
	if asOf != nil {
		at = *asOf
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		MaterialID:  string(materialID),
		WarehouseID: string(warehouseID),
		AsOf:        at.UTC().Format(time.RFC3339Nano),
		Balance:     bal,
		Unit:        h.unitOf(ctx, materialID),
	})
}

// MaterialStock returns the balance of one material in every warehouse that
// has history for it.
// GET /api/materials/{id}/stock?as_of=
func (h *Handler) MaterialStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	materialID := ledger.MaterialID(chi.URLParam(r, "id"))

	at := h.Engine.Clock()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := parseBound(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		at = t
	}

	balances, err := h.Engine.StockByWarehouse(ctx, materialID, at)
	if err != nil {
		writeLedgerError(w, "Failed to compute stock", err)
		return
	}

	endpoints := make([]ledger.Endpoint, len(balances))
	for i, b := range balances {
		endpoints[i] = ledger.AtWarehouse(b.WarehouseID)
	}
	var labels []provenance.Label
	if h.Resolver != nil {
		labels = h.Resolver.ResolveMany(ctx, endpoints)
	}

	dto := StockDTO{
		MaterialID: string(materialID),
		Unit:       h.unitOf(ctx, materialID),
		AsOf:       at.UTC().Format(time.RFC3339Nano),
		Warehouses: make([]WarehouseStockDTO, len(balances)),
		Total:      decimal.Zero,
	}
	for i, b := range balances {
		row := WarehouseStockDTO{WarehouseID: string(b.WarehouseID), Label: string(b.WarehouseID), Balance: b.Balance}
		if labels != nil {
			row.Label = labels[i].Text
		}
		dto.Warehouses[i] = row
		dto.Total = dto.Total.Add(b.Balance)
	}

	writeJSON(w, http.StatusOK, dto)
}

// unitOf is best effort; a directory failure only drops the unit.
func (h *Handler) unitOf(ctx context.Context, id ledger.MaterialID) string {
	if h.Catalog == nil {
		return ""
	}
	m, err := h.Catalog.GetMaterial(ctx, id)
	if err != nil || m == nil {
		return ""
	}
	return m.Unit
}

// =============================================================================
// PROVENANCE
// =============================================================================

// ResolveLabel labels a single endpoint.
// GET /api/labels?warehouse_id=A
// GET /api/labels?kind=CLIENT&id=42
// GET /api/labels?kind=CUSTOM&name=Obra+calle+5
func (h *Handler) ResolveLabel(w http.ResponseWriter, r *http.Request) {
	if h.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "Provenance resolver not configured", nil)
		return
	}
	q := r.URL.Query()

	var e ledger.Endpoint
	switch {
	case q.Get("warehouse_id") != "":
		e = ledger.AtWarehouse(ledger.WarehouseID(q.Get("warehouse_id")))
	case q.Get("kind") != "":
		kind := ledger.PartyKind(strings.ToUpper(q.Get("kind")))
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown party kind", fmt.Errorf("kind %q", q.Get("kind")))
			return
		}
		e = ledger.AtParty(ledger.ExternalParty{
			Kind: kind,
			ID:   ledger.PartyID(q.Get("id")),
			Name: q.Get("name"),
		})
	}

	writeJSON(w, http.StatusOK, labelDTO(h.Resolver.Resolve(r.Context(), e)))
}

// =============================================================================
// DIRECTORIES
// =============================================================================

// ListMaterials returns all materials.
func (h *Handler) ListMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := h.Catalog.ListMaterials(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list materials", err)
		return
	}
	dtos := make([]MaterialDTO, len(materials))
	for i, m := range materials {
		dtos[i] = MaterialDTO{ID: string(m.ID), Name: m.Name, Code: m.Code, Unit: m.Unit}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMaterial creates or updates a material. Changing the unit of a
// material that movements reference is refused.
func (h *Handler) CreateMaterial(w http.ResponseWriter, r *http.Request) {
	var req MaterialDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Unit == "" {
		writeError(w, http.StatusBadRequest, "id and unit are required", nil)
		return
	}

	m := ledger.Material{ID: ledger.MaterialID(req.ID), Name: req.Name, Code: req.Code, Unit: req.Unit}
	if err := h.Catalog.PutMaterial(r.Context(), m); err != nil {
		writeLedgerError(w, "Failed to save material", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListWarehouses returns all warehouses.
func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.Catalog.ListWarehouses(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to list warehouses", err)
		return
	}
	dtos := make([]WarehouseDTO, len(warehouses))
	for i, wh := range warehouses {
		dtos[i] = WarehouseDTO{ID: string(wh.ID), Name: wh.Name, Code: wh.Code}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req WarehouseDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	wh := ledger.Warehouse{ID: ledger.WarehouseID(req.ID), Name: req.Name, Code: req.Code}
	if err := h.Catalog.PutWarehouse(r.Context(), wh); err != nil {
		writeLedgerError(w, "Failed to save warehouse", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListParties returns the parties of one kind, or of both resolvable kinds
// when kind is omitted.
// GET /api/parties?kind=CLIENT
func (h *Handler) ListParties(w http.ResponseWriter, r *http.Request) {
	kinds := []ledger.PartyKind{ledger.PartyClient, ledger.PartyProvider}
	if v := r.URL.Query().Get("kind"); v != "" {
		kind, err := directoryKind(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kind", err)
			return
		}
		kinds = []ledger.PartyKind{kind}
	}

	dtos := []PartyDTO{}
	for _, kind := range kinds {
		parties, err := h.Catalog.ListParties(r.Context(), kind)
		if err != nil {
			writeLedgerError(w, "Failed to list parties", err)
			return
		}
		for _, p := range parties {
			dtos = append(dtos, PartyDTO{Kind: string(p.Kind), ID: string(p.ID), Name: p.Name})
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateParty(w http.ResponseWriter, r *http.Request) {
	var req PartyDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind, err := directoryKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	p := ledger.Party{Kind: kind, ID: ledger.PartyID(req.ID), Name: req.Name}
	if err := h.Catalog.PutParty(r.Context(), p); err != nil {
		writeLedgerError(w, "Failed to save party", err)
		return
	}
	req.Kind = string(kind)
	writeJSON(w, http.StatusCreated, req)
}

// DeleteParty removes a party from the directory. Movements referencing it
// keep the raw id and label it as not found.
// DELETE /api/parties/{kind}/{id}
func (h *Handler) DeleteParty(w http.ResponseWriter, r *http.Request) {
	kind, err := directoryKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}
	if err := h.Catalog.DeleteParty(r.Context(), kind, ledger.PartyID(chi.URLParam(r, "id"))); err != nil {
		writeLedgerError(w, "Failed to delete party", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// directoryKind accepts the party kinds a directory holds.
func directoryKind(s string) (ledger.PartyKind, error) {
	kind := ledger.PartyKind(strings.ToUpper(s))
	if kind != ledger.PartyClient && kind != ledger.PartyProvider {
		return "", fmt.Errorf("kind must be CLIENT or PROVIDER, got %q", s)
	}
	return kind, nil
}

// =============================================================================
// ADMIN
// =============================================================================

// RunAudit refolds every balance and reports negative points.
// POST /api/admin/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Auditor not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Auditor.Run(r.Context()))
}

// LastAudit returns the most recent audit report, or null.
// GET /api/admin/audit
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Auditor not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Auditor.Last())
}

// HealthCheck reports whether the store answers.
// GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors to HTTP statuses.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	if rej := ledger.RejectionOf(err); rej != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   message,
			Reason:  string(rej.Reason),
			Details: rej.Message,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, ledger.ErrNotReversible),
		errors.Is(err, ledger.ErrUnitLocked),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrStorageFailure),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, message, err)
}
