/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Each scenario creates materials, warehouses and parties,
	then records movements through the engine, so every movement is
	validated exactly like an API call.

AVAILABLE SCENARIOS:

	cement:     Entry, refused over-exit, transfer, exit to a client
	backdated:  Back-dated exits checked against later history
	reversal:   Compensating movements and labels of deleted parties

HOW SCENARIOS WORK:
 1. Reset movements and directories
 2. Drop cached balances of every key that had history
 3. Seed directories
 4. Record movements (some expected to be rejected)

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cement"}

NOTE:

	Scenarios reset the data. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cement",
		Name:        "Cement",
		Description: "Entry of 100, refused exit of 150, transfer of 40 to the site, exit of 40 to a client",
	},
	{
		ID:          "backdated",
		Name:        "Back-dated Exits",
		Description: "An exit dated in the past may not drive any later balance negative",
	},
	{
		ID:          "reversal",
		Name:        "Reversals",
		Description: "Deleting a movement appends its compensation; deleted providers keep a NotFound label",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the data and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "cement":
		load = h.loadCementScenario
	case "backdated":
		load = h.loadBackdatedScenario
	case "reversal":
		load = h.loadReversalScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.resetLocked(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset data", err)
		return
	}
	if err := load(ctx); err != nil {
		h.Logger.Error().Err(err).Str("scenario", req.ScenarioID).Msg("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// ResetData clears movements and directories.
// POST /api/scenarios/reset
func (h *Handler) ResetData(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.resetLocked(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset data", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

// resetLocked wipes the data and drops the cached snapshots of every key that
// had history, since versions restart at zero. Requires h.mu.
func (h *Handler) resetLocked(ctx context.Context) error {
	if h.Reset == nil {
		return errors.New("reset not configured")
	}
	keys, err := h.Engine.Store.Keys(ctx)
	if err != nil {
		return err
	}
	if err := h.Reset(ctx); err != nil {
		return err
	}
	h.Engine.Calculator.Invalidate(ctx, keys...)
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SEED HELPERS
// =============================================================================

func (h *Handler) seedDirectory(ctx context.Context, materials []ledger.Material, warehouses []ledger.Warehouse, parties []ledger.Party) error {
	for _, m := range materials {
		if err := h.Catalog.PutMaterial(ctx, m); err != nil {
			return fmt.Errorf("material %s: %w", m.ID, err)
		}
	}
	for _, w := range warehouses {
		if err := h.Catalog.PutWarehouse(ctx, w); err != nil {
			return fmt.Errorf("warehouse %s: %w", w.ID, err)
		}
	}
	for _, p := range parties {
		if err := h.Catalog.PutParty(ctx, p); err != nil {
			return fmt.Errorf("party %s #%s: %w", p.Kind, p.ID, err)
		}
	}
	return nil
}

func (h *Handler) seedMovements(ctx context.Context, intents ...ledger.Intent) ([]ledger.MovementID, error) {
	ids := make([]ledger.MovementID, len(intents))
	for i, in := range intents {
		id, err := h.Engine.Record(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s of %s %s: %w", in.Type, in.Quantity, in.MaterialID, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// expectRejection records in and requires it to be refused with reason.
func (h *Handler) expectRejection(ctx context.Context, in ledger.Intent, reason ledger.Reason) error {
	_, err := h.Engine.Record(ctx, in)
	if rej := ledger.RejectionOf(err); rej != nil && rej.Reason == reason {
		return nil
	}
	if err == nil {
		return fmt.Errorf("%s of %s %s was accepted, expected %s", in.Type, in.Quantity, in.MaterialID, reason)
	}
	return err
}

// day returns midnight UTC of today plus offset days.
func (h *Handler) day(offset int) time.Time {
	now := h.Engine.Clock().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func provider(id ledger.PartyID) ledger.Endpoint {
	return ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyProvider, ID: id})
}

func client(id ledger.PartyID) ledger.Endpoint {
	return ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyClient, ID: id})
}

func site(name string) ledger.Endpoint {
	return ledger.AtParty(ledger.ExternalParty{Kind: ledger.PartyCustom, Name: name})
}

var (
	bodegaCentral = ledger.Warehouse{ID: "A", Name: "Bodega Central", Code: "BC"}
	obraNorte     = ledger.Warehouse{ID: "B", Name: "Obra Norte", Code: "ON"}
)

// =============================================================================
// SCENARIO: CEMENT
// =============================================================================

func (h *Handler) loadCementScenario(ctx context.Context) error {
	err := h.seedDirectory(ctx,
		[]ledger.Material{{ID: "cement", Name: "Cemento Portland", Code: "CEM-25", Unit: "saco"}},
		[]ledger.Warehouse{bodegaCentral, obraNorte},
		[]ledger.Party{
			{Kind: ledger.PartyProvider, ID: "7", Name: "Cementos del Sur"},
			{Kind: ledger.PartyClient, ID: "42", Name: "Constructora Andes"},
		},
	)
	if err != nil {
		return err
	}

	hundred := decimal.NewFromInt(100)
	if _, err := h.seedMovements(ctx, ledger.Intent{
		Type:        ledger.Entrada,
		MaterialID:  "cement",
		Quantity:    hundred,
		Date:        h.day(-3),
		Origin:      provider("7"),
		Destination: ledger.AtWarehouse("A"),
		Reference:   "OC-1001",
		Description: "Compra inicial",
	}); err != nil {
		return err
	}

	if err := h.expectRejection(ctx, ledger.Intent{
		Type:        ledger.Salida,
		MaterialID:  "cement",
		Quantity:    decimal.NewFromInt(150),
		Date:        h.day(-2),
		Origin:      ledger.AtWarehouse("A"),
		Destination: client("42"),
	}, ledger.ReasonInsufficientStock); err != nil {
		return err
	}

	_, err = h.seedMovements(ctx,
		ledger.Intent{
			Type:        ledger.Transferencia,
			MaterialID:  "cement",
			Quantity:    decimal.NewFromInt(40),
			Date:        h.day(-2),
			Origin:      ledger.AtWarehouse("A"),
			Destination: ledger.AtWarehouse("B"),
			Description: "Despacho a obra",
		},
		ledger.Intent{
			Type:        ledger.Salida,
			MaterialID:  "cement",
			Quantity:    decimal.NewFromInt(40),
			Date:        h.day(-1),
			Origin:      ledger.AtWarehouse("A"),
			Destination: client("42"),
			Reference:   "GD-2001",
		},
	)
	return err
}

// =============================================================================
// SCENARIO: BACKDATED
// =============================================================================

func (h *Handler) loadBackdatedScenario(ctx context.Context) error {
	err := h.seedDirectory(ctx,
		[]ledger.Material{{ID: "rebar", Name: "Fierro 12mm", Code: "FE-12", Unit: "kg"}},
		[]ledger.Warehouse{bodegaCentral},
		[]ledger.Party{{Kind: ledger.PartyProvider, ID: "3", Name: "Aceros Unidos"}},
	)
	if err != nil {
		return err
	}

	if _, err := h.seedMovements(ctx,
		ledger.Intent{
			Type:        ledger.Entrada,
			MaterialID:  "rebar",
			Quantity:    decimal.NewFromInt(50),
			Date:        h.day(-10),
			Origin:      provider("3"),
			Destination: ledger.AtWarehouse("A"),
		},
		ledger.Intent{
			Type:        ledger.Salida,
			MaterialID:  "rebar",
			Quantity:    decimal.NewFromInt(30),
			Date:        h.day(-5),
			Origin:      ledger.AtWarehouse("A"),
			Destination: site("Losa piso 3"),
		},
	); err != nil {
		return err
	}

	// 50 on hand at day -7, but only 20 survive day -5
	if err := h.expectRejection(ctx, ledger.Intent{
		Type:        ledger.Salida,
		MaterialID:  "rebar",
		Quantity:    decimal.NewFromInt(30),
		Date:        h.day(-7),
		Origin:      ledger.AtWarehouse("A"),
		Destination: site("Muro perimetral"),
	}, ledger.ReasonInsufficientStock); err != nil {
		return err
	}

	_, err = h.seedMovements(ctx, ledger.Intent{
		Type:        ledger.Salida,
		MaterialID:  "rebar",
		Quantity:    decimal.RequireFromString("17.5"),
		Date:        h.day(-7),
		Origin:      ledger.AtWarehouse("A"),
		Destination: site("Muro perimetral"),
	})
	return err
}

// =============================================================================
// SCENARIO: REVERSAL
// =============================================================================

func (h *Handler) loadReversalScenario(ctx context.Context) error {
	err := h.seedDirectory(ctx,
		[]ledger.Material{{ID: "sand", Name: "Arena gruesa", Unit: "m3"}},
		[]ledger.Warehouse{bodegaCentral, obraNorte},
		[]ledger.Party{
			{Kind: ledger.PartyProvider, ID: "9", Name: "Áridos Maipo"},
			{Kind: ledger.PartyClient, ID: "42", Name: "Constructora Andes"},
		},
	)
	if err != nil {
		return err
	}

	ids, err := h.seedMovements(ctx,
		ledger.Intent{
			Type:        ledger.Entrada,
			MaterialID:  "sand",
			Quantity:    decimal.NewFromInt(12),
			Date:        h.day(-4),
			Origin:      provider("9"),
			Destination: ledger.AtWarehouse("A"),
			Reference:   "OC-3001",
		},
		ledger.Intent{
			Type:        ledger.Transferencia,
			MaterialID:  "sand",
			Quantity:    decimal.NewFromInt(5),
			Date:        h.day(-3),
			Origin:      ledger.AtWarehouse("A"),
			Destination: ledger.AtWarehouse("B"),
		},
		ledger.Intent{
			Type:        ledger.Salida,
			MaterialID:  "sand",
			Quantity:    decimal.NewFromInt(4),
			Date:        h.day(-2),
			Origin:      ledger.AtWarehouse("A"),
			Destination: client("42"),
			Description: "Despacho equivocado",
		},
	)
	if err != nil {
		return err
	}

	if _, err := h.Engine.Reverse(ctx, ids[2]); err != nil {
		return fmt.Errorf("reverse %s: %w", ids[2], err)
	}
	if _, err := h.Engine.Reverse(ctx, ids[1]); err != nil {
		return fmt.Errorf("reverse %s: %w", ids[1], err)
	}

	// the provider leaves the directory; its entry keeps the raw id
	return h.Catalog.DeleteParty(ctx, ledger.PartyProvider, "9")
}
