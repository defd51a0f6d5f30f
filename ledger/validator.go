/*
validator.go - Admissibility rules for movement intents

STATE MACHINE (per intent):
  Received -> Rejected(reason) | Approved

RULES (first failure decides the reason):
  1. quantity > 0                                    InvalidQuantity
  2. type/origin/destination shape (NewBody)         InvalidShape
  3. material exists                                 UnknownMaterial
  3b. every referenced warehouse exists              UnknownWarehouse
  4. SALIDA/TRANSFERENCIA: enough stock at origin    InsufficientStock
  5. stated unit equals the material's unit          UnitMismatch

SPLIT:
  Rules 1-3b and 5 only read directories and are evaluated by Prepare,
  outside any lock. Rule 4 reads the ledger and is evaluated by Decide,
  which the engine calls while it holds the origin's scope. Decide reports
  a rule 5 failure only after rule 4 passed, so the order above holds.
*/
package ledger

import (
	"context"
	"time"
)

type Validator struct {
	Materials  MaterialDirectory
	Warehouses WarehouseDirectory // nil skips rule 3b
	Calculator *Calculator
}

// Draft is an intent that passed the static rules.
type Draft struct {
	Movement Movement
	Material Material

	unitErr *Rejection
}

// Check runs every rule and returns the approved movement (without ID/Seq).
func (v *Validator) Check(ctx context.Context, in Intent) (Movement, error) {
	d, err := v.Prepare(ctx, in)
	if err != nil {
		return Movement{}, err
	}
	if err := v.Decide(ctx, d); err != nil {
		return Movement{}, err
	}
	return d.Movement, nil
}

// Prepare evaluates rules 1, 2, 3 and 3b, and records the outcome of rule 5.
func (v *Validator) Prepare(ctx context.Context, in Intent) (Draft, error) {
	if !in.Quantity.IsPositive() {
		return Draft{}, reject(ReasonInvalidQuantity, "quantity must be greater than zero, got %s", in.Quantity)
	}

	if !in.Type.Valid() {
		return Draft{}, reject(ReasonInvalidShape, "unknown movement type %q", in.Type)
	}
	body, err := NewBody(in.Type, in.Origin, in.Destination)
	if err != nil {
		return Draft{}, reject(ReasonInvalidShape, "%s", err)
	}

	if in.MaterialID == "" {
		return Draft{}, reject(ReasonUnknownMaterial, "material id is required")
	}
	mat, err := v.Materials.GetMaterial(ctx, in.MaterialID)
	if err != nil {
		return Draft{}, Storage("get material", err)
	}
	if mat == nil {
		return Draft{}, reject(ReasonUnknownMaterial, "material %s does not exist", in.MaterialID)
	}

	if v.Warehouses != nil {
		for _, w := range body.Warehouses() {
			wh, err := v.Warehouses.GetWarehouse(ctx, w)
			if err != nil {
				return Draft{}, Storage("get warehouse", err)
			}
			if wh == nil {
				return Draft{}, reject(ReasonUnknownWarehouse, "warehouse %s does not exist", w)
			}
		}
	}

	date := in.Date
	if date.IsZero() {
		date = v.now()
	}

	d := Draft{
		Movement: Movement{
			MaterialID:  in.MaterialID,
			Quantity:    in.Quantity,
			Date:        date.UTC(),
			Body:        body,
			Reference:   in.Reference,
			Description: in.Description,
			Reverses:    in.reverses,
		},
		Material: *mat,
	}
	if in.Unit != "" && in.Unit != mat.Unit {
		d.unitErr = reject(ReasonUnitMismatch, "quantity stated in %q but %s is measured in %q", in.Unit, mat.ID, mat.Unit)
	}
	return d, nil
}

// Decide evaluates rule 4 against the ledger, then reports rule 5.
func (v *Validator) Decide(ctx context.Context, d Draft) error {
	m := d.Movement
	if source := m.Body.Source(); source != "" {
		key := BalanceKey{MaterialID: m.MaterialID, WarehouseID: source}
		available, err := v.Calculator.Available(ctx, key, m.Date)
		if err != nil {
			return err
		}
		if available.LessThan(m.Quantity) {
			return reject(ReasonInsufficientStock,
				"%s of %s %s requested from warehouse %s, %s available",
				m.Type(), m.Quantity, d.Material.Unit, source, available)
		}
	}
	if d.unitErr != nil {
		return d.unitErr
	}
	return nil
}

func (v *Validator) now() time.Time {
	if v.Calculator != nil && v.Calculator.Clock != nil {
		return v.Calculator.Clock()
	}
	return SystemClock()
}
