package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MATERIAL DIRECTORY
// =============================================================================

// PutMaterial creates or updates a material. The row is locked while the
// unit change is checked against existing movements.
func (s *Store) PutMaterial(ctx context.Context, m ledger.Material) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var unit string
		err := tx.QueryRow(ctx, "SELECT unit FROM materials WHERE id = $1 FOR UPDATE", m.ID).Scan(&unit)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("get material: %w", err)
		case unit != m.Unit:
			var used bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM movements WHERE material_id = $1)", m.ID).Scan(&used); err != nil {
				return fmt.Errorf("count movements: %w", err)
			}
			if used {
				return ledger.ErrUnitLocked
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO materials (id, name, code, unit)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				code = EXCLUDED.code,
				unit = EXCLUDED.unit,
				updated_at = now()`,
			m.ID, m.Name, nullString(m.Code), m.Unit)
		return err
	})
	return ledger.Storage("put material", err)
}

func (s *Store) GetMaterial(ctx context.Context, id ledger.MaterialID) (*ledger.Material, error) {
	var (
		m    ledger.Material
		code *string
	)
	err := s.pool.QueryRow(ctx, "SELECT id, name, code, unit FROM materials WHERE id = $1", id).
		Scan(&m.ID, &m.Name, &code, &m.Unit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Storage("get material", err)
	}
	m.Code = deref(code)
	return &m, nil
}

func (s *Store) ListMaterials(ctx context.Context) ([]ledger.Material, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, code, unit FROM materials ORDER BY id")
	if err != nil {
		return nil, ledger.Storage("list materials", err)
	}
	defer rows.Close()

	var out []ledger.Material
	for rows.Next() {
		var (
			m    ledger.Material
			code *string
		)
		if err := rows.Scan(&m.ID, &m.Name, &code, &m.Unit); err != nil {
			return nil, ledger.Storage("list materials", err)
		}
		m.Code = deref(code)
		out = append(out, m)
	}
	return out, ledger.Storage("list materials", rows.Err())
}

// =============================================================================
// WAREHOUSE DIRECTORY
// =============================================================================

func (s *Store) PutWarehouse(ctx context.Context, w ledger.Warehouse) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO warehouses (id, name, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			code = EXCLUDED.code,
			updated_at = now()`,
		w.ID, w.Name, nullString(w.Code))
	return ledger.Storage("put warehouse", err)
}

func (s *Store) GetWarehouse(ctx context.Context, id ledger.WarehouseID) (*ledger.Warehouse, error) {
	var (
		w    ledger.Warehouse
		code *string
	)
	err := s.pool.QueryRow(ctx, "SELECT id, name, code FROM warehouses WHERE id = $1", id).
		Scan(&w.ID, &w.Name, &code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Storage("get warehouse", err)
	}
	w.Code = deref(code)
	return &w, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]ledger.Warehouse, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, code FROM warehouses ORDER BY id")
	if err != nil {
		return nil, ledger.Storage("list warehouses", err)
	}
	defer rows.Close()

	var out []ledger.Warehouse
	for rows.Next() {
		var (
			w    ledger.Warehouse
			code *string
		)
		if err := rows.Scan(&w.ID, &w.Name, &code); err != nil {
			return nil, ledger.Storage("list warehouses", err)
		}
		w.Code = deref(code)
		out = append(out, w)
	}
	return out, ledger.Storage("list warehouses", rows.Err())
}

// =============================================================================
// PARTY DIRECTORY
// =============================================================================

func (s *Store) PutParty(ctx context.Context, p ledger.Party) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parties (kind, id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET name = EXCLUDED.name`,
		p.Kind, p.ID, p.Name)
	return ledger.Storage("put party", err)
}

func (s *Store) DeleteParty(ctx context.Context, kind ledger.PartyKind, id ledger.PartyID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM parties WHERE kind = $1 AND id = $2", kind, id)
	return ledger.Storage("delete party", err)
}

func (s *Store) LookupParties(ctx context.Context, kind ledger.PartyKind, ids []ledger.PartyID) (map[ledger.PartyID]ledger.Party, error) {
	out := make(map[ledger.PartyID]ledger.Party, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.pool.Query(ctx, "SELECT kind, id, name FROM parties WHERE kind = $1 AND id = ANY($2)", kind, raw)
	if err != nil {
		return nil, ledger.Storage("lookup parties", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p ledger.Party
		if err := rows.Scan(&p.Kind, &p.ID, &p.Name); err != nil {
			return nil, ledger.Storage("lookup parties", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Storage("lookup parties", err)
	}
	return out, nil
}

func (s *Store) ListParties(ctx context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	rows, err := s.pool.Query(ctx, "SELECT kind, id, name FROM parties WHERE kind = $1 ORDER BY id", kind)
	if err != nil {
		return nil, ledger.Storage("list parties", err)
	}
	defer rows.Close()

	var out []ledger.Party
	for rows.Next() {
		var p ledger.Party
		if err := rows.Scan(&p.Kind, &p.ID, &p.Name); err != nil {
			return nil, ledger.Storage("list parties", err)
		}
		out = append(out, p)
	}
	return out, ledger.Storage("list parties", rows.Err())
}

var (
	_ ledger.MaterialDirectory  = (*Store)(nil)
	_ ledger.WarehouseDirectory = (*Store)(nil)
	_ ledger.PartyDirectory     = (*Store)(nil)
)
