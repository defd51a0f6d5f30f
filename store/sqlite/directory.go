package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MATERIAL DIRECTORY
// =============================================================================

// PutMaterial creates or updates a material. Name and code may be corrected
// at any time; the unit is locked once a movement references the material.
func (s *Store) PutMaterial(ctx context.Context, m ledger.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Storage("begin", err)
	}
	defer tx.Rollback()

	var unit string
	err = tx.QueryRowContext(ctx, "SELECT unit FROM materials WHERE id = ?", m.ID).Scan(&unit)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ledger.Storage("get material", err)
	case unit != m.Unit:
		var used int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM movements WHERE material_id = ?", m.ID).Scan(&used); err != nil {
			return ledger.Storage("count movements", err)
		}
		if used > 0 {
			return ledger.ErrUnitLocked
		}
	}

	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO materials (id, name, code, unit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			unit = excluded.unit,
			updated_at = excluded.updated_at
	`, m.ID, m.Name, nullString(m.Code), m.Unit, now, now)
	if err != nil {
		return ledger.Storage("put material", err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Storage("commit", err)
	}
	return nil
}

func (s *Store) GetMaterial(ctx context.Context, id ledger.MaterialID) (*ledger.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		m    ledger.Material
		code sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, name, code, unit FROM materials WHERE id = ?", id).
		Scan(&m.ID, &m.Name, &code, &m.Unit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Storage("get material", err)
	}
	m.Code = code.String
	return &m, nil
}

func (s *Store) ListMaterials(ctx context.Context) ([]ledger.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, code, unit FROM materials ORDER BY id")
	if err != nil {
		return nil, ledger.Storage("list materials", err)
	}
	defer rows.Close()

	var out []ledger.Material
	for rows.Next() {
		var (
			m    ledger.Material
			code sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Name, &code, &m.Unit); err != nil {
			return nil, ledger.Storage("list materials", err)
		}
		m.Code = code.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// WAREHOUSE DIRECTORY
// =============================================================================

func (s *Store) PutWarehouse(ctx context.Context, w ledger.Warehouse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, name, code, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			updated_at = excluded.updated_at
	`, w.ID, w.Name, nullString(w.Code), now, now)
	if err != nil {
		return ledger.Storage("put warehouse", err)
	}
	return nil
}

func (s *Store) GetWarehouse(ctx context.Context, id ledger.WarehouseID) (*ledger.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		w    ledger.Warehouse
		code sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, name, code FROM warehouses WHERE id = ?", id).
		Scan(&w.ID, &w.Name, &code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Storage("get warehouse", err)
	}
	w.Code = code.String
	return &w, nil
}

func (s *Store) ListWarehouses(ctx context.Context) ([]ledger.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, code FROM warehouses ORDER BY id")
	if err != nil {
		return nil, ledger.Storage("list warehouses", err)
	}
	defer rows.Close()

	var out []ledger.Warehouse
	for rows.Next() {
		var (
			w    ledger.Warehouse
			code sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.Name, &code); err != nil {
			return nil, ledger.Storage("list warehouses", err)
		}
		w.Code = code.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// PARTY DIRECTORY
// =============================================================================

func (s *Store) PutParty(ctx context.Context, p ledger.Party) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (kind, id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET name = excluded.name
	`, p.Kind, p.ID, p.Name, formatTime(time.Now()))
	if err != nil {
		return ledger.Storage("put party", err)
	}
	return nil
}

// DeleteParty removes a party from the directory. Movements keep the id and
// resolve to a not-found label.
func (s *Store) DeleteParty(ctx context.Context, kind ledger.PartyKind, id ledger.PartyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM parties WHERE kind = ? AND id = ?", kind, id); err != nil {
		return ledger.Storage("delete party", err)
	}
	return nil
}

func (s *Store) LookupParties(ctx context.Context, kind ledger.PartyKind, ids []ledger.PartyID) (map[ledger.PartyID]ledger.Party, error) {
	out := make(map[ledger.PartyID]ledger.Party, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, 0, len(ids)+1)
	args = append(args, kind)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, id, name FROM parties WHERE kind = ? AND id IN ("+placeholders+")", args...)
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
	return out, rows.Err()
}

func (s *Store) ListParties(ctx context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT kind, id, name FROM parties WHERE kind = ? ORDER BY id", kind)
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
	return out, rows.Err()
}

var (
	_ ledger.MaterialDirectory  = (*Store)(nil)
	_ ledger.WarehouseDirectory = (*Store)(nil)
	_ ledger.PartyDirectory     = (*Store)(nil)
)
