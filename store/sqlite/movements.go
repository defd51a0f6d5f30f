package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MOVEMENT STORE (ledger.Store interface)
// =============================================================================

const movementColumns = `
	seq, id, material_id, movement_type, quantity, effective_at,
	origin_warehouse_id, origin_party_kind, origin_party_id, origin_party_name,
	dest_warehouse_id, dest_party_kind, dest_party_id, dest_party_name,
	reference, description, reverses, recorded_at`

// Append adds a movement to the ledger.
func (s *Store) Append(ctx context.Context, m ledger.Movement) (ledger.MovementID, error) {
	return s.AppendGuarded(ctx, m, nil)
}

// AppendGuarded checks every expected version and inserts m in one
// transaction.
func (s *Store) AppendGuarded(ctx context.Context, m ledger.Movement, expect []ledger.KeyVersion) (ledger.MovementID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ledger.Storage("begin", err)
	}
	defer tx.Rollback()

	for _, kv := range expect {
		v, err := version(ctx, tx, kv.Key)
		if err != nil {
			return "", ledger.Storage("version", err)
		}
		if v != kv.Version {
			return "", ledger.ErrConcurrencyConflict
		}
	}

	id, err := s.appendTx(ctx, tx, m)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", ledger.Storage("commit", err)
	}
	return id, nil
}

func (s *Store) appendTx(ctx context.Context, db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, m ledger.Movement) (ledger.MovementID, error) {
	if m.ID == "" {
		m.ID = ledger.MovementID(uuid.NewString())
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}
	origin := endpointColumns(m.Origin())
	dest := endpointColumns(m.Destination())

	query := `
		INSERT INTO movements
		(id, material_id, movement_type, quantity, effective_at,
		 origin_warehouse_id, origin_party_kind, origin_party_id, origin_party_name,
		 dest_warehouse_id, dest_party_kind, dest_party_id, dest_party_name,
		 reference, description, reverses, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		m.ID,
		m.MaterialID,
		m.Type(),
		m.Quantity.String(),
		formatTime(m.Date),
		origin.warehouse, origin.kind, origin.partyID, origin.partyName,
		dest.warehouse, dest.kind, dest.partyID, dest.partyName,
		nullString(m.Reference),
		nullString(m.Description),
		nullString(string(m.Reverses)),
		formatTime(m.RecordedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "movements.reverses") {
			return "", ledger.ErrAlreadyReversed
		}
		return "", ledger.Storage("append", err)
	}
	return m.ID, nil
}

// Get returns a movement by ID.
func (s *Store) Get(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movs, err := s.queryMovements(ctx, "SELECT "+movementColumns+" FROM movements WHERE id = ?", id)
	if err != nil {
		return ledger.Movement{}, err
	}
	if len(movs) == 0 {
		return ledger.Movement{}, ledger.ErrMovementNotFound
	}
	return movs[0], nil
}

// ListFor returns the movements of a material in ledger order.
func (s *Store) ListFor(ctx context.Context, materialID ledger.MaterialID, warehouseID *ledger.WarehouseID, r ledger.DateRange) ([]ledger.Movement, error) {
	return s.List(ctx, ledger.Filter{MaterialID: &materialID, WarehouseID: warehouseID, Range: r})
}

// List returns movements matching f in ledger order.
func (s *Store) List(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.MaterialID != nil {
		where = append(where, "material_id = ?")
		args = append(args, *f.MaterialID)
	}
	if f.WarehouseID != nil {
		where = append(where, "(origin_warehouse_id = ? OR dest_warehouse_id = ?)")
		args = append(args, *f.WarehouseID, *f.WarehouseID)
	}
	if f.Type != nil {
		where = append(where, "movement_type = ?")
		args = append(args, *f.Type)
	}
	if !f.Range.From.IsZero() {
		where = append(where, "effective_at >= ?")
		args = append(args, formatTime(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		where = append(where, "effective_at <= ?")
		args = append(args, formatTime(f.Range.To))
	}

	query := "SELECT " + movementColumns + " FROM movements"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY effective_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.queryMovements(ctx, query, args...)
}

// Version counts the movements touching key.
func (s *Store) Version(ctx context.Context, key ledger.BalanceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := version(ctx, s.db, key)
	if err != nil {
		return 0, ledger.Storage("version", err)
	}
	return v, nil
}

func version(ctx context.Context, db interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, key ledger.BalanceKey) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM movements
		WHERE material_id = ? AND (origin_warehouse_id = ? OR dest_warehouse_id = ?)`,
		key.MaterialID, key.WarehouseID, key.WarehouseID,
	).Scan(&v)
	return v, err
}

// FindReversal returns the movement compensating id, if any.
func (s *Store) FindReversal(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movs, err := s.queryMovements(ctx, "SELECT "+movementColumns+" FROM movements WHERE reverses = ?", id)
	if err != nil {
		return nil, err
	}
	if len(movs) == 0 {
		return nil, nil
	}
	return &movs[0], nil
}

// Keys lists every (material, warehouse) pair with history.
func (s *Store) Keys(ctx context.Context) ([]ledger.BalanceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT material_id, origin_warehouse_id FROM movements WHERE origin_warehouse_id IS NOT NULL
		UNION
		SELECT material_id, dest_warehouse_id FROM movements WHERE dest_warehouse_id IS NOT NULL`)
	if err != nil {
		return nil, ledger.Storage("keys", err)
	}
	defer rows.Close()

	var keys []ledger.BalanceKey
	for rows.Next() {
		var k ledger.BalanceKey
		if err := rows.Scan(&k.MaterialID, &k.WarehouseID); err != nil {
			return nil, ledger.Storage("keys", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Storage("keys", err)
	}
	return ledger.SortKeys(keys), nil
}

func (s *Store) queryMovements(ctx context.Context, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Storage("query movements", err)
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, ledger.Storage("scan movement", err)
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Storage("query movements", err)
	}
	return movements, nil
}

func scanMovement(rows *sql.Rows) (ledger.Movement, error) {
	var (
		m           ledger.Movement
		typ         string
		quantity    string
		effectiveAt string
		origin      endpointRow
		dest        endpointRow
		reference   sql.NullString
		description sql.NullString
		reverses    sql.NullString
		recordedAt  string
	)

	err := rows.Scan(
		&m.Seq, &m.ID, &m.MaterialID, &typ, &quantity, &effectiveAt,
		&origin.warehouse, &origin.kind, &origin.partyID, &origin.partyName,
		&dest.warehouse, &dest.kind, &dest.partyID, &dest.partyName,
		&reference, &description, &reverses, &recordedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}

	if m.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return m, fmt.Errorf("movement %s: quantity: %w", m.ID, err)
	}
	if m.Date, err = parseTime(effectiveAt); err != nil {
		return m, fmt.Errorf("movement %s: effective_at: %w", m.ID, err)
	}
	if m.RecordedAt, err = parseTime(recordedAt); err != nil {
		return m, fmt.Errorf("movement %s: recorded_at: %w", m.ID, err)
	}
	if m.Body, err = ledger.NewBody(ledger.MovementType(typ), origin.endpoint(), dest.endpoint()); err != nil {
		return m, fmt.Errorf("movement %s: %w", m.ID, err)
	}
	m.Reference = reference.String
	m.Description = description.String
	m.Reverses = ledger.MovementID(reverses.String)
	return m, nil
}

// =============================================================================
// ENDPOINT COLUMNS
// =============================================================================

type endpointRow struct {
	warehouse sql.NullString
	kind      sql.NullString
	partyID   sql.NullString
	partyName sql.NullString
}

func endpointColumns(e ledger.Endpoint) endpointRow {
	var r endpointRow
	switch {
	case e.IsWarehouse():
		r.warehouse = nullString(string(e.Warehouse))
	case e.IsParty():
		r.kind = nullString(string(e.Party.Kind))
		r.partyID = nullString(string(e.Party.ID))
		r.partyName = nullString(e.Party.Name)
	}
	return r
}

func (r endpointRow) endpoint() ledger.Endpoint {
	switch {
	case r.warehouse.Valid:
		return ledger.AtWarehouse(ledger.WarehouseID(r.warehouse.String))
	case r.kind.Valid:
		return ledger.AtParty(ledger.ExternalParty{
			Kind: ledger.PartyKind(r.kind.String),
			ID:   ledger.PartyID(r.partyID.String),
			Name: r.partyName.String,
		})
	}
	return ledger.Endpoint{}
}

var _ ledger.Store = (*Store)(nil)
