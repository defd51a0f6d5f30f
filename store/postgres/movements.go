package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

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

const keyVersionQuery = `
	SELECT COUNT(*) FROM movements
	WHERE material_id = $1 AND (origin_warehouse_id = $2 OR dest_warehouse_id = $2)`

func (s *Store) Append(ctx context.Context, m ledger.Movement) (ledger.MovementID, error) {
	return s.AppendGuarded(ctx, m, nil)
}

// AppendGuarded locks the movement's keys for the transaction, checks every
// expected version and inserts m.
func (s *Store) AppendGuarded(ctx context.Context, m ledger.Movement, expect []ledger.KeyVersion) (ledger.MovementID, error) {
	if m.ID == "" {
		m.ID = ledger.MovementID(uuid.NewString())
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = time.Now().UTC()
	}

	keys := m.Keys()
	for _, kv := range expect {
		keys = append(keys, kv.Key)
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, k := range ledger.SortKeys(keys) {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", k.String()); err != nil {
				return fmt.Errorf("lock %s: %w", k, err)
			}
		}
		for _, kv := range expect {
			var v int64
			if err := tx.QueryRow(ctx, keyVersionQuery, kv.Key.MaterialID, kv.Key.WarehouseID).Scan(&v); err != nil {
				return fmt.Errorf("version: %w", err)
			}
			if v != kv.Version {
				return ledger.ErrConcurrencyConflict
			}
		}
		return insertMovement(ctx, tx, m)
	})
	if err != nil {
		if isUniqueViolation(err, "movements_reverses_key") {
			return "", ledger.ErrAlreadyReversed
		}
		return "", ledger.Storage("append", err)
	}
	return m.ID, nil
}

func insertMovement(ctx context.Context, q querier, m ledger.Movement) error {
	origin := endpointColumns(m.Origin())
	dest := endpointColumns(m.Destination())

	_, err := q.Exec(ctx, `
		INSERT INTO movements
		(id, material_id, movement_type, quantity, effective_at,
		 origin_warehouse_id, origin_party_kind, origin_party_id, origin_party_name,
		 dest_warehouse_id, dest_party_kind, dest_party_id, dest_party_name,
		 reference, description, reverses, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.MaterialID, m.Type(), m.Quantity, m.Date.UTC(),
		origin.warehouse, origin.kind, origin.partyID, origin.partyName,
		dest.warehouse, dest.kind, dest.partyID, dest.partyName,
		nullString(m.Reference), nullString(m.Description), nullString(string(m.Reverses)),
		m.RecordedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	movs, err := s.queryMovements(ctx, "SELECT "+movementColumns+" FROM movements WHERE id = $1", id)
	if err != nil {
		return ledger.Movement{}, err
	}
	if len(movs) == 0 {
		return ledger.Movement{}, ledger.ErrMovementNotFound
	}
	return movs[0], nil
}

func (s *Store) ListFor(ctx context.Context, materialID ledger.MaterialID, warehouseID *ledger.WarehouseID, r ledger.DateRange) ([]ledger.Movement, error) {
	return s.List(ctx, ledger.Filter{MaterialID: &materialID, WarehouseID: warehouseID, Range: r})
}

// List returns movements matching f ordered by effective_at, then seq.
func (s *Store) List(ctx context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.MaterialID != nil {
		where = append(where, "material_id = "+arg(*f.MaterialID))
	}
	if f.WarehouseID != nil {
		p := arg(*f.WarehouseID)
		where = append(where, "(origin_warehouse_id = "+p+" OR dest_warehouse_id = "+p+")")
	}
	if f.Type != nil {
		where = append(where, "movement_type = "+arg(*f.Type))
	}
	if !f.Range.From.IsZero() {
		where = append(where, "effective_at >= "+arg(f.Range.From.UTC()))
	}
	if !f.Range.To.IsZero() {
		where = append(where, "effective_at <= "+arg(f.Range.To.UTC()))
	}

	query := "SELECT " + movementColumns + " FROM movements"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY effective_at ASC, seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return s.queryMovements(ctx, query, args...)
}

func (s *Store) Version(ctx context.Context, key ledger.BalanceKey) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, keyVersionQuery, key.MaterialID, key.WarehouseID).Scan(&v); err != nil {
		return 0, ledger.Storage("version", err)
	}
	return v, nil
}

func (s *Store) FindReversal(ctx context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	movs, err := s.queryMovements(ctx, "SELECT "+movementColumns+" FROM movements WHERE reverses = $1", id)
	if err != nil {
		return nil, err
	}
	if len(movs) == 0 {
		return nil, nil
	}
	return &movs[0], nil
}

func (s *Store) Keys(ctx context.Context) ([]ledger.BalanceKey, error) {
	rows, err := s.pool.Query(ctx, `
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
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanMovement(rows pgx.Rows) (ledger.Movement, error) {
	var (
		m           ledger.Movement
		typ         string
		origin      endpointRow
		dest        endpointRow
		reference   *string
		description *string
		reverses    *string
	)

	err := rows.Scan(
		&m.Seq, &m.ID, &m.MaterialID, &typ, &m.Quantity, &m.Date,
		&origin.warehouse, &origin.kind, &origin.partyID, &origin.partyName,
		&dest.warehouse, &dest.kind, &dest.partyID, &dest.partyName,
		&reference, &description, &reverses, &m.RecordedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan movement: %w", err)
	}
	if m.Body, err = ledger.NewBody(ledger.MovementType(typ), origin.endpoint(), dest.endpoint()); err != nil {
		return m, fmt.Errorf("movement %s: %w", m.ID, err)
	}
	m.Date = m.Date.UTC()
	m.RecordedAt = m.RecordedAt.UTC()
	m.Reference = deref(reference)
	m.Description = deref(description)
	m.Reverses = ledger.MovementID(deref(reverses))
	return m, nil
}

// =============================================================================
// ENDPOINT COLUMNS
// =============================================================================

type endpointRow struct {
	warehouse *string
	kind      *string
	partyID   *string
	partyName *string
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
	case r.warehouse != nil:
		return ledger.AtWarehouse(ledger.WarehouseID(*r.warehouse))
	case r.kind != nil:
		return ledger.AtParty(ledger.ExternalParty{
			Kind: ledger.PartyKind(*r.kind),
			ID:   ledger.PartyID(deref(r.partyID)),
			Name: deref(r.partyName),
		})
	}
	return ledger.Endpoint{}
}

var _ ledger.Store = (*Store)(nil)
