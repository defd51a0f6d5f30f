// Package store provides in-memory implementations of the ledger store and
// directories.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	byMaterial map[ledger.MaterialID][]ledger.Movement
	byID       map[ledger.MovementID]ledger.Movement
	versions   map[ledger.BalanceKey]int64
	reversals  map[ledger.MovementID]ledger.MovementID
	seq        int64
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byMaterial: make(map[ledger.MaterialID][]ledger.Movement),
		byID:       make(map[ledger.MovementID]ledger.Movement),
		versions:   make(map[ledger.BalanceKey]int64),
		reversals:  make(map[ledger.MovementID]ledger.MovementID),
		now:        ledger.SystemClock,
	}
}

// Append adds a single movement. Append-only.
func (s *Memory) Append(_ context.Context, m ledger.Movement) (ledger.MovementID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

// AppendGuarded appends m if no key in expect moved.
func (s *Memory) AppendGuarded(_ context.Context, m ledger.Movement, expect []ledger.KeyVersion) (ledger.MovementID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kv := range expect {
		if s.versions[kv.Key] != kv.Version {
			return "", ledger.ErrConcurrencyConflict
		}
	}
	return s.appendLocked(m)
}

// Stored movements are clones: callers never hold a pointer into the log.
func (s *Memory) appendLocked(m ledger.Movement) (ledger.MovementID, error) {
	m = m.Clone()
	if m.ID == "" {
		m.ID = ledger.MovementID(uuid.NewString())
	}
	if _, exists := s.byID[m.ID]; exists {
		return "", ledger.Storage("append", errDuplicateID(m.ID))
	}
	if m.Reverses != "" {
		if _, done := s.reversals[m.Reverses]; done {
			return "", ledger.ErrAlreadyReversed
		}
	}

	s.seq++
	m.Seq = s.seq
	if m.RecordedAt.IsZero() {
		m.RecordedAt = s.now()
	}

	// Insert after every movement with Date <= m.Date: equal dates keep
	// insertion order.
	movs := s.byMaterial[m.MaterialID]
	i := sort.Search(len(movs), func(i int) bool {
		return movs[i].Date.After(m.Date)
	})
	movs = append(movs, ledger.Movement{})
	copy(movs[i+1:], movs[i:])
	movs[i] = m
	s.byMaterial[m.MaterialID] = movs

	s.byID[m.ID] = m
	for _, k := range m.Keys() {
		s.versions[k]++
	}
	if m.Reverses != "" {
		s.reversals[m.Reverses] = m.ID
	}
	return m.ID, nil
}

func (s *Memory) Get(_ context.Context, id ledger.MovementID) (ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return ledger.Movement{}, ledger.ErrMovementNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) ListFor(_ context.Context, materialID ledger.MaterialID, warehouseID *ledger.WarehouseID, r ledger.DateRange) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.Movement
	for _, m := range s.byMaterial[materialID] {
		if warehouseID != nil && !m.Touches(*warehouseID) {
			continue
		}
		if !r.Contains(m.Date) {
			continue
		}
		result = append(result, m.Clone())
	}
	return result, nil
}

func (s *Memory) List(_ context.Context, f ledger.Filter) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []ledger.Movement
	if f.MaterialID != nil {
		for _, m := range s.byMaterial[*f.MaterialID] {
			if f.Matches(m) {
				result = append(result, m.Clone())
			}
		}
	} else {
		for _, movs := range s.byMaterial {
			for _, m := range movs {
				if f.Matches(m) {
					result = append(result, m.Clone())
				}
			}
		}
		sort.SliceStable(result, func(i, j int) bool {
			if !result[i].Date.Equal(result[j].Date) {
				return result[i].Date.Before(result[j].Date)
			}
			return result[i].Seq < result[j].Seq
		})
	}

	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *Memory) Version(_ context.Context, key ledger.BalanceKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key], nil
}

func (s *Memory) FindReversal(_ context.Context, id ledger.MovementID) (*ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rid, ok := s.reversals[id]
	if !ok {
		return nil, nil
	}
	m := s.byID[rid].Clone()
	return &m, nil
}

func (s *Memory) Keys(_ context.Context) ([]ledger.BalanceKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ledger.BalanceKey, 0, len(s.versions))
	for k := range s.versions {
		keys = append(keys, k)
	}
	return ledger.SortKeys(keys), nil
}

// Len returns the number of stored movements.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Reset drops every movement (for demo scenarios).
func (s *Memory) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMaterial = make(map[ledger.MaterialID][]ledger.Movement)
	s.byID = make(map[ledger.MovementID]ledger.Movement)
	s.versions = make(map[ledger.BalanceKey]int64)
	s.reversals = make(map[ledger.MovementID]ledger.MovementID)
	return nil
}

type errDuplicateID ledger.MovementID

func (e errDuplicateID) Error() string { return "duplicate movement id " + string(e) }

var _ ledger.Store = (*Memory)(nil)
