package ledger

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// LOCKER - per-(material, warehouse) mutual exclusion
// =============================================================================

// Locker serializes "read balance, validate, append" for a set of keys.
// Lock blocks until every key is held or ctx is done; on error nothing is
// held. unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, keys ...BalanceKey) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Keys are independent: writers for
// different (material, warehouse) pairs never wait on each other.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[BalanceKey]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[BalanceKey]*slot)}
}

var _ Locker = (*KeyedMutex)(nil)

func (k *KeyedMutex) Lock(ctx context.Context, keys ...BalanceKey) (func(), error) {
	keys = SortKeys(keys)

	held := make([]BalanceKey, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}

	for _, key := range keys {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (k *KeyedMutex) lock(ctx context.Context, key BalanceKey) error {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.release(key, s)
		return ctx.Err()
	}
}

func (k *KeyedMutex) unlock(key BalanceKey) {
	k.mu.Lock()
	s := k.slots[key]
	k.mu.Unlock()
	<-s.sem
	k.release(key, s)
}

// release drops one reference and forgets the slot once nobody uses it.
func (k *KeyedMutex) release(key BalanceKey, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Held returns the number of keys currently locked or awaited.
func (k *KeyedMutex) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// SortKeys returns keys deduplicated in a fixed order, so that two callers
// locking overlapping sets cannot deadlock.
func SortKeys(keys []BalanceKey) []BalanceKey {
	out := make([]BalanceKey, 0, len(keys))
	seen := make(map[BalanceKey]bool, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
