package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/stock-ledger/ledger"
)

// =============================================================================
// MEMORY DIRECTORY - materials, warehouses and parties
// =============================================================================

// Directory implements the three ledger directories in memory.
type Directory struct {
	mu         sync.RWMutex
	materials  map[ledger.MaterialID]ledger.Material
	warehouses map[ledger.WarehouseID]ledger.Warehouse
	parties    map[ledger.PartyKind]map[ledger.PartyID]ledger.Party
}

func NewDirectory() *Directory {
	return &Directory{
		materials:  make(map[ledger.MaterialID]ledger.Material),
		warehouses: make(map[ledger.WarehouseID]ledger.Warehouse),
		parties:    make(map[ledger.PartyKind]map[ledger.PartyID]ledger.Party),
	}
}

func (d *Directory) PutMaterial(_ context.Context, m ledger.Material) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.materials[m.ID] = m
	return nil
}

func (d *Directory) PutWarehouse(_ context.Context, w ledger.Warehouse) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warehouses[w.ID] = w
	return nil
}

func (d *Directory) PutParty(_ context.Context, p ledger.Party) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.parties[p.Kind] == nil {
		d.parties[p.Kind] = make(map[ledger.PartyID]ledger.Party)
	}
	d.parties[p.Kind][p.ID] = p
	return nil
}

// DeleteParty removes a party. Movements referencing it keep their id and
// resolve to a not-found label afterwards.
func (d *Directory) DeleteParty(_ context.Context, kind ledger.PartyKind, id ledger.PartyID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.parties[kind], id)
	return nil
}

func (d *Directory) GetMaterial(_ context.Context, id ledger.MaterialID) (*ledger.Material, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.materials[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (d *Directory) GetWarehouse(_ context.Context, id ledger.WarehouseID) (*ledger.Warehouse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.warehouses[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (d *Directory) LookupParties(_ context.Context, kind ledger.PartyKind, ids []ledger.PartyID) (map[ledger.PartyID]ledger.Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ledger.PartyID]ledger.Party, len(ids))
	for _, id := range ids {
		if p, ok := d.parties[kind][id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *Directory) ListMaterials(_ context.Context) ([]ledger.Material, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ledger.Material, 0, len(d.materials))
	for _, m := range d.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) ListWarehouses(_ context.Context) ([]ledger.Warehouse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ledger.Warehouse, 0, len(d.warehouses))
	for _, w := range d.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Directory) ListParties(_ context.Context, kind ledger.PartyKind) ([]ledger.Party, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ledger.Party, 0, len(d.parties[kind]))
	for _, p := range d.parties[kind] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reset empties the directory.
func (d *Directory) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.materials = make(map[ledger.MaterialID]ledger.Material)
	d.warehouses = make(map[ledger.WarehouseID]ledger.Warehouse)
	d.parties = make(map[ledger.PartyKind]map[ledger.PartyID]ledger.Party)
	return nil
}

var (
	_ ledger.MaterialDirectory  = (*Directory)(nil)
	_ ledger.WarehouseDirectory = (*Directory)(nil)
	_ ledger.PartyDirectory     = (*Directory)(nil)
)
