package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// FieldTable: per-class attribute slot layout
// ---------------------------------------------------------------------------

// FieldTable maps attribute names to slot indices for instances of one
// class. Indices are assigned on first write, in creation order, and are
// never reused or compacted; deleting an attribute writes the Undef
// sentinel into the slot but keeps the index.
//
// The table's lock doubles as the structural lock for instances: index
// creation and slot-array growth happen under it, while slot reads by an
// already-resolved index take no lock at all.
type FieldTable struct {
	mu    sync.RWMutex
	index map[uint32]int
	order []uint32
}

// NewFieldTable creates an empty field table.
func NewFieldTable() *FieldTable {
	return &FieldTable{
		index: make(map[uint32]int),
	}
}

// Lookup returns the slot index for an attribute name.
func (ft *FieldTable) Lookup(name uint32) (int, bool) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	idx, ok := ft.index[name]
	return idx, ok
}

// Ensure returns the slot index for an attribute name, assigning the next
// index if the name has never been seen.
func (ft *FieldTable) Ensure(name uint32) int {
	ft.mu.RLock()
	idx, ok := ft.index[name]
	ft.mu.RUnlock()
	if ok {
		return idx
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if idx, ok := ft.index[name]; ok {
		return idx
	}
	idx = len(ft.order)
	ft.index[name] = idx
	ft.order = append(ft.order, name)
	return idx
}

// Len returns the number of assigned indices.
func (ft *FieldTable) Len() int {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return len(ft.order)
}

// Names returns the attribute names in creation order.
func (ft *FieldTable) Names() []uint32 {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	out := make([]uint32, len(ft.order))
	copy(out, ft.order)
	return out
}

// Each calls fn for each assigned attribute in creation order until fn
// returns false.
func (ft *FieldTable) Each(fn func(name uint32, index int) bool) {
	for i, name := range ft.Names() {
		if !fn(name, i) {
			return
		}
	}
}

// GrowObject extends obj so that index is addressable, under the
// structural lock so concurrent writers serialize. Readers holding an
// already-resolved index are unaffected: growth replaces the overflow
// array wholesale and never moves inline slots.
func (ft *FieldTable) GrowObject(obj *Object, index int) {
	if index < obj.NumSlots() {
		return
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if index < obj.NumSlots() {
		return
	}
	obj.growTo(grownCapacity(index))
}
