package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Host objects: foreign state behind handles
// ---------------------------------------------------------------------------
//
// A host object carries state whose layout the world does not control.
// It joins the attribute store through a handle value: the attributes
// live in the world's side table, keyed by the handle, in the same slot
// layout ordinary instances use. The registry is world-local.

// HostObject is a foreign resource exposed to the object system.
type HostObject struct {
	class  *Class
	native interface{}
	frozen atomic.Bool
	id     uint32
}

// NewHostObject wraps native state to be registered under class.
func NewHostObject(class *Class, native interface{}) *HostObject {
	return &HostObject{class: class, native: native}
}

func (h *HostObject) Class() *Class       { return h.class }
func (h *HostObject) Native() interface{} { return h.native }

func (h *HostObject) Freeze()      { h.frozen.Store(true) }
func (h *HostObject) Frozen() bool { return h.frozen.Load() }

// Handle returns the value this host object is registered under.
// Only valid after registration.
func (h *HostObject) Handle() Value { return FromHandleID(h.id) }

// Describe names the host object for diagnostics.
func (h *HostObject) Describe() string {
	if h.class == nil {
		return fmt.Sprintf("host object #%d", h.id)
	}
	return fmt.Sprintf("%s handle", h.class.FullName())
}

// ---------------------------------------------------------------------------
// HandleTable: world host-object registry
// ---------------------------------------------------------------------------

// HandleTable maps handle IDs to live host objects.
type HandleTable struct {
	mu      sync.RWMutex
	objects map[uint32]*HostObject
	nextID  atomic.Uint32
}

// NewHandleTable creates an empty registry.
func NewHandleTable() *HandleTable {
	ht := &HandleTable{objects: make(map[uint32]*HostObject)}
	// Start IDs at 1 (0 could be confused with nil/uninitialized)
	ht.nextID.Store(1)
	return ht
}

// Register adds a host object to the registry and returns its handle.
func (ht *HandleTable) Register(h *HostObject) Value {
	id := ht.nextID.Add(1) - 1
	h.id = id

	ht.mu.Lock()
	ht.objects[id] = h
	ht.mu.Unlock()

	return FromHandleID(id)
}

// Get retrieves a host object by its handle. Released or foreign values
// resolve to nil.
func (ht *HandleTable) Get(v Value) *HostObject {
	if !v.IsHandle() {
		return nil
	}
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.objects[v.HandleID()]
}

// Release removes a host object from the registry and returns it.
func (ht *HandleTable) Release(v Value) *HostObject {
	if !v.IsHandle() {
		return nil
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	h := ht.objects[v.HandleID()]
	delete(ht.objects, v.HandleID())
	return h
}

// Each visits every live host object.
func (ht *HandleTable) Each(fn func(v Value, h *HostObject) bool) {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	for id, h := range ht.objects {
		if !fn(FromHandleID(id), h) {
			return
		}
	}
}

// Len returns the number of live host objects.
func (ht *HandleTable) Len() int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return len(ht.objects)
}

// ---------------------------------------------------------------------------
// World-level helpers
// ---------------------------------------------------------------------------

// RegisterHost wraps native state in a handle of the given class.
func (w *World) RegisterHost(class *Class, native interface{}) Value {
	return w.Handles.Register(NewHostObject(class, native))
}

// ReleaseHandle drops a host object and the attribute row keyed by it.
func (w *World) ReleaseHandle(v Value) {
	if w.Handles.Release(v) != nil {
		w.dropSideRow(v)
	}
}
