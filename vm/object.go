package vm

import (
	"unsafe"
)

// Object represents a heap-allocated greta object.
//
// Objects use a hybrid slot layout optimized for common cases:
//   - 4 inline slots for objects with ≤4 attributes (most objects)
//   - Overflow slice for objects with >4 attributes
//
// This avoids slice allocation overhead for the common case while
// still supporting objects of arbitrary size. Empty slots hold Undef,
// never Nil: an attribute explicitly set to nil is distinguishable from
// one that was never set.
type Object struct {
	class *Class // owning class; resolves attribute names to slot indices
	flags uint8

	// Inline slots for the first 4 attributes.
	slot0 Value
	slot1 Value
	slot2 Value
	slot3 Value

	// Overflow for objects with >4 attributes.
	// Only allocated when needed; grows monotonically, never shrinks.
	overflow []Value
}

// NumInlineSlots is the number of slots stored directly in the Object struct.
const NumInlineSlots = 4

const flagFrozen uint8 = 1 << 0

// ---------------------------------------------------------------------------
// Object creation
// ---------------------------------------------------------------------------

// NewObject creates a new Object of the given class with capacity for
// numSlots attributes. All slots are initialized to Undef.
func NewObject(class *Class, numSlots int) *Object {
	obj := &Object{class: class}

	obj.slot0 = Undef
	obj.slot1 = Undef
	obj.slot2 = Undef
	obj.slot3 = Undef

	if numSlots > NumInlineSlots {
		obj.overflow = make([]Value, numSlots-NumInlineSlots)
		for i := range obj.overflow {
			obj.overflow[i] = Undef
		}
	}

	return obj
}

// ---------------------------------------------------------------------------
// Slot access
// ---------------------------------------------------------------------------

// GetSlot returns the value at the given slot index.
// Panics if index is out of range.
func (obj *Object) GetSlot(index int) Value {
	switch index {
	case 0:
		return obj.slot0
	case 1:
		return obj.slot1
	case 2:
		return obj.slot2
	case 3:
		return obj.slot3
	default:
		overflowIdx := index - NumInlineSlots
		if overflowIdx < 0 || overflowIdx >= len(obj.overflow) {
			panic("Object.GetSlot: index out of range")
		}
		return obj.overflow[overflowIdx]
	}
}

// SetSlot sets the value at the given slot index.
// Panics if index is out of range.
func (obj *Object) SetSlot(index int, value Value) {
	switch index {
	case 0:
		obj.slot0 = value
	case 1:
		obj.slot1 = value
	case 2:
		obj.slot2 = value
	case 3:
		obj.slot3 = value
	default:
		overflowIdx := index - NumInlineSlots
		if overflowIdx < 0 || overflowIdx >= len(obj.overflow) {
			panic("Object.SetSlot: index out of range")
		}
		obj.overflow[overflowIdx] = value
	}
}

// NumSlots returns the current slot capacity of this object.
func (obj *Object) NumSlots() int {
	return NumInlineSlots + len(obj.overflow)
}

// Class returns the object's class.
func (obj *Object) Class() *Class {
	return obj.class
}

// ---------------------------------------------------------------------------
// Slot growth
// ---------------------------------------------------------------------------

// grownCapacity returns the slot capacity to allocate when index is first
// written: the needed length plus a quarter, so repeated single-attribute
// growth is amortized.
func grownCapacity(index int) int {
	need := index + 1
	return need + need/4
}

// growTo extends the object's overflow so that capacity slots are
// addressable. New slots are initialized to Undef. Indices already handed
// out remain valid: the overflow only ever grows.
func (obj *Object) growTo(capacity int) {
	if capacity <= obj.NumSlots() {
		return
	}
	grown := make([]Value, capacity-NumInlineSlots)
	copy(grown, obj.overflow)
	for i := len(obj.overflow); i < len(grown); i++ {
		grown[i] = Undef
	}
	obj.overflow = grown
}

// ---------------------------------------------------------------------------
// Freezing
// ---------------------------------------------------------------------------

// Freeze marks the object immutable. Attribute writes and deletes on a
// frozen object fail with a FrozenError.
func (obj *Object) Freeze() {
	obj.flags |= flagFrozen
}

// Frozen reports whether the object has been frozen.
func (obj *Object) Frozen() bool {
	return obj.flags&flagFrozen != 0
}

// ---------------------------------------------------------------------------
// Value conversion helpers
// ---------------------------------------------------------------------------

// ToValue converts an Object pointer to a NaN-boxed Value.
func (obj *Object) ToValue() Value {
	return FromObjectPtr(unsafe.Pointer(obj))
}

// ObjectFromValue extracts an Object pointer from a NaN-boxed Value.
// Returns nil if the value is not an object.
func ObjectFromValue(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	return (*Object)(v.ObjectPtr())
}

// MustObjectFromValue extracts an Object pointer from a NaN-boxed Value.
// Panics if the value is not an object.
func MustObjectFromValue(v Value) *Object {
	if !v.IsObject() {
		panic("MustObjectFromValue: not an object")
	}
	return (*Object)(v.ObjectPtr())
}

// ---------------------------------------------------------------------------
// Slot iteration and collector hooks
// ---------------------------------------------------------------------------

// ForEachSlot calls fn for each slot in the object, including Undef slots.
func (obj *Object) ForEachSlot(fn func(index int, value Value)) {
	fn(0, obj.slot0)
	fn(1, obj.slot1)
	fn(2, obj.slot2)
	fn(3, obj.slot3)
	for i, v := range obj.overflow {
		fn(NumInlineSlots+i, v)
	}
}

// MarkSlots visits every object or handle reference held in the slots.
func (obj *Object) MarkSlots(visit func(Value)) {
	obj.ForEachSlot(func(_ int, v Value) {
		if v.IsObject() || v.IsHandle() {
			visit(v)
		}
	})
}

// UpdateSlots rewrites every slot through update. The collector calls this
// between safepoints after moving objects; readers see either the old or
// the new reference, both valid.
func (obj *Object) UpdateSlots(update func(Value) Value) {
	obj.slot0 = update(obj.slot0)
	obj.slot1 = update(obj.slot1)
	obj.slot2 = update(obj.slot2)
	obj.slot3 = update(obj.slot3)
	for i, v := range obj.overflow {
		obj.overflow[i] = update(v)
	}
}

// ---------------------------------------------------------------------------
// Debugging
// ---------------------------------------------------------------------------

// ClassName returns the name of the object's class, or "?" if unset.
func (obj *Object) ClassName() string {
	if obj.class == nil {
		return "?"
	}
	return obj.class.Name
}
