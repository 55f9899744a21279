package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Task: execution context for isolation checks
// ---------------------------------------------------------------------------

// Task identifies one independent execution context. The first task created
// by a World is the main task; every other task is isolated from mutable
// world state. Namespace writes, global variables, and class variables are
// main-task operations, and values crossing into a non-main task must be
// shareable.
type Task struct {
	id   uint64
	name string
	main bool

	// Stack of source locations the task is currently executing.
	// The loader pushes a feature's file here while running it, so
	// definition sites can be recorded without an interpreter.
	locations []SourceLocation

	// Last private constant the task was denied access to.
	// Kept for diagnostics; overwritten on each denial.
	privateConst *PrivateConstRef
}

// SourceLocation is a file/line position recorded at definition sites.
type SourceLocation struct {
	File string
	Line int
}

// IsZero reports whether the location carries no information.
func (loc SourceLocation) IsZero() bool {
	return loc.File == "" && loc.Line == 0
}

func (loc SourceLocation) String() string {
	if loc.IsZero() {
		return "?"
	}
	return fmt.Sprintf("%s:%d", loc.File, loc.Line)
}

// PrivateConstRef records a denied private-constant access.
type PrivateConstRef struct {
	Namespace *Class
	Name      uint32 // symbol ID
}

var nextTaskID atomic.Uint64

func newTask(name string, main bool) *Task {
	return &Task{
		id:   nextTaskID.Add(1),
		name: name,
		main: main,
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() uint64 {
	return t.id
}

// Name returns the task's diagnostic name.
func (t *Task) Name() string {
	return t.name
}

// IsMain reports whether this is the world's main task.
func (t *Task) IsMain() bool {
	return t.main
}

func (t *Task) String() string {
	if t == nil {
		return "task(nil)"
	}
	return fmt.Sprintf("task(%d %s)", t.id, t.name)
}

// ---------------------------------------------------------------------------
// Source location stack
// ---------------------------------------------------------------------------

// PushLocation enters a source location. Paired with PopLocation.
func (t *Task) PushLocation(loc SourceLocation) {
	t.locations = append(t.locations, loc)
}

// PopLocation leaves the most recently pushed source location.
func (t *Task) PopLocation() {
	if n := len(t.locations); n > 0 {
		t.locations = t.locations[:n-1]
	}
}

// CurrentLocation returns the innermost source location, or a zero
// location when the task is not executing any recorded source.
func (t *Task) CurrentLocation() SourceLocation {
	if n := len(t.locations); n > 0 {
		return t.locations[n-1]
	}
	return SourceLocation{}
}

// ---------------------------------------------------------------------------
// Private constant diagnostics
// ---------------------------------------------------------------------------

func (t *Task) recordPrivateConst(ns *Class, name uint32) {
	t.privateConst = &PrivateConstRef{Namespace: ns, Name: name}
}

// LastPrivateConst returns the most recent private-constant denial
// recorded on this task, or nil.
func (t *Task) LastPrivateConst() *PrivateConstRef {
	return t.privateConst
}

// ---------------------------------------------------------------------------
// Shareability
// ---------------------------------------------------------------------------

// Shareable reports whether a value may cross between tasks. Immediates
// and symbols are always shareable. An object is shareable only when it
// is frozen and every attribute it holds is itself shareable. Host
// handles are bound to the task that created them and never shareable.
func Shareable(v Value) bool {
	return shareable(v, nil)
}

func shareable(v Value, visited map[*Object]bool) bool {
	if v.IsImmediate() || v.IsSymbol() {
		return true
	}
	if v.IsHandle() {
		return false
	}
	obj := ObjectFromValue(v)
	if obj == nil {
		return false
	}
	if visited[obj] {
		return true
	}
	if !obj.Frozen() {
		return false
	}
	if visited == nil {
		visited = make(map[*Object]bool)
	}
	visited[obj] = true
	ok := true
	obj.ForEachSlot(func(_ int, slot Value) {
		if !ok || slot.IsUndef() {
			return
		}
		if !shareable(slot, visited) {
			ok = false
		}
	})
	return ok
}
