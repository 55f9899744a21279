package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Global variable registry
// ---------------------------------------------------------------------------
//
// Every global name resolves to a shared variable record. A record starts
// undefined, is promoted to plain storage on first assignment, or carries
// an accessor pair installed by the host. Aliased names share one record,
// including its trace list. All mutation is confined to the main task.

// GlobalGetter computes the value of a hooked global on each read.
type GlobalGetter func(w *World) Value

// GlobalSetter stores the value of a hooked global on each write.
type GlobalSetter func(w *World, v Value) error

// GlobalTrace observes assignments to a global variable.
type GlobalTrace func(v Value)

type bindingKind uint8

const (
	bindUndefined bindingKind = iota
	bindStored
	bindAccessor
	bindReadonly
)

// traceEntry is one registered trace callback. Entries removed while a
// propagation is running are only marked here and unlinked afterwards.
type traceEntry struct {
	fn      GlobalTrace
	removed bool
}

// TraceHandle identifies a registered trace for later removal.
type TraceHandle struct {
	entry *traceEntry
}

// globalVar is one variable record, possibly shared by several names.
type globalVar struct {
	kind  bindingKind
	value Value
	get   GlobalGetter
	set   GlobalSetter

	traces  []*traceEntry
	tracing bool // a propagation is running; suppresses re-entrant firing

	refs int // names bound to this record
}

// GlobalTable is the process-wide global variable registry.
type GlobalTable struct {
	mu    sync.RWMutex
	vars  map[uint32]*globalVar
	order []uint32 // registration order of names
}

// NewGlobalTable creates an empty global variable registry.
func NewGlobalTable() *GlobalTable {
	return &GlobalTable{
		vars: make(map[uint32]*globalVar),
	}
}

// entry returns the record for a name, creating an undefined record on
// first reference.
func (gt *GlobalTable) entry(name uint32) *globalVar {
	gt.mu.RLock()
	gv := gt.vars[name]
	gt.mu.RUnlock()
	if gv != nil {
		return gv
	}

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if gv := gt.vars[name]; gv != nil {
		return gv
	}
	gv = &globalVar{kind: bindUndefined, value: Nil, refs: 1}
	gt.vars[name] = gv
	gt.order = append(gt.order, name)
	return gv
}

// lookup returns the record for a name without creating one.
func (gt *GlobalTable) lookup(name uint32) *globalVar {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	return gt.vars[name]
}

// Names returns every referenced global name in registration order.
func (gt *GlobalTable) Names() []uint32 {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	out := make([]uint32, len(gt.order))
	copy(out, gt.order)
	return out
}

// Len returns the number of referenced global names.
func (gt *GlobalTable) Len() int {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	return len(gt.vars)
}

// MarkRefs visits every object or handle reference held in the records:
// stored values, and for accessor-backed records the last value written
// through them. Values an accessor computes without ever being written
// are the installer's to keep alive.
func (gt *GlobalTable) MarkRefs(visit func(Value)) {
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	for _, gv := range gt.vars {
		if v := gv.value; v.IsObject() || v.IsHandle() {
			visit(v)
		}
	}
}

// UpdateRefs rewrites stored references after a compacting pass.
func (gt *GlobalTable) UpdateRefs(update func(Value) Value) {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	for _, gv := range gt.vars {
		gv.value = update(gv.value)
	}
}

// ---------------------------------------------------------------------------
// World operations
// ---------------------------------------------------------------------------

// GlobalDefine installs a plain stored global with an initial value.
func (w *World) GlobalDefine(task *Task, name string, value Value) error {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return err
	}
	gv := w.Globals.entry(id)
	gv.kind = bindStored
	gv.value = value
	return nil
}

// GlobalDefineReadonly installs a global that rejects assignment.
func (w *World) GlobalDefineReadonly(task *Task, name string, value Value) error {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return err
	}
	gv := w.Globals.entry(id)
	gv.kind = bindReadonly
	gv.value = value
	return nil
}

// GlobalDefineHooked installs a global backed by an accessor pair instead
// of storage. Either hook may be nil: a nil getter reads as Nil, a nil
// setter accepts and discards writes.
func (w *World) GlobalDefineHooked(task *Task, name string, get GlobalGetter, set GlobalSetter) error {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return err
	}
	gv := w.Globals.entry(id)
	gv.kind = bindAccessor
	gv.value = Nil
	gv.get = get
	gv.set = set
	return nil
}

// GlobalGet reads a global variable. Reading a name that was never
// assigned warns and yields Nil.
func (w *World) GlobalGet(task *Task, name string) (Value, error) {
	if !IsGlobalName(name) {
		return Nil, badGlobalName(name)
	}
	gv := w.Globals.entry(w.Symbols.Intern(name))

	var v Value
	switch gv.kind {
	case bindUndefined:
		w.warnNamedf(name, "", "global variable %s not initialized", name)
		v = Nil
	case bindAccessor:
		if gv.get == nil {
			v = Nil
		} else {
			v = gv.get(w)
		}
	default:
		v = gv.value
	}

	if !task.IsMain() && !Shareable(v) {
		return Nil, isolationErrorf(name,
			"can't read unshareable global variable %s from a non-main task", name)
	}
	return v, nil
}

// GlobalSet assigns a global variable, then fires its traces in
// registration order. Assignments made by a running trace do not fire
// traces again until the current propagation completes.
func (w *World) GlobalSet(task *Task, name string, value Value) error {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return err
	}
	gv := w.Globals.entry(id)

	switch gv.kind {
	case bindReadonly:
		return nameErrorf(name, "", "%s is a read-only variable", name)
	case bindAccessor:
		if gv.set != nil {
			if err := gv.set(w, value); err != nil {
				return err
			}
		}
		gv.value = value
	case bindUndefined:
		gv.kind = bindStored
		gv.value = value
	default:
		gv.value = value
	}

	w.fireTraces(gv, value)
	return nil
}

// GlobalDefined reports whether a global currently holds a definition.
func (w *World) GlobalDefined(name string) bool {
	if !IsGlobalName(name) {
		return false
	}
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return false
	}
	gv := w.Globals.lookup(id)
	return gv != nil && gv.kind != bindUndefined
}

// GlobalNames returns every referenced global name in registration order.
func (w *World) GlobalNames() []string {
	ids := w.Globals.Names()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = w.Symbols.Name(id)
	}
	return names
}

// ---------------------------------------------------------------------------
// Traces
// ---------------------------------------------------------------------------

// AddGlobalTrace registers a trace on a global variable. Traces fire on
// every assignment, in registration order, after the value is stored.
func (w *World) AddGlobalTrace(task *Task, name string, fn GlobalTrace) (*TraceHandle, error) {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return nil, err
	}
	gv := w.Globals.entry(id)

	w.Globals.mu.Lock()
	defer w.Globals.mu.Unlock()
	entry := &traceEntry{fn: fn}
	gv.traces = append(gv.traces, entry)
	return &TraceHandle{entry: entry}, nil
}

// RemoveGlobalTrace unregisters a trace. Removal during an active
// propagation is deferred: the trace is marked dead immediately and
// unlinked when the propagation finishes.
func (w *World) RemoveGlobalTrace(task *Task, name string, h *TraceHandle) error {
	id, err := w.globalWriteChecks(task, name)
	if err != nil {
		return err
	}
	if h == nil || h.entry == nil {
		return nil
	}
	gv := w.Globals.entry(id)

	w.Globals.mu.Lock()
	defer w.Globals.mu.Unlock()
	h.entry.removed = true
	if !gv.tracing {
		gv.unlinkRemoved()
	}
	return nil
}

// fireTraces runs one propagation over the record's trace list.
func (w *World) fireTraces(gv *globalVar, value Value) {
	w.Globals.mu.Lock()
	if gv.tracing || len(gv.traces) == 0 {
		w.Globals.mu.Unlock()
		return
	}
	gv.tracing = true
	snapshot := make([]*traceEntry, len(gv.traces))
	copy(snapshot, gv.traces)
	w.Globals.mu.Unlock()

	defer func() {
		w.Globals.mu.Lock()
		gv.tracing = false
		gv.unlinkRemoved()
		w.Globals.mu.Unlock()
	}()

	for _, t := range snapshot {
		if t.removed {
			continue
		}
		t.fn(value)
	}
}

func (gv *globalVar) unlinkRemoved() {
	kept := gv.traces[:0]
	for _, t := range gv.traces {
		if !t.removed {
			kept = append(kept, t)
		}
	}
	gv.traces = kept
}

// ---------------------------------------------------------------------------
// Aliasing
// ---------------------------------------------------------------------------

// GlobalAlias binds newName to oldName's variable record, sharing storage
// and traces. Aliasing is rejected while either record is propagating
// traces. The record newName previously pointed at loses one reference
// and dissolves when no names remain bound to it.
func (w *World) GlobalAlias(task *Task, newName, oldName string) error {
	newID, err := w.globalWriteChecks(task, newName)
	if err != nil {
		return err
	}
	if !IsGlobalName(oldName) {
		return badGlobalName(oldName)
	}
	oldID := w.Symbols.Intern(oldName)

	target := w.Globals.entry(oldID)
	prev := w.Globals.entry(newID)
	if target == prev {
		return nil
	}

	w.Globals.mu.Lock()
	defer w.Globals.mu.Unlock()
	if target.tracing || prev.tracing {
		return runtimeErrorf("can't alias in tracer")
	}
	target.refs++
	prev.refs--
	w.Globals.vars[newID] = target
	return nil
}

// ---------------------------------------------------------------------------
// Shared checks
// ---------------------------------------------------------------------------

func (w *World) globalWriteChecks(task *Task, name string) (uint32, error) {
	if !IsGlobalName(name) {
		return 0, badGlobalName(name)
	}
	if !task.IsMain() {
		return 0, isolationErrorf(name,
			"can't modify global variable %s from a non-main task", name)
	}
	return w.Symbols.Intern(name), nil
}

func badGlobalName(name string) error {
	return nameErrorf(name, "", "`%s' is not allowed as a global variable name", name)
}
