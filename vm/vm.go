package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// World: the greta object kernel
// ---------------------------------------------------------------------------

// World owns every table of the object kernel: symbols, classes, global
// variables, constants, pending autoloads, and the attribute side table.
// All state is world-local; two worlds share nothing.
type World struct {
	// Global tables
	Symbols   *SymbolTable   // name -> identifier
	Classes   *ClassTable    // registry id -> class
	Globals   *GlobalTable   // identifier -> variable record
	Autoloads *AutoloadTable // feature -> pending-load record
	Handles   *HandleTable   // handle id -> host object

	// Object is the top-level namespace: constant paths start here and
	// module fallback searches end here.
	Object *Class

	// mainTask is the only task allowed to mutate shared state.
	mainTask *Task

	// chainMu serializes ancestry mutation, singleton creation, and
	// classpath recursion.
	chainMu sync.RWMutex

	// Attribute rows for handle-keyed (foreign-shaped) receivers.
	side   map[Value]*sideRow
	sideMu sync.RWMutex

	// loader executes deferred feature loads; nil fails every trigger.
	loader FeatureLoader

	// cvarStamp advances on every class-variable write anywhere and
	// invalidates every resolution cache.
	cvarStamp atomic.Uint64

	// Diagnostics
	diag               DiagnosticSink
	diagMu             sync.RWMutex
	deprecatedWarnings atomic.Bool
}

// NewWorld creates and bootstraps a new world.
func NewWorld() *World {
	w := &World{
		Symbols:   NewSymbolTable(),
		Classes:   NewClassTable(),
		Globals:   NewGlobalTable(),
		Autoloads: NewAutoloadTable(),
		Handles:   NewHandleTable(),
	}
	w.mainTask = newTask("main", true)
	w.diag = NewLogSink()
	w.bootstrap()
	return w
}

// MainTask returns the task shared-state mutation is confined to.
func (w *World) MainTask() *Task { return w.mainTask }

// NewTask creates a non-main task. Non-main tasks read shareable values
// and mutate nothing shared.
func (w *World) NewTask(name string) *Task {
	return newTask(name, false)
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

func (w *World) bootstrap() {
	// Object is the root of the class tree and the top-level namespace.
	w.Object = NewClass("Object", nil)
	w.Classes.Register(w.Object)

	// Publishing the root under its own name assigns its permanent
	// classpath through the ordinary definition path.
	if err := w.ConstSet(w.mainTask, w.Object, "Object", ClassToValue(w.Object)); err != nil {
		panic("World.bootstrap: " + err.Error())
	}
}

// ---------------------------------------------------------------------------
// Class and module definition
// ---------------------------------------------------------------------------

// DefineClass creates a class under outer, registers it, and binds it as
// a constant there. A nil outer means the top-level namespace; a nil
// super inherits from Object.
func (w *World) DefineClass(task *Task, outer *Class, name string, super *Class) (*Class, error) {
	if !task.IsMain() {
		return nil, isolationErrorf(name, "can't define class %s from a non-main task", name)
	}
	if outer == nil {
		outer = w.Object
	}
	if !IsConstName(name) {
		return nil, nameErrorf(name, outer.FullName(), "wrong constant name %s", name)
	}
	if super == nil {
		super = w.Object
	}
	c := NewClass(name, super)
	w.Classes.Register(c)
	if err := w.ConstSet(task, outer, name, ClassToValue(c)); err != nil {
		return nil, err
	}
	return c, nil
}

// DefineModule creates a module under outer and binds it as a constant
// there. A nil outer means the top-level namespace.
func (w *World) DefineModule(task *Task, outer *Class, name string) (*Class, error) {
	if !task.IsMain() {
		return nil, isolationErrorf(name, "can't define module %s from a non-main task", name)
	}
	if outer == nil {
		outer = w.Object
	}
	if !IsConstName(name) {
		return nil, nameErrorf(name, outer.FullName(), "wrong constant name %s", name)
	}
	m := NewModule(name)
	w.Classes.Register(m)
	if err := w.ConstSet(task, outer, name, ClassToValue(m)); err != nil {
		return nil, err
	}
	return m, nil
}

// SingletonClassOf returns c's singleton class, creating the tower above
// it on first use. The singleton of the root class closes the tower on
// the root itself.
func (w *World) SingletonClassOf(c *Class) *Class {
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	return w.singletonLocked(c)
}

func (w *World) singletonLocked(c *Class) *Class {
	if c.singleton != nil {
		return c.singleton
	}
	super := c
	if sc := c.Superclass(); sc != nil {
		super = w.singletonLocked(sc)
	}
	s := newSingleton(c, super)
	w.Classes.Register(s)
	c.singleton = s
	return s
}
