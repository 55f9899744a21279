package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// World bootstrap tests
// ---------------------------------------------------------------------------

func TestNewWorld(t *testing.T) {
	w := NewWorld()
	if w == nil {
		t.Fatal("NewWorld returned nil")
	}
	if w.Symbols == nil {
		t.Error("Symbols should be initialized")
	}
	if w.Classes == nil {
		t.Error("Classes should be initialized")
	}
	if w.Globals == nil {
		t.Error("Globals should be initialized")
	}
	if w.Autoloads == nil {
		t.Error("Autoloads should be initialized")
	}
	if w.Handles == nil {
		t.Error("Handles should be initialized")
	}
	if w.Object == nil {
		t.Error("Object should be bootstrapped")
	}
}

func TestBootstrapObject(t *testing.T) {
	w := NewWorld()

	// The root is registered and named through the ordinary path.
	if w.Classes.Len() != 1 {
		t.Errorf("Classes.Len() = %d, want 1", w.Classes.Len())
	}
	if path, ok := w.Object.PermanentPath(); !ok || path != "Object" {
		t.Errorf("PermanentPath() = %q,%v, want Object,true", path, ok)
	}

	// The root resolves itself by name.
	v, err := w.ConstGet(w.MainTask(), w.Object, "Object")
	if err != nil {
		t.Fatalf("ConstGet(Object): %v", err)
	}
	if w.Classes.FromValue(v) != w.Object {
		t.Error("constant Object should resolve to the root class")
	}
}

func TestWorldsShareNothing(t *testing.T) {
	w1 := NewWorld()
	w2 := NewWorld()

	w1.DefineClass(w1.MainTask(), nil, "Widget", nil)
	if w2.ConstDefined(w2.MainTask(), w2.Object, "Widget", ConstOptions{}) {
		t.Error("class defined in one world should be invisible in another")
	}
}

// ---------------------------------------------------------------------------
// Task tests
// ---------------------------------------------------------------------------

func TestMainTask(t *testing.T) {
	w := NewWorld()
	if !w.MainTask().IsMain() {
		t.Error("MainTask().IsMain() should be true")
	}

	worker := w.NewTask("worker")
	if worker.IsMain() {
		t.Error("NewTask should create a non-main task")
	}
}

// ---------------------------------------------------------------------------
// Definition tests
// ---------------------------------------------------------------------------

func TestDefineClass(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	point, err := w.DefineClass(task, nil, "Point", nil)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	if point.Superclass() != w.Object {
		t.Error("nil super should default to Object")
	}
	if path, ok := point.PermanentPath(); !ok || path != "Point" {
		t.Errorf("PermanentPath() = %q,%v, want Point,true", path, ok)
	}

	// The class is bound as a constant in the top-level namespace.
	v, err := w.ConstGet(task, w.Object, "Point")
	if err != nil {
		t.Fatalf("ConstGet(Point): %v", err)
	}
	if w.Classes.FromValue(v) != point {
		t.Error("constant Point should resolve to the defined class")
	}
}

func TestDefineClassNested(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	graphics, err := w.DefineModule(task, nil, "Graphics")
	if err != nil {
		t.Fatalf("DefineModule: %v", err)
	}
	point, err := w.DefineClass(task, graphics, "Point", nil)
	if err != nil {
		t.Fatalf("DefineClass: %v", err)
	}
	if path, _ := point.PermanentPath(); path != "Graphics::Point" {
		t.Errorf("PermanentPath() = %q, want Graphics::Point", path)
	}
}

func TestDefineModule(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	m, err := w.DefineModule(task, nil, "Enumerable")
	if err != nil {
		t.Fatalf("DefineModule: %v", err)
	}
	if !m.IsModule() {
		t.Error("DefineModule should create a module")
	}
	if path, _ := m.PermanentPath(); path != "Enumerable" {
		t.Errorf("PermanentPath() = %q, want Enumerable", path)
	}
}

func TestDefineClassFromWorkerFails(t *testing.T) {
	w := NewWorld()
	worker := w.NewTask("worker")

	var ie *IsolationError
	if _, err := w.DefineClass(worker, nil, "Point", nil); !errors.As(err, &ie) {
		t.Errorf("DefineClass from worker = %v, want IsolationError", err)
	}
}

// ---------------------------------------------------------------------------
// Singleton class tests
// ---------------------------------------------------------------------------

func TestSingletonClassOf(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	point, _ := w.DefineClass(task, nil, "Point", nil)

	s := w.SingletonClassOf(point)
	if s == nil {
		t.Fatal("SingletonClassOf returned nil")
	}
	if !s.IsSingleton() {
		t.Error("IsSingleton should be true")
	}
	if s.Attached() != point {
		t.Error("Attached() should return the served class")
	}
	// Repeated calls return the same singleton.
	if w.SingletonClassOf(point) != s {
		t.Error("SingletonClassOf should be idempotent")
	}
}

func TestSingletonTower(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	point, _ := w.DefineClass(task, nil, "Point", nil)
	colorPoint, _ := w.DefineClass(task, nil, "ColorPoint", point)

	// The singleton of a subclass inherits from the singleton of its
	// superclass.
	sSub := w.SingletonClassOf(colorPoint)
	sPoint := w.SingletonClassOf(point)
	if sSub.Superclass() != sPoint {
		t.Errorf("singleton super = %v, want singleton of Point", sSub.Superclass())
	}
	if sPoint.Superclass() != w.SingletonClassOf(w.Object) {
		t.Error("singleton of Point should inherit from singleton of Object")
	}

	// The tower closes on the root class itself.
	sRoot := w.SingletonClassOf(w.Object)
	if sRoot.Superclass() != w.Object {
		t.Errorf("root singleton super = %v, want Object", sRoot.Superclass())
	}
}
