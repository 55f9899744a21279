package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Task tests
// ---------------------------------------------------------------------------

func TestTaskIdentity(t *testing.T) {
	w := NewWorld()
	main := w.MainTask()
	worker := w.NewTask("worker")

	if !main.IsMain() {
		t.Error("main task IsMain = false")
	}
	if worker.IsMain() {
		t.Error("worker IsMain = true")
	}
	if main.Name() != "main" || worker.Name() != "worker" {
		t.Errorf("names = %q,%q, want main,worker", main.Name(), worker.Name())
	}
	if main.ID() == worker.ID() {
		t.Error("task IDs should be unique")
	}
}

func TestLocationStack(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	if loc := task.CurrentLocation(); !loc.IsZero() {
		t.Errorf("CurrentLocation on empty stack = %v, want zero", loc)
	}

	task.PushLocation(SourceLocation{File: "outer.gr", Line: 1})
	task.PushLocation(SourceLocation{File: "inner.gr", Line: 9})
	if loc := task.CurrentLocation(); loc.File != "inner.gr" || loc.Line != 9 {
		t.Errorf("CurrentLocation = %v, want inner.gr:9", loc)
	}

	task.PopLocation()
	if loc := task.CurrentLocation(); loc.File != "outer.gr" {
		t.Errorf("CurrentLocation = %v, want outer.gr:1", loc)
	}

	task.PopLocation()
	task.PopLocation() // popping an empty stack is harmless
	if loc := task.CurrentLocation(); !loc.IsZero() {
		t.Errorf("CurrentLocation after drain = %v, want zero", loc)
	}
}

func TestSourceLocationString(t *testing.T) {
	if got := (SourceLocation{}).String(); got != "?" {
		t.Errorf("zero String() = %q, want %q", got, "?")
	}
	loc := SourceLocation{File: "a.gr", Line: 3}
	if got := loc.String(); got != "a.gr:3" {
		t.Errorf("String() = %q, want %q", got, "a.gr:3")
	}
}

// ---------------------------------------------------------------------------
// Shareability tests
// ---------------------------------------------------------------------------

func TestShareableImmediates(t *testing.T) {
	w := NewWorld()
	values := []Value{
		Nil, True, False,
		FromSmallInt(42), FromFloat64(1.5),
		FromSymbolID(w.Symbols.Intern("tag")),
	}
	for _, v := range values {
		if !Shareable(v) {
			t.Errorf("Shareable(%v) = false, want true", v)
		}
	}
}

func TestShareableHandle(t *testing.T) {
	w := NewWorld()
	v := w.RegisterHost(nil, "conn")
	if Shareable(v) {
		t.Error("handles should never be shareable")
	}
}

func TestShareableObjects(t *testing.T) {
	w := NewWorld()

	plain := NewObject(w.Object, 0)
	if Shareable(plain.ToValue()) {
		t.Error("unfrozen object should not be shareable")
	}
	plain.Freeze()
	if !Shareable(plain.ToValue()) {
		t.Error("frozen empty object should be shareable")
	}

	// Unset slots do not count against shareability.
	sparse := NewObject(w.Object, 3)
	sparse.Freeze()
	if !Shareable(sparse.ToValue()) {
		t.Error("frozen object with only unset slots should be shareable")
	}

	mixed := NewObject(w.Object, 2)
	mixed.SetSlot(0, FromSmallInt(1))
	mixed.SetSlot(1, True)
	mixed.Freeze()
	if !Shareable(mixed.ToValue()) {
		t.Error("frozen object with immediate slots should be shareable")
	}
}

func TestShareableRecursion(t *testing.T) {
	w := NewWorld()

	inner := NewObject(w.Object, 0)
	outer := NewObject(w.Object, 1)
	outer.SetSlot(0, inner.ToValue())
	outer.Freeze()

	// An unfrozen reference poisons the holder.
	if Shareable(outer.ToValue()) {
		t.Error("frozen object holding an unfrozen one should not be shareable")
	}
	inner.Freeze()
	if !Shareable(outer.ToValue()) {
		t.Error("fully frozen graph should be shareable")
	}

	// Handles poison regardless of freezing.
	holder := NewObject(w.Object, 1)
	holder.SetSlot(0, w.RegisterHost(nil, "conn"))
	holder.Freeze()
	if Shareable(holder.ToValue()) {
		t.Error("frozen object holding a handle should not be shareable")
	}
}

func TestShareableCycle(t *testing.T) {
	w := NewWorld()

	a := NewObject(w.Object, 1)
	b := NewObject(w.Object, 1)
	a.SetSlot(0, b.ToValue())
	b.SetSlot(0, a.ToValue())
	a.Freeze()
	b.Freeze()

	if !Shareable(a.ToValue()) {
		t.Error("frozen cyclic graph should be shareable")
	}
}
