package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Global variable tests
// ---------------------------------------------------------------------------

func TestGlobalDefineGetSet(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	if err := w.GlobalDefine(task, "$mode", FromSmallInt(1)); err != nil {
		t.Fatalf("GlobalDefine: %v", err)
	}
	v, err := w.GlobalGet(task, "$mode")
	if err != nil {
		t.Fatalf("GlobalGet: %v", err)
	}
	if v.SmallInt() != 1 {
		t.Errorf("$mode = %v, want 1", v.SmallInt())
	}

	if err := w.GlobalSet(task, "$mode", FromSmallInt(2)); err != nil {
		t.Fatalf("GlobalSet: %v", err)
	}
	v, _ = w.GlobalGet(task, "$mode")
	if v.SmallInt() != 2 {
		t.Errorf("$mode = %v, want 2", v.SmallInt())
	}
}

func TestGlobalUndefinedRead(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	got := captureDiagnostics(w)

	v, err := w.GlobalGet(task, "$unset")
	if err != nil {
		t.Fatalf("GlobalGet: %v", err)
	}
	if !v.IsNil() {
		t.Errorf("undefined global = %v, want Nil", v)
	}
	if len(*got) != 1 || !strings.Contains((*got)[0].Message, "global variable $unset not initialized") {
		t.Errorf("expected an uninitialized warning, got %v", *got)
	}
	if w.GlobalDefined("$unset") {
		t.Error("reading should not define the global")
	}
}

func TestGlobalFirstAssignmentDefines(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	if w.GlobalDefined("$flag") {
		t.Error("unassigned global should not be defined")
	}
	w.GlobalSet(task, "$flag", True)
	if !w.GlobalDefined("$flag") {
		t.Error("assignment should define the global")
	}
}

func TestGlobalBadName(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var ne *NameError
	for _, bad := range []string{"", "$", "x", "$1x", "@x"} {
		if err := w.GlobalSet(task, bad, Nil); !errors.As(err, &ne) {
			t.Errorf("GlobalSet(%q) = %v, want NameError", bad, err)
		}
	}
}

func TestGlobalReadonly(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	if err := w.GlobalDefineReadonly(task, "$version", FromSmallInt(3)); err != nil {
		t.Fatalf("GlobalDefineReadonly: %v", err)
	}
	v, err := w.GlobalGet(task, "$version")
	if err != nil || v.SmallInt() != 3 {
		t.Fatalf("GlobalGet = %v,%v, want 3", v, err)
	}

	var ne *NameError
	err = w.GlobalSet(task, "$version", FromSmallInt(4))
	if !errors.As(err, &ne) {
		t.Fatalf("GlobalSet on readonly = %v, want NameError", err)
	}
	if !strings.Contains(ne.Error(), "$version is a read-only variable") {
		t.Errorf("error = %q, want read-only message", ne.Error())
	}
}

func TestGlobalHooked(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var stored Value = FromSmallInt(10)
	err := w.GlobalDefineHooked(task, "$level",
		func(w *World) Value { return stored },
		func(w *World, v Value) error {
			if v.IsSmallInt() && v.SmallInt() < 0 {
				return argumentErrorf("level must not be negative")
			}
			stored = v
			return nil
		})
	if err != nil {
		t.Fatalf("GlobalDefineHooked: %v", err)
	}

	v, _ := w.GlobalGet(task, "$level")
	if v.SmallInt() != 10 {
		t.Errorf("$level = %v, want 10", v.SmallInt())
	}

	if err := w.GlobalSet(task, "$level", FromSmallInt(20)); err != nil {
		t.Fatalf("GlobalSet: %v", err)
	}
	v, _ = w.GlobalGet(task, "$level")
	if v.SmallInt() != 20 {
		t.Errorf("$level = %v, want 20", v.SmallInt())
	}

	// A setter error propagates and the value stays.
	var ae *ArgumentError
	if err := w.GlobalSet(task, "$level", FromSmallInt(-1)); !errors.As(err, &ae) {
		t.Errorf("GlobalSet(-1) = %v, want ArgumentError", err)
	}
	v, _ = w.GlobalGet(task, "$level")
	if v.SmallInt() != 20 {
		t.Errorf("$level after failed set = %v, want 20", v.SmallInt())
	}
}

func TestGlobalHookedNilAccessors(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	w.GlobalDefineHooked(task, "$sink", nil, nil)

	// A nil getter reads as Nil; a nil setter accepts and discards.
	v, err := w.GlobalGet(task, "$sink")
	if err != nil || !v.IsNil() {
		t.Errorf("GlobalGet = %v,%v, want Nil", v, err)
	}
	if err := w.GlobalSet(task, "$sink", FromSmallInt(1)); err != nil {
		t.Errorf("GlobalSet: %v", err)
	}
	v, _ = w.GlobalGet(task, "$sink")
	if !v.IsNil() {
		t.Errorf("$sink after discard-set = %v, want Nil", v)
	}
}

func TestGlobalHookedLastWriteMarked(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var stored Value = Nil
	w.GlobalDefineHooked(task, "$hooked",
		func(w *World) Value { return stored },
		func(w *World, v Value) error { stored = v; return nil })

	obj := NewObject(w.Object, 0).ToValue()
	if err := w.GlobalSet(task, "$hooked", obj); err != nil {
		t.Fatalf("GlobalSet: %v", err)
	}

	// The registry keeps the last value written through an accessor alive.
	seen := false
	w.MarkRoots(func(v Value) {
		if v == obj {
			seen = true
		}
	})
	if !seen {
		t.Error("MarkRoots missed the hooked global's last written value")
	}
}

func TestGlobalNamesOrder(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	w.GlobalDefine(task, "$one", FromSmallInt(1))
	w.GlobalDefine(task, "$two", FromSmallInt(2))
	w.SetDiagnosticSink(nil)
	w.GlobalGet(task, "$three") // first reference registers the name

	names := w.GlobalNames()
	want := []string{"$one", "$two", "$three"}
	if len(names) != len(want) {
		t.Fatalf("GlobalNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Trace tests
// ---------------------------------------------------------------------------

func TestGlobalTraceFiresInOrder(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var fired []int
	w.AddGlobalTrace(task, "$watched", func(v Value) {
		fired = append(fired, 1)
	})
	w.AddGlobalTrace(task, "$watched", func(v Value) {
		fired = append(fired, 2)
	})

	w.GlobalSet(task, "$watched", FromSmallInt(5))
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("trace order = %v, want [1 2]", fired)
	}
}

func TestGlobalTraceSeesStoredValue(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var seen Value
	w.AddGlobalTrace(task, "$watched", func(v Value) {
		seen = v
		// The value is already stored when traces run.
		cur, _ := w.GlobalGet(task, "$watched")
		if cur != v {
			t.Errorf("stored = %v, trace argument = %v", cur, v)
		}
	})

	w.GlobalSet(task, "$watched", FromSmallInt(7))
	if seen.SmallInt() != 7 {
		t.Errorf("trace saw %v, want 7", seen)
	}
}

func TestGlobalTraceReentrancySuppressed(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	calls := 0
	w.AddGlobalTrace(task, "$counter", func(v Value) {
		calls++
		// Assignment from inside a trace must not fire traces again.
		w.GlobalSet(task, "$counter", FromSmallInt(v.SmallInt()+1))
	})

	w.GlobalSet(task, "$counter", FromSmallInt(1))
	if calls != 1 {
		t.Errorf("trace fired %d times, want 1", calls)
	}
	v, _ := w.GlobalGet(task, "$counter")
	if v.SmallInt() != 2 {
		t.Errorf("$counter = %v, want 2 (inner assignment stored)", v.SmallInt())
	}
}

func TestGlobalTraceRemove(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	calls := 0
	h, err := w.AddGlobalTrace(task, "$watched", func(v Value) {
		calls++
	})
	if err != nil {
		t.Fatalf("AddGlobalTrace: %v", err)
	}

	w.GlobalSet(task, "$watched", FromSmallInt(1))
	if err := w.RemoveGlobalTrace(task, "$watched", h); err != nil {
		t.Fatalf("RemoveGlobalTrace: %v", err)
	}
	w.GlobalSet(task, "$watched", FromSmallInt(2))
	if calls != 1 {
		t.Errorf("trace fired %d times, want 1", calls)
	}
}

func TestGlobalTraceRemovalDuringPropagation(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var secondHandle *TraceHandle
	firstCalls, secondCalls := 0, 0

	w.AddGlobalTrace(task, "$watched", func(v Value) {
		firstCalls++
		// Removing a later trace mid-propagation keeps it from firing.
		w.RemoveGlobalTrace(task, "$watched", secondHandle)
	})
	secondHandle, _ = w.AddGlobalTrace(task, "$watched", func(v Value) {
		secondCalls++
	})

	w.GlobalSet(task, "$watched", FromSmallInt(1))
	if firstCalls != 1 {
		t.Errorf("first trace fired %d times, want 1", firstCalls)
	}
	if secondCalls != 0 {
		t.Errorf("second trace fired %d times, want 0 (removed mid-propagation)", secondCalls)
	}

	// The removed trace stays gone.
	w.GlobalSet(task, "$watched", FromSmallInt(2))
	if firstCalls != 2 || secondCalls != 0 {
		t.Errorf("calls = %d,%d, want 2,0", firstCalls, secondCalls)
	}
}

// ---------------------------------------------------------------------------
// Alias tests
// ---------------------------------------------------------------------------

func TestGlobalAlias(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	w.GlobalDefine(task, "$orig", FromSmallInt(1))
	if err := w.GlobalAlias(task, "$alias", "$orig"); err != nil {
		t.Fatalf("GlobalAlias: %v", err)
	}

	// Both names share one record.
	v, _ := w.GlobalGet(task, "$alias")
	if v.SmallInt() != 1 {
		t.Errorf("$alias = %v, want 1", v.SmallInt())
	}
	w.GlobalSet(task, "$alias", FromSmallInt(2))
	v, _ = w.GlobalGet(task, "$orig")
	if v.SmallInt() != 2 {
		t.Errorf("$orig = %v, want 2 (shared storage)", v.SmallInt())
	}
	if !w.GlobalDefined("$alias") {
		t.Error("alias of a defined global should be defined")
	}

	// Re-aliasing the same pair is a no-op.
	if err := w.GlobalAlias(task, "$alias", "$orig"); err != nil {
		t.Errorf("repeated GlobalAlias: %v", err)
	}
}

func TestGlobalAliasSharesTraces(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	calls := 0
	w.GlobalDefine(task, "$orig", FromSmallInt(1))
	w.AddGlobalTrace(task, "$orig", func(v Value) {
		calls++
	})
	w.GlobalAlias(task, "$alias", "$orig")

	w.GlobalSet(task, "$alias", FromSmallInt(2))
	if calls != 1 {
		t.Errorf("trace fired %d times via alias, want 1", calls)
	}
}

func TestGlobalAliasInTracerFails(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	var aliasErr error
	w.GlobalDefine(task, "$orig", FromSmallInt(1))
	w.AddGlobalTrace(task, "$orig", func(v Value) {
		aliasErr = w.GlobalAlias(task, "$late", "$orig")
	})

	w.GlobalSet(task, "$orig", FromSmallInt(2))
	var re *RuntimeError
	if !errors.As(aliasErr, &re) {
		t.Fatalf("alias during trace = %v, want RuntimeError", aliasErr)
	}
	if !strings.Contains(aliasErr.Error(), "can't alias in tracer") {
		t.Errorf("error = %q, want alias-in-tracer message", aliasErr.Error())
	}
}

// ---------------------------------------------------------------------------
// Isolation tests
// ---------------------------------------------------------------------------

func TestGlobalIsolation(t *testing.T) {
	w := NewWorld()
	main := w.MainTask()
	worker := w.NewTask("worker")

	var ie *IsolationError
	if err := w.GlobalSet(worker, "$x", FromSmallInt(1)); !errors.As(err, &ie) {
		t.Errorf("GlobalSet from worker = %v, want IsolationError", err)
	}
	if _, err := w.AddGlobalTrace(worker, "$x", func(Value) {}); !errors.As(err, &ie) {
		t.Errorf("AddGlobalTrace from worker = %v, want IsolationError", err)
	}
	if err := w.GlobalAlias(worker, "$y", "$x"); !errors.As(err, &ie) {
		t.Errorf("GlobalAlias from worker = %v, want IsolationError", err)
	}

	// Shareable reads are fine from any task.
	w.GlobalDefine(main, "$x", FromSmallInt(1))
	if _, err := w.GlobalGet(worker, "$x"); err != nil {
		t.Errorf("shareable read from worker: %v", err)
	}

	// Unshareable values may not cross.
	w.GlobalDefine(main, "$obj", NewObject(w.Object, 0).ToValue())
	if _, err := w.GlobalGet(worker, "$obj"); !errors.As(err, &ie) {
		t.Errorf("unshareable read from worker = %v, want IsolationError", err)
	}
}
