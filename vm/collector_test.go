package vm

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Root marking tests
// ---------------------------------------------------------------------------

func TestMarkRootsVisitsWorldTables(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	point, _ := w.DefineClass(task, nil, "Point", nil)
	socket, _ := w.DefineClass(task, nil, "Socket", nil)

	inConst := NewObject(w.Object, 0).ToValue()
	inGlobal := NewObject(w.Object, 0).ToValue()
	inSide := NewObject(w.Object, 0).ToValue()
	inClassAttr := NewObject(w.Object, 0).ToValue()
	inCvar := NewObject(w.Object, 0).ToValue()

	w.ConstSet(task, w.Object, "Marked", inConst)
	w.GlobalDefine(task, "$marked", inGlobal)
	handle := w.RegisterHost(socket, "conn")
	w.AttrSet(task, handle, "@ref", inSide)
	w.AttrSet(task, ClassToValue(point), "@meta", inClassAttr)
	w.ClassVarSet(task, point, "@@pool", inCvar)
	w.ConstSet(task, w.Object, "Conn", handle)

	seen := make(map[Value]bool)
	w.MarkRoots(func(v Value) {
		if !v.IsObject() && !v.IsHandle() {
			t.Errorf("MarkRoots visited non-reference %v", v)
		}
		seen[v] = true
	})

	for _, want := range []Value{inConst, inGlobal, inSide, inClassAttr, inCvar, handle} {
		if !seen[want] {
			t.Errorf("MarkRoots missed %v", want)
		}
	}
}

func TestMarkRootsStagedDeferredValue(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()

	loader := &recordingLoader{}
	loader.load = func(task *Task, feature string) (bool, error) {
		staged := NewObject(w.Object, 0).ToValue()
		w.ConstSet(task, w.Object, "Pending", staged)

		// The staged value is owned by the record until the commit.
		found := false
		w.MarkRoots(func(v Value) {
			if v == staged {
				found = true
			}
		})
		if !found {
			t.Error("MarkRoots missed the staged deferred value")
		}
		return true, nil
	}
	w.SetFeatureLoader(loader)
	w.AutoloadDeclare(task, w.Object, "Pending", "app/pending")
	if _, err := w.ConstGet(task, w.Object, "Pending"); err != nil {
		t.Fatalf("ConstGet: %v", err)
	}
}

func TestUpdateReferences(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	point, _ := w.DefineClass(task, nil, "Point", nil)
	socket, _ := w.DefineClass(task, nil, "Socket", nil)

	old := NewObject(w.Object, 0).ToValue()
	moved := NewObject(w.Object, 0).ToValue()
	kept := NewObject(w.Object, 0).ToValue()

	w.ConstSet(task, w.Object, "Ref", old)
	w.ConstSet(task, w.Object, "Kept", kept)
	w.GlobalDefine(task, "$ref", old)
	handle := w.RegisterHost(socket, "conn")
	w.AttrSet(task, handle, "@ref", old)
	w.AttrSet(task, ClassToValue(point), "@ref", old)
	w.ClassVarSet(task, point, "@@ref", old)

	w.UpdateReferences(func(v Value) Value {
		if v == old {
			return moved
		}
		return v
	})

	if v, _ := w.ConstGet(task, w.Object, "Ref"); v != moved {
		t.Errorf("constant = %v, want relocated value", v)
	}
	if v, _ := w.ConstGet(task, w.Object, "Kept"); v != kept {
		t.Errorf("untouched constant = %v, want original", v)
	}
	if v, _ := w.GlobalGet(task, "$ref"); v != moved {
		t.Errorf("global = %v, want relocated value", v)
	}
	if v, _ := w.AttrGet(task, handle, "@ref"); v != moved {
		t.Errorf("handle attribute = %v, want relocated value", v)
	}
	if v, _ := w.AttrGet(task, ClassToValue(point), "@ref"); v != moved {
		t.Errorf("class attribute = %v, want relocated value", v)
	}
	if v, _ := w.ClassVarGet(task, point, "@@ref"); v != moved {
		t.Errorf("class variable = %v, want relocated value", v)
	}
}

// ---------------------------------------------------------------------------
// Sweep tests
// ---------------------------------------------------------------------------

func TestSweepOrphanRows(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	socket, _ := w.DefineClass(task, nil, "Socket", nil)
	c := NewCollector(w, DefaultSweepInterval)

	v := w.RegisterHost(socket, "conn")
	w.AttrSet(task, v, "@port", FromSmallInt(443))

	// Releasing through the registry alone leaves the attribute row behind.
	w.Handles.Release(v)

	stats := c.SweepNow()
	if stats.OrphanRows != 1 {
		t.Errorf("OrphanRows = %d, want 1", stats.OrphanRows)
	}
	w.sideMu.RLock()
	_, alive := w.side[v]
	w.sideMu.RUnlock()
	if alive {
		t.Error("orphan row should be swept")
	}
}

func TestSweepEmptyRows(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	socket, _ := w.DefineClass(task, nil, "Socket", nil)
	c := NewCollector(w, DefaultSweepInterval)

	v := w.RegisterHost(socket, "conn")

	// A row grown but never assigned holds only unset slots.
	w.sideMu.Lock()
	if w.side == nil {
		w.side = make(map[Value]*sideRow)
	}
	w.side[v] = &sideRow{slots: []Value{Undef, Undef}}
	w.sideMu.Unlock()

	stats := c.SweepNow()
	if stats.EmptyRows != 1 {
		t.Errorf("EmptyRows = %d, want 1", stats.EmptyRows)
	}
	if w.Handles.Len() != 1 {
		t.Errorf("Handles.Len() = %d, want 1 (sweep never releases handles)", w.Handles.Len())
	}
}

func TestSweepStaleCvarEntries(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	base, _ := w.DefineClass(task, nil, "Base", nil)
	sub, _ := w.DefineClass(task, nil, "Sub", base)
	c := NewCollector(w, DefaultSweepInterval)

	w.ClassVarSet(task, base, "@@x", FromSmallInt(1))
	if _, err := w.ClassVarGet(task, sub, "@@x"); err != nil {
		t.Fatalf("ClassVarGet: %v", err)
	}
	// The write bumps the stamp, aging both cached resolutions of @@x.
	w.ClassVarSet(task, base, "@@y", FromSmallInt(2))

	stats := c.SweepNow()
	if stats.StaleCvarEntries != 2 {
		t.Errorf("StaleCvarEntries = %d, want 2", stats.StaleCvarEntries)
	}

	// Pruned entries just recompute.
	if v, err := w.ClassVarGet(task, sub, "@@x"); err != nil || v.SmallInt() != 1 {
		t.Errorf("@@x after sweep = %v,%v, want 1", v, err)
	}
}

func TestSweepStats(t *testing.T) {
	w := NewWorld()
	c := NewCollector(w, DefaultSweepInterval)

	if c.LastStats() != nil {
		t.Error("LastStats should be nil before the first sweep")
	}
	stats := c.SweepNow()
	if stats.TotalSwept != stats.EmptyRows+stats.OrphanRows+stats.StaleCvarEntries {
		t.Errorf("TotalSwept = %d, want the sum of the parts", stats.TotalSwept)
	}
	if stats.Timestamp.IsZero() {
		t.Error("Timestamp should be set")
	}
	if c.LastStats() != stats {
		t.Error("LastStats should return the most recent sweep")
	}
	if c.SweepCount() != 1 {
		t.Errorf("SweepCount = %d, want 1", c.SweepCount())
	}
}

// ---------------------------------------------------------------------------
// Lifecycle tests
// ---------------------------------------------------------------------------

func TestCollectorLifecycle(t *testing.T) {
	w := NewWorld()
	c := NewCollector(w, 5*time.Millisecond)

	c.Start()
	c.Start() // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop() // second stop is a no-op

	if c.SweepCount() == 0 {
		t.Error("periodic sweeps should have run")
	}
	count := c.SweepCount()
	time.Sleep(20 * time.Millisecond)
	if c.SweepCount() != count {
		t.Error("sweeps should stop after Stop")
	}
}

func TestCollectorSetEnabled(t *testing.T) {
	w := NewWorld()
	c := NewCollector(w, 5*time.Millisecond)

	if !c.IsEnabled() {
		t.Fatal("collector should start enabled")
	}
	c.SetEnabled(false)
	c.Start()
	defer c.Stop()

	time.Sleep(30 * time.Millisecond)
	if c.SweepCount() != 0 {
		t.Errorf("SweepCount = %d while disabled, want 0", c.SweepCount())
	}

	c.SetEnabled(true)
	time.Sleep(30 * time.Millisecond)
	if c.SweepCount() == 0 {
		t.Error("sweeps should resume once re-enabled")
	}
}

func TestCollectorDefaultInterval(t *testing.T) {
	w := NewWorld()
	c := NewCollector(w, 0)
	if c.Interval() != DefaultSweepInterval {
		t.Errorf("Interval() = %v, want %v", c.Interval(), DefaultSweepInterval)
	}
}
