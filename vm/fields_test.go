package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// FieldTable tests
// ---------------------------------------------------------------------------

func TestFieldTableEnsure(t *testing.T) {
	ft := NewFieldTable()

	if got := ft.Ensure(100); got != 0 {
		t.Errorf("first Ensure = %d, want 0", got)
	}
	if got := ft.Ensure(200); got != 1 {
		t.Errorf("second Ensure = %d, want 1", got)
	}
	// Re-ensuring an existing name returns the original index.
	if got := ft.Ensure(100); got != 0 {
		t.Errorf("repeated Ensure = %d, want 0", got)
	}
	if ft.Len() != 2 {
		t.Errorf("Len = %d, want 2", ft.Len())
	}
}

func TestFieldTableLookup(t *testing.T) {
	ft := NewFieldTable()
	ft.Ensure(7)

	if idx, ok := ft.Lookup(7); !ok || idx != 0 {
		t.Errorf("Lookup(7) = %d,%v, want 0,true", idx, ok)
	}
	if _, ok := ft.Lookup(8); ok {
		t.Error("Lookup of unknown name should report false")
	}
}

func TestFieldTableOrder(t *testing.T) {
	ft := NewFieldTable()
	for _, name := range []uint32{30, 10, 20} {
		ft.Ensure(name)
	}

	names := ft.Names()
	want := []uint32{30, 10, 20}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %d, want %d", i, names[i], want[i])
		}
	}

	var visited []int
	ft.Each(func(name uint32, index int) bool {
		visited = append(visited, index)
		return true
	})
	if len(visited) != 3 || visited[0] != 0 || visited[2] != 2 {
		t.Errorf("Each indices = %v, want [0 1 2]", visited)
	}
}

func TestFieldTableConcurrentEnsure(t *testing.T) {
	ft := NewFieldTable()

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = ft.Ensure(42)
		}(i)
	}
	wg.Wait()

	// Every goroutine must agree on the assigned index.
	for i, idx := range results {
		if idx != results[0] {
			t.Errorf("goroutine %d got index %d, want %d", i, idx, results[0])
		}
	}
	if ft.Len() != 1 {
		t.Errorf("Len = %d, want 1", ft.Len())
	}
}

func TestFieldTableGrowObject(t *testing.T) {
	w := NewWorld()
	task := w.MainTask()
	point, _ := w.DefineClass(task, nil, "Point", nil)
	obj := NewObject(point, 0)
	ft := point.FieldTable()

	ft.GrowObject(obj, 10)
	if obj.NumSlots() <= 10 {
		t.Errorf("NumSlots = %d, want > 10", obj.NumSlots())
	}
	// Newly grown slots read as Undef.
	if v := obj.GetSlot(10); !v.IsUndef() {
		t.Errorf("grown slot = %v, want Undef", v)
	}

	// Growth to an already-addressable index is a no-op.
	before := obj.NumSlots()
	ft.GrowObject(obj, 3)
	if obj.NumSlots() != before {
		t.Errorf("NumSlots = %d, want %d", obj.NumSlots(), before)
	}
}
