package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// SymbolTable tests
// ---------------------------------------------------------------------------

func TestSymbolIntern(t *testing.T) {
	st := NewSymbolTable()

	id1 := st.Intern("hello")
	id2 := st.Intern("world")
	id3 := st.Intern("hello")

	if id1 == id2 {
		t.Error("different symbols should get different IDs")
	}
	if id1 != id3 {
		t.Errorf("re-interning should return the same ID: %d != %d", id1, id3)
	}
	if st.Len() != 2 {
		t.Errorf("Len() = %d, want 2", st.Len())
	}
}

func TestSymbolLookup(t *testing.T) {
	st := NewSymbolTable()
	id := st.Intern("greeting")

	got, ok := st.Lookup("greeting")
	if !ok || got != id {
		t.Errorf("Lookup = %d,%v, want %d,true", got, ok, id)
	}
	if _, ok := st.Lookup("missing"); ok {
		t.Error("Lookup of unknown symbol should report false")
	}
}

func TestSymbolName(t *testing.T) {
	st := NewSymbolTable()
	id := st.Intern("answer")

	if got := st.Name(id); got != "answer" {
		t.Errorf("Name(%d) = %q, want %q", id, got, "answer")
	}
	if got := st.Name(9999); got != "" {
		t.Errorf("Name of invalid ID = %q, want empty", got)
	}
}

func TestSymbolAll(t *testing.T) {
	st := NewSymbolTable()
	names := []string{"a", "b", "c"}
	for _, n := range names {
		st.Intern(n)
	}

	all := st.All()
	if len(all) != len(names) {
		t.Fatalf("All() length = %d, want %d", len(all), len(names))
	}
	for i, n := range names {
		if all[i] != n {
			t.Errorf("All()[%d] = %q, want %q", i, all[i], n)
		}
	}
}

func TestSymbolValue(t *testing.T) {
	st := NewSymbolTable()
	v := st.SymbolValue("token")

	if !v.IsSymbol() {
		t.Error("SymbolValue should produce a symbol")
	}
	if st.Name(v.SymbolID()) != "token" {
		t.Errorf("round trip = %q, want %q", st.Name(v.SymbolID()), "token")
	}
}

func TestSymbolConcurrentIntern(t *testing.T) {
	st := NewSymbolTable()

	var wg sync.WaitGroup
	ids := make([]uint32, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = st.Intern("shared")
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("goroutine %d got ID %d, want %d", i, id, ids[0])
		}
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

// ---------------------------------------------------------------------------
// Identifier classification tests
// ---------------------------------------------------------------------------

func TestIsAttrName(t *testing.T) {
	valid := []string{"@x", "@foo", "@_private", "@value2"}
	for _, name := range valid {
		if !IsAttrName(name) {
			t.Errorf("IsAttrName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "@", "@@x", "x", "@1x", "@x-y", "$x", "X"}
	for _, name := range invalid {
		if IsAttrName(name) {
			t.Errorf("IsAttrName(%q) = true, want false", name)
		}
	}
}

func TestIsClassVarName(t *testing.T) {
	valid := []string{"@@x", "@@count", "@@_shared"}
	for _, name := range valid {
		if !IsClassVarName(name) {
			t.Errorf("IsClassVarName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "@@", "@x", "@@@x", "@@1x", "x", "$x"}
	for _, name := range invalid {
		if IsClassVarName(name) {
			t.Errorf("IsClassVarName(%q) = true, want false", name)
		}
	}
}

func TestIsGlobalName(t *testing.T) {
	valid := []string{"$x", "$stdout", "$_", "$debug_mode"}
	for _, name := range valid {
		if !IsGlobalName(name) {
			t.Errorf("IsGlobalName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "$", "$1", "$x-y", "x", "@x"}
	for _, name := range invalid {
		if IsGlobalName(name) {
			t.Errorf("IsGlobalName(%q) = true, want false", name)
		}
	}
}

func TestIsConstName(t *testing.T) {
	valid := []string{"X", "Foo", "HTTP", "Foo2", "Foo_Bar"}
	for _, name := range valid {
		if !IsConstName(name) {
			t.Errorf("IsConstName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "x", "foo", "_Foo", "1X", "Foo::Bar", "Foo-Bar"}
	for _, name := range invalid {
		if IsConstName(name) {
			t.Errorf("IsConstName(%q) = true, want false", name)
		}
	}
}

func TestIsConstPath(t *testing.T) {
	valid := []string{"Foo", "Foo::Bar", "A::B::C"}
	for _, name := range valid {
		if !IsConstPath(name) {
			t.Errorf("IsConstPath(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "::", "Foo::", "::Foo", "Foo::bar", "foo::Bar"}
	for _, name := range invalid {
		if IsConstPath(name) {
			t.Errorf("IsConstPath(%q) = true, want false", name)
		}
	}
}
