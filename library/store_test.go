package library

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "lib.db"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreDocumentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	doc := []byte("feature: geometry/matrix\n")
	if err := s.PutDocument("geometry/matrix", doc); err != nil {
		t.Fatalf("PutDocument failed: %v", err)
	}

	got, ok, err := s.GetDocument("geometry/matrix")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if !ok {
		t.Fatal("GetDocument found nothing")
	}
	if !bytes.Equal(got, doc) {
		t.Errorf("document = %q, want %q", got, doc)
	}

	if _, ok, err := s.GetDocument("missing"); err != nil || ok {
		t.Errorf("GetDocument(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestStoreDocumentReplace(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDocument("f", []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDocument("f", []byte("new")); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.GetDocument("f")
	if err != nil || !ok {
		t.Fatalf("GetDocument = %v, %v", ok, err)
	}
	if string(got) != "new" {
		t.Errorf("document = %q, want new", got)
	}
}

func TestStoreDropDocument(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDocument("f", []byte("doc")); err != nil {
		t.Fatal(err)
	}
	if err := s.DropDocument("f"); err != nil {
		t.Fatalf("DropDocument failed: %v", err)
	}
	if _, ok, _ := s.GetDocument("f"); ok {
		t.Error("document should be gone after DropDocument")
	}
}

func TestStoreLoadRecords(t *testing.T) {
	s := openTestStore(t)

	if ok, err := s.Loaded("geometry/matrix"); err != nil || ok {
		t.Fatalf("Loaded before any record = %v, %v; want false, nil", ok, err)
	}

	if err := s.RecordLoad("geometry/matrix", "session-1", true); err != nil {
		t.Fatalf("RecordLoad failed: %v", err)
	}
	if ok, err := s.Loaded("geometry/matrix"); err != nil || !ok {
		t.Errorf("Loaded = %v, %v; want true, nil", ok, err)
	}

	session, found, err := s.LoadSession("geometry/matrix")
	if err != nil || !found {
		t.Fatalf("LoadSession = %v, %v", found, err)
	}
	if session != "session-1" {
		t.Errorf("session = %q, want session-1", session)
	}

	// A later failed load replaces the record.
	if err := s.RecordLoad("geometry/matrix", "session-2", false); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Loaded("geometry/matrix"); ok {
		t.Error("Loaded should be false after a failed reload")
	}
	if session, _, _ := s.LoadSession("geometry/matrix"); session != "session-2" {
		t.Errorf("session = %q, want session-2", session)
	}
}

func TestStoreCounts(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutDocument("a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDocument("b", []byte("y")); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordLoad("a", "s", true); err != nil {
		t.Fatal(err)
	}

	features, loads, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if features != 2 {
		t.Errorf("features = %d, want 2", features)
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
}

func TestStoreCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".greta", "lib.db")

	s, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, ".greta")); err != nil {
		t.Errorf("store directory not created: %v", err)
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lib.db")

	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutDocument("f", []byte("doc")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.GetDocument("f")
	if err != nil || !ok {
		t.Fatalf("GetDocument after reopen = %v, %v", ok, err)
	}
	if string(got) != "doc" {
		t.Errorf("document = %q, want doc", got)
	}
}
