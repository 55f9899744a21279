package library

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Store: sqlite feature cache
// ---------------------------------------------------------------------------

// Store caches fetched feature documents and records load outcomes.
// The same database file may be shared by concurrent processes; sqlite
// serializes them under the busy timeout.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the feature cache at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("library: creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("library: opening store: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("library: setting busy timeout: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS features (
			name       TEXT PRIMARY KEY,
			doc        BLOB NOT NULL,
			fetched_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loads (
			name      TEXT PRIMARY KEY,
			session   TEXT NOT NULL,
			loaded_at INTEGER NOT NULL,
			ok        INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("library: creating tables: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutDocument caches a feature document, replacing any previous copy.
func (s *Store) PutDocument(name string, doc []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO features (name, doc, fetched_at) VALUES (?, ?, ?)",
		name, doc, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("library: caching document %s: %w", name, err)
	}
	return nil
}

// GetDocument returns the cached document for a feature, reporting
// whether one exists.
func (s *Store) GetDocument(name string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRow("SELECT doc FROM features WHERE name = ?", name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("library: querying document %s: %w", name, err)
	}
	return doc, true, nil
}

// DropDocument removes a cached document.
func (s *Store) DropDocument(name string) error {
	_, err := s.db.Exec("DELETE FROM features WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("library: dropping document %s: %w", name, err)
	}
	return nil
}

// RecordLoad replaces the load record of a feature with the outcome of
// the given session.
func (s *Store) RecordLoad(name, session string, ok bool) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO loads (name, session, loaded_at, ok) VALUES (?, ?, ?, ?)",
		name, session, time.Now().Unix(), okInt,
	)
	if err != nil {
		return fmt.Errorf("library: recording load of %s: %w", name, err)
	}
	return nil
}

// Loaded reports whether the most recent load of a feature succeeded.
func (s *Store) Loaded(name string) (bool, error) {
	var ok int
	err := s.db.QueryRow("SELECT ok FROM loads WHERE name = ?", name).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("library: querying load of %s: %w", name, err)
	}
	return ok == 1, nil
}

// LoadSession returns the session that last loaded a feature.
func (s *Store) LoadSession(name string) (string, bool, error) {
	var session string
	err := s.db.QueryRow("SELECT session FROM loads WHERE name = ?", name).Scan(&session)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("library: querying load of %s: %w", name, err)
	}
	return session, true, nil
}

// Counts reports how many documents are cached and how many load
// records exist.
func (s *Store) Counts() (features, loads int, err error) {
	if err = s.db.QueryRow("SELECT COUNT(*) FROM features").Scan(&features); err != nil {
		return 0, 0, fmt.Errorf("library: counting features: %w", err)
	}
	if err = s.db.QueryRow("SELECT COUNT(*) FROM loads").Scan(&loads); err != nil {
		return 0, 0, fmt.Errorf("library: counting loads: %w", err)
	}
	return features, loads, nil
}
