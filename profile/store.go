// Package profile persists method invocation counts between runs, keyed by
// bundle hash and method name, so a restarted VM can warm its JIT early.
package profile

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS profiles (
	bundle TEXT NOT NULL,
	method TEXT NOT NULL,
	count  INTEGER NOT NULL,
	PRIMARY KEY (bundle, method)
)`

// Store is an SQLite-backed profile store.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

func log() commonlog.Logger {
	return commonlog.GetLogger("springboard.profile")
}

// Open opens or creates the profile database at path, creating its
// directory if needed. ":memory:" opens a private in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating profile directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns the saved counts for a bundle. An unknown bundle yields an
// empty map.
func (s *Store) Load(bundle string) (map[string]uint64, error) {
	rows, err := s.db.Query("SELECT method, count FROM profiles WHERE bundle = ?", bundle)
	if err != nil {
		return nil, fmt.Errorf("querying profiles: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		if count > 0 {
			counts[method] = uint64(count)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading profiles: %w", err)
	}
	log().Debug("loaded profile", "bundle", bundle, "methods", len(counts))
	return counts, nil
}

// Save records counts for a bundle in one transaction, replacing the saved
// count of every method it names. Methods not in counts are kept.
func (s *Store) Save(bundle string, counts map[string]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO profiles (bundle, method, count) VALUES (?, ?, ?)
		ON CONFLICT (bundle, method) DO UPDATE SET count = excluded.count`)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for method, count := range counts {
		if _, err := stmt.Exec(bundle, method, clamp(count)); err != nil {
			return fmt.Errorf("saving profile for %s: %w", method, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing profiles: %w", err)
	}
	log().Info("saved profile", "bundle", bundle, "methods", len(counts))
	return nil
}

// Clear removes every saved count of a bundle.
func (s *Store) Clear(bundle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM profiles WHERE bundle = ?", bundle); err != nil {
		return fmt.Errorf("clearing profiles: %w", err)
	}
	return nil
}

// Bundles returns the hashes of all bundles with saved counts.
func (s *Store) Bundles() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT bundle FROM profiles ORDER BY bundle")
	if err != nil {
		return nil, fmt.Errorf("querying bundles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning bundle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SQLite integers are signed.
func clamp(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}
