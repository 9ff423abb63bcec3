package hashcache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS hash_cache (
	path     TEXT PRIMARY KEY,
	mod_time INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	md5      TEXT NOT NULL
)`

// SQLiteStore persists digests across launcher restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the cache database at path.
// Pass ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hash cache: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers from concurrent validators.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize hash cache: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(k Key) (string, bool, error) {
	var digest string
	err := s.db.QueryRow(
		`SELECT md5 FROM hash_cache WHERE path = ? AND mod_time = ? AND size = ?`,
		k.Path, k.ModTime.UnixNano(), k.Size,
	).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hash cache lookup: %w", err)
	}
	return digest, true, nil
}

func (s *SQLiteStore) Put(k Key, digest string) error {
	_, err := s.db.Exec(
		`INSERT INTO hash_cache (path, mod_time, size, md5) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET mod_time = excluded.mod_time, size = excluded.size, md5 = excluded.md5`,
		k.Path, k.ModTime.UnixNano(), k.Size, digest,
	)
	if err != nil {
		return fmt.Errorf("hash cache store: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
