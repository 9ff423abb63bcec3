// Package hashcache memoizes file digests keyed by (path, mtime, size).
// A cached digest is only an optimization; callers must still verify the
// file's size independently before trusting it.
package hashcache

import (
	"sync"
	"time"
)

// Key identifies one observed version of a file.
type Key struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// Store holds digests. Implementations keep at most one entry per path, so
// a Put with a new mtime or size replaces the stale entry.
type Store interface {
	// Get returns the digest for k, or ok=false when absent or stale.
	Get(k Key) (digest string, ok bool, err error)
	Put(k Key, digest string) error
	Close() error
}

type memEntry struct {
	modTime int64
	size    int64
	digest  string
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

func (m *MemoryStore) Get(k Key) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[k.Path]
	if !ok || e.modTime != k.ModTime.UnixNano() || e.size != k.Size {
		return "", false, nil
	}
	return e.digest, true, nil
}

func (m *MemoryStore) Put(k Key, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[k.Path] = memEntry{modTime: k.ModTime.UnixNano(), size: k.Size, digest: digest}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
