package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Keys read and written by the synchronization core.
const (
	KeyInstallPath     = "installPath"
	KeyLastVersion     = "lastVersion"
	KeyUpdateAvailable = "updateAvailable"
)

// Store is the key-value settings store shared with the launcher UI.
// The core treats it as already loaded.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// MapStore is an in-memory Store.
type MapStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapStore returns a Store seeded with values.
func NewMapStore(values map[string]string) *MapStore {
	m := &MapStore{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

func (m *MapStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *MapStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// FileStore is a Store persisted as a flat YAML map. Every Set rewrites the
// file atomically.
type FileStore struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// OpenFileStore loads the store at path. A missing file yields an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, values: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings store: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings store: %w", err)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) flushLocked() error {
	data, err := yaml.Marshal(s.values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}
