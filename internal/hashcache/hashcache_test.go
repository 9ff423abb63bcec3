package hashcache

import (
	"path/filepath"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "hashcache.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_GetPut(t *testing.T) {
	mtime := time.Unix(1700000000, 123456789)
	key := Key{Path: "/games/a.pak", ModTime: mtime, Size: 1000}

	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(key); err != nil || ok {
				t.Fatalf("expected miss on empty store, got ok=%v err=%v", ok, err)
			}

			if err := s.Put(key, "abc"); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			digest, ok, err := s.Get(key)
			if err != nil || !ok || digest != "abc" {
				t.Fatalf("Get() = %q, %v, %v; want abc, true, nil", digest, ok, err)
			}

			stale := []Key{
				{Path: key.Path, ModTime: mtime.Add(time.Nanosecond), Size: key.Size},
				{Path: key.Path, ModTime: mtime, Size: key.Size + 1},
				{Path: "/games/b.pak", ModTime: mtime, Size: key.Size},
			}
			for _, k := range stale {
				if _, ok, _ := s.Get(k); ok {
					t.Errorf("expected miss for %+v", k)
				}
			}

			// A newer observation replaces the old one.
			newer := Key{Path: key.Path, ModTime: mtime.Add(time.Second), Size: 2000}
			if err := s.Put(newer, "def"); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if _, ok, _ := s.Get(key); ok {
				t.Error("expected old key to be superseded")
			}
			if digest, ok, _ := s.Get(newer); !ok || digest != "def" {
				t.Errorf("expected def for newer key, got %q (ok=%v)", digest, ok)
			}
		})
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashcache.db")
	key := Key{Path: "/games/a.pak", ModTime: time.Unix(1700000000, 0), Size: 10}

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	if err := s.Put(key, "abc"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	if digest, ok, err := reopened.Get(key); err != nil || !ok || digest != "abc" {
		t.Errorf("expected persisted digest abc, got %q ok=%v err=%v", digest, ok, err)
	}
}
