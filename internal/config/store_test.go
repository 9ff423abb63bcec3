package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMapStore(t *testing.T) {
	s := NewMapStore(map[string]string{KeyInstallPath: "/games/a"})

	if v, ok := s.Get(KeyInstallPath); !ok || v != "/games/a" {
		t.Fatalf("Get(%q) = %q, %v; want /games/a, true", KeyInstallPath, v, ok)
	}
	if _, ok := s.Get(KeyLastVersion); ok {
		t.Error("expected missing key to report ok=false")
	}
	if err := s.Set(KeyLastVersion, "1.2.0"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := s.Get(KeyLastVersion); v != "1.2.0" {
		t.Errorf("expected 1.2.0 after Set, got %q", v)
	}
}

func TestFileStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore on missing file failed: %v", err)
	}
	if err := s.Set(KeyInstallPath, "/games/example"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(KeyUpdateAvailable, "false"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if v, ok := reopened.Get(KeyInstallPath); !ok || v != "/games/example" {
		t.Errorf("expected persisted install path, got %q (ok=%v)", v, ok)
	}
	if v, _ := reopened.Get(KeyUpdateAvailable); v != "false" {
		t.Errorf("expected persisted updateAvailable=false, got %q", v)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only settings.yaml in store dir, found %d entries", len(entries))
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("- not\n- a map\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected error for non-map settings file")
	}
}
