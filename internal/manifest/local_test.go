package manifest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalRecordRoundTrip(t *testing.T) {
	root := t.TempDir()
	rec := &LocalRecord{
		Version: "1.4.0",
		Resources: ResourceSet{
			{Dest: "a.pak", Size: 1000, MD5: "0cc175b9c0f1b6a831c399e269772661"},
			{Dest: "b.pak", Size: 2000, MD5: "92eb5ffee6ae2fec3ad71c777531578f"},
		},
	}

	if err := SaveLocal(root, rec); err != nil {
		t.Fatalf("SaveLocal failed: %v", err)
	}

	got, err := LoadLocal(root)
	if err != nil {
		t.Fatalf("LoadLocal failed: %v", err)
	}
	if got.Version != "1.4.0" || len(got.Resources) != 2 || got.Resources[1].Size != 2000 {
		t.Errorf("unexpected record: %+v", got)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != LocalFile {
		t.Errorf("expected only %s in root, got %v", LocalFile, entries)
	}
}

func TestLoadLocal_Missing(t *testing.T) {
	_, err := LoadLocal(t.TempDir())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadLocal_Corrupt(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, LocalFile), []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLocal(root); err == nil {
		t.Fatal("expected parse error for corrupt local manifest")
	}
}

func TestVersionMarker(t *testing.T) {
	root := t.TempDir()

	if _, err := LoadVersion(root); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error before first save, got %v", err)
	}

	want := &VersionMarker{Version: "2.0.0", State: StateInstalled, AppID: "example-game"}
	if err := SaveVersion(root, want); err != nil {
		t.Fatalf("SaveVersion failed: %v", err)
	}

	got, err := LoadVersion(root)
	if err != nil {
		t.Fatalf("LoadVersion failed: %v", err)
	}
	if *got != *want {
		t.Errorf("LoadVersion() = %+v, want %+v", got, want)
	}

	data, err := os.ReadFile(filepath.Join(root, VersionFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"version"`, `"state"`, `"appId"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected version marker to contain %s, got %s", key, data)
		}
	}
}
