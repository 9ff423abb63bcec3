package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// LocalFile is the local manifest written into the install root.
	LocalFile = "resources.json"
	// VersionFile is the version marker written into the install root.
	VersionFile = "version.json"

	// StateInstalled marks a completed install in the version marker.
	StateInstalled = "installed"
)

// LocalRecord is the resource set last confirmed valid on disk.
type LocalRecord struct {
	Resources ResourceSet `json:"resource"`
	Version   string      `json:"version"`
}

// VersionMarker records the installed version.
type VersionMarker struct {
	Version string `json:"version"`
	State   string `json:"state"`
	AppID   string `json:"appId"`
}

// IsReserved reports whether dest collides with a file this package
// maintains in the install root.
func IsReserved(dest string) bool {
	return dest == LocalFile || dest == VersionFile
}

// LoadLocal reads the local manifest from root. A missing file is reported
// with an error matching fs.ErrNotExist.
func LoadLocal(root string) (*LocalRecord, error) {
	var rec LocalRecord
	if err := readJSON(filepath.Join(root, LocalFile), &rec); err != nil {
		return nil, err
	}
	if err := rec.Resources.Check(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveLocal atomically replaces the local manifest in root.
func SaveLocal(root string, rec *LocalRecord) error {
	return writeJSON(filepath.Join(root, LocalFile), rec)
}

// LoadVersion reads the version marker from root.
func LoadVersion(root string) (*VersionMarker, error) {
	var m VersionMarker
	if err := readJSON(filepath.Join(root, VersionFile), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveVersion atomically replaces the version marker in root.
func SaveVersion(root string, m *VersionMarker) error {
	return writeJSON(filepath.Join(root, VersionFile), m)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON writes v to a temp file next to path and renames it into place.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".assetsync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
