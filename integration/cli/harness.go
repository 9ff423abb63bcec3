//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Harness builds the assetsync binary once and runs it against a scratch
// state directory.
type Harness struct {
	t        *testing.T
	binary   string
	dir      string
	cfgPath  string
	keepTemp bool
}

// NewHarness creates a harness rooted in a fresh temporary directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{t: t, keepTemp: os.Getenv("INTEGRATION_KEEP_DIR") == "1"}
	if !h.keepTemp {
		h.dir = t.TempDir()
		return h
	}
	dir, err := os.MkdirTemp("", "assetsync-integration-*")
	if err != nil {
		t.Fatalf("create scratch dir: %v", err)
	}
	h.dir = dir
	return h
}

// Build compiles the CLI into the harness directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.dir, "assetsync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/assetsync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	h.t.Logf("Binary built at %s", h.binary)
	return nil
}

// InstallDir returns the game directory used by the generated config
func (h *Harness) InstallDir() string {
	return filepath.Join(h.dir, "game")
}

// StateDir returns the state directory used by the generated config
func (h *Harness) StateDir() string {
	return filepath.Join(h.dir, "state")
}

// WriteConfig writes a config pointing at rootURL. extra is appended to
// the sync section.
func (h *Harness) WriteConfig(rootURL, extra string) {
	h.t.Helper()

	cfg := fmt.Sprintf(`manifest:
  root_url: %q
  min_entries: 0
paths:
  install_dir: %q
  state_dir: %q
cache:
  persistent: true
sync:
  concurrency: 4
  max_attempts: 3
  retry_base_delay: 10ms
%s`, rootURL, h.InstallDir(), h.StateDir(), extra)

	h.cfgPath = filepath.Join(h.dir, "config.yaml")
	if err := os.WriteFile(h.cfgPath, []byte(cfg), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Run executes the CLI with the generated config
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append([]string{"--config", h.cfgPath, "--log-format", "json"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.dir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the CLI and fails the test if it exits non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// ReadInstalled reads a file relative to the install directory
func (h *Harness) ReadInstalled(dest string) ([]byte, error) {
	return os.ReadFile(filepath.Join(h.InstallDir(), filepath.FromSlash(dest)))
}

// WriteInstalled overwrites a file relative to the install directory
func (h *Harness) WriteInstalled(dest string, content []byte) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.InstallDir(), filepath.FromSlash(dest)), content, 0o644); err != nil {
		h.t.Fatalf("write %s: %v", dest, err)
	}
}

// Cleanup removes a kept scratch directory unless the test failed
func (h *Harness) Cleanup() {
	if !h.keepTemp {
		return
	}
	if h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_DIR=1, keeping %s", h.dir)
		return
	}
	_ = os.RemoveAll(h.dir)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up from this source file to the directory holding go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
