//go:build integration

package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/assetsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

func TestCLI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(t)
	defer h.Cleanup()

	if err := h.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	cdn := testutil.NewCDN(t)
	cdn.AddFile("data/a.pak", bytes.Repeat([]byte("a"), 4096))
	cdn.AddFile("data/b.pak", bytes.Repeat([]byte("b"), 8192))
	cdn.AddFiles("maps/m", 10, 512)
	h.WriteConfig(cdn.RootURL(), "")

	t.Run("A_InitialSync", func(t *testing.T) {
		cdn.FailNext("data/a.pak", 1)
		h.MustRun(ctx, "sync")

		for _, dest := range cdn.Dests() {
			got, err := h.ReadInstalled(dest)
			if err != nil {
				t.Fatalf("read %s: %v", dest, err)
			}
			if !bytes.Equal(got, cdn.Content(dest)) {
				t.Errorf("%s content mismatch", dest)
			}
		}
	})

	t.Run("B_NoOpSync", func(t *testing.T) {
		before := cdn.TotalHits()
		h.MustRun(ctx, "sync")
		if got := cdn.TotalHits(); got != before {
			t.Errorf("expected no file downloads on a second sync, got %d", got-before)
		}
	})

	t.Run("C_VerifyClean", func(t *testing.T) {
		h.MustRun(ctx, "verify")
	})

	t.Run("D_VerifyDetectsCorruption", func(t *testing.T) {
		h.WriteInstalled("data/b.pak", []byte("tampered"))

		stdout, stderr, exitCode, err := h.Run(ctx, "verify")
		if err != nil {
			t.Fatalf("exec failed: %v", err)
		}
		if exitCode == 0 {
			t.Fatal("expected verify to fail on a corrupt file")
		}
		if !strings.Contains(stdout+stderr, "data/b.pak") {
			t.Errorf("expected corrupt file in output, got:\n%s%s", stdout, stderr)
		}
	})

	t.Run("E_QuickRepair", func(t *testing.T) {
		before := cdn.Hits("data/b.pak")
		h.MustRun(ctx, "repair", "--mode", "quick")

		got, err := h.ReadInstalled("data/b.pak")
		if err != nil {
			t.Fatalf("read repaired file: %v", err)
		}
		if !bytes.Equal(got, cdn.Content("data/b.pak")) {
			t.Error("expected data/b.pak to be restored")
		}
		if hits := cdn.Hits("data/b.pak") - before; hits != 1 {
			t.Errorf("expected one download of the repaired file, got %d", hits)
		}
		h.MustRun(ctx, "verify")
	})

	t.Run("F_InvalidRepairMode", func(t *testing.T) {
		_, _, exitCode, err := h.Run(ctx, "repair", "--mode", "deep")
		if err != nil {
			t.Fatalf("exec failed: %v", err)
		}
		if exitCode == 0 {
			t.Error("expected an unknown repair mode to be rejected")
		}
	})

	t.Run("G_Version", func(t *testing.T) {
		stdout, _ := h.MustRun(ctx, "version")
		if !strings.HasPrefix(stdout, "assetsync ") {
			t.Errorf("unexpected version output: %q", stdout)
		}
	})
}
