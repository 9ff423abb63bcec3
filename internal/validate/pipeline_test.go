package validate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/schaermu/assetsync/internal/manifest"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/syncerr"
	"github.com/schaermu/assetsync/internal/testutil"
)

func entryFor(dest string, content []byte) manifest.ResourceEntry {
	return manifest.ResourceEntry{Dest: dest, Size: int64(len(content)), MD5: testutil.MD5Hex(content)}
}

// installFixture lays out a.pak (valid), data/b.pak (same size, wrong
// content) and leaves c.pak missing.
func installFixture(t *testing.T) (string, manifest.ResourceSet) {
	t.Helper()
	root := t.TempDir()
	a := []byte("aaaaaaaaaa")
	b := []byte("bbbbbbbbbbbbbbbbbbbb")
	c := []byte("cccccccccccccccccccccccccccccc")

	writeFile(t, filepath.Join(root, "a.pak"), a)
	writeFile(t, filepath.Join(root, "data", "b.pak"), []byte("xxxxxxxxxxxxxxxxxxxx"))

	return root, manifest.ResourceSet{
		entryFor("a.pak", a),
		entryFor("data/b.pak", b),
		entryFor("c.pak", c),
	}
}

func dests(entries []manifest.ResourceEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Dest
	}
	return out
}

func TestPipeline_Validate(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		want []string
	}{
		{name: "deep", mode: ModeDeep, want: []string{"data/b.pak", "c.pak"}},
		{name: "quick", mode: ModeQuick, want: []string{"c.pak"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, resources := installFixture(t)
			tracker := progress.NewTracker()
			notified := 0
			p := NewPipeline(NewValidator(nil, 4, discardLogger()), tracker, func() { notified++ }, discardLogger())

			invalid, err := p.Validate(context.Background(), resources, root, tt.mode)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}

			got := dests(invalid)
			if len(got) != len(tt.want) {
				t.Fatalf("Validate() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Validate()[%d] = %s, want %s", i, got[i], tt.want[i])
				}
			}

			m := tracker.Snapshot()
			if m.Phase != progress.PhaseValidating {
				t.Errorf("expected validating phase, got %s", m.Phase)
			}
			if m.ProcessedBytes != resources.TotalSize() || m.ProcessedFiles != len(resources) {
				t.Errorf("expected %d bytes / %d files processed, got %d / %d",
					resources.TotalSize(), len(resources), m.ProcessedBytes, m.ProcessedFiles)
			}
			if len(m.CorruptFiles) != len(tt.want) {
				t.Errorf("expected %d corrupt files recorded, got %v", len(tt.want), m.CorruptFiles)
			}
			if notified < len(resources) {
				t.Errorf("expected at least one notification per file, got %d", notified)
			}
		})
	}
}

func TestPipeline_ReadOnly(t *testing.T) {
	root, resources := installFixture(t)
	p := NewPipeline(NewValidator(nil, 0, discardLogger()), progress.NewTracker(), nil, discardLogger())

	if _, err := p.Validate(context.Background(), resources, root, ModeDeep); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(nil, 0, discardLogger())
	if ok, _ := v.QuickCheck(filepath.Join(root, "data", "b.pak"), 20); !ok {
		t.Error("expected corrupt file to be left in place")
	}
	if ok, _ := v.QuickCheck(filepath.Join(root, "c.pak"), 30); ok {
		t.Error("expected missing file to stay missing")
	}
}

func TestPipeline_Cancelled(t *testing.T) {
	root, resources := installFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(NewValidator(nil, 0, discardLogger()), progress.NewTracker(), nil, discardLogger())
	invalid, err := p.Validate(ctx, resources, root, ModeDeep)
	if !errors.Is(err, syncerr.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if invalid != nil {
		t.Errorf("expected no partial results, got %v", invalid)
	}
}

func TestPipeline_PropagatesIOErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.pak"), []byte("x"))
	resources := manifest.ResourceSet{entryFor("a.pak/inner", []byte("y"))}

	p := NewPipeline(NewValidator(nil, 0, discardLogger()), progress.NewTracker(), nil, discardLogger())
	if _, err := p.Validate(context.Background(), resources, root, ModeQuick); err == nil {
		t.Fatal("expected stat failure to abort validation")
	}
}
