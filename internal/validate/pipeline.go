package validate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/assetsync/internal/manifest"
	"github.com/schaermu/assetsync/internal/metrics"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/syncerr"
)

// Pipeline drives a Validator across a resource set for one operation.
// It never modifies files.
type Pipeline struct {
	validator *Validator
	tracker   *progress.Tracker
	notify    func()
	logger    *slog.Logger
}

// NewPipeline creates a pipeline reporting into tracker. notify, if set, is
// called after every file and chunk so the caller can emit progress.
func NewPipeline(v *Validator, tracker *progress.Tracker, notify func(), logger *slog.Logger) *Pipeline {
	if notify == nil {
		notify = func() {}
	}
	return &Pipeline{validator: v, tracker: tracker, notify: notify, logger: logger}
}

// Validate checks every entry under root and returns the invalid ones in
// manifest order. It fails with syncerr.ErrCancelled as soon as ctx is done.
func (p *Pipeline) Validate(ctx context.Context, resources manifest.ResourceSet, root string, mode Mode) ([]manifest.ResourceEntry, error) {
	p.tracker.SetPhase(progress.PhaseValidating, resources.TotalSize(), len(resources))
	p.notify()

	var invalid []manifest.ResourceEntry
	for _, entry := range resources {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: validation interrupted", syncerr.ErrCancelled)
		}

		path := filepath.Join(root, filepath.FromSlash(entry.Dest))
		valid, err := p.check(path, entry, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to validate %s: %w", entry.Dest, err)
		}

		metrics.RecordValidation(string(mode), valid)
		p.tracker.FileValidated(entry.Dest, valid)
		if !valid {
			p.logger.Debug("invalid file", "dest", entry.Dest, "mode", mode)
			invalid = append(invalid, entry)
		}
		p.notify()
	}

	p.logger.Info("validation finished",
		"mode", mode,
		"checked", len(resources),
		"invalid", len(invalid))
	return invalid, nil
}

// check validates one entry and always attributes exactly entry.Size bytes
// to the tracker, so the phase reaches its byte total.
func (p *Pipeline) check(path string, entry manifest.ResourceEntry, mode Mode) (bool, error) {
	if mode == ModeQuick {
		valid, err := p.validator.QuickCheck(path, entry.Size)
		if err == nil {
			p.tracker.RecordValidation(entry.Size)
		}
		return valid, err
	}

	var seen int64
	valid, err := p.validator.DeepCheck(path, entry.Size, entry.MD5, func(n int64) {
		if seen+n > entry.Size {
			n = entry.Size - seen
		}
		seen += n
		p.tracker.RecordValidation(n)
		p.notify()
	})
	if err != nil {
		return false, err
	}
	if rest := entry.Size - seen; rest > 0 {
		p.tracker.RecordValidation(rest)
	}
	return valid, nil
}
