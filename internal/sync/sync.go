package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/assetsync/internal/config"
	"github.com/schaermu/assetsync/internal/download"
	"github.com/schaermu/assetsync/internal/hooks"
	"github.com/schaermu/assetsync/internal/manifest"
	"github.com/schaermu/assetsync/internal/metrics"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/syncerr"
	"github.com/schaermu/assetsync/internal/validate"
)

// Engine orchestrates install, repair and verify operations. At most one
// operation runs at a time; a second request is rejected with
// syncerr.ErrBusy.
type Engine struct {
	cfg        *config.Config
	source     manifest.Source
	validator  *validate.Validator
	downloader *download.Engine
	notifier   hooks.Notifier
	store      config.Store
	sink       progress.Sink
	logger     *slog.Logger

	mu     gosync.Mutex
	active *runState
	last   *runState
}

// runState is the state owned by one operation.
type runState struct {
	op       *Operation
	req      Request
	root     string
	channel  string
	ctl      *download.Control
	tracker  *progress.Tracker
	reporter *progress.Reporter
	state    State
}

// Operation is a handle on a started operation
type Operation struct {
	ID   string
	Kind Kind

	done   chan struct{}
	result *Result
	err    error
}

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the operation finishes. A cancelled operation returns
// a Result with status cancelled and a nil error.
func (o *Operation) Wait() (*Result, error) {
	<-o.done
	return o.result, o.err
}

// NewEngine creates a new sync engine
func NewEngine(
	cfg *config.Config,
	source manifest.Source,
	validator *validate.Validator,
	downloader *download.Engine,
	notifier hooks.Notifier,
	store config.Store,
	sink progress.Sink,
	logger *slog.Logger,
) *Engine {
	if notifier == nil {
		notifier = hooks.Nop{}
	}
	if store == nil {
		store = config.NewMapStore(nil)
	}
	if sink == nil {
		sink = progress.SinkFunc(func(progress.Event) {})
	}
	return &Engine{
		cfg:        cfg,
		source:     source,
		validator:  validator,
		downloader: downloader,
		notifier:   notifier,
		store:      store,
		sink:       sink,
		logger:     logger,
	}
}

// Start begins an operation in the background. ctx bounds the lifetime of
// the operation, not of the call.
func (e *Engine) Start(ctx context.Context, req Request) (*Operation, error) {
	root, err := e.installPath(req.InstallPath)
	if err != nil {
		return nil, err
	}
	channel := req.Channel
	if channel == "" {
		channel = e.cfg.Manifest.Channel
	}
	if req.Kind == KindRepair && req.Repair.Mode == "" {
		req.Repair.Mode = RepairQuick
	}

	e.mu.Lock()
	if e.active != nil {
		busy := e.active.op
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s operation %s is running", syncerr.ErrBusy, busy.Kind, busy.ID)
	}

	op := &Operation{ID: uuid.NewString(), Kind: req.Kind, done: make(chan struct{})}
	opCtx, cancel := context.WithCancel(ctx)
	tracker := progress.NewTracker()
	r := &runState{
		op:       op,
		req:      req,
		root:     root,
		channel:  channel,
		ctl:      download.NewControl(cancel),
		tracker:  tracker,
		reporter: progress.NewReporter(tracker, e.sink, e.cfg.Sync.ProgressInterval, op.ID, string(req.Kind)),
		state:    StateInitializing,
	}
	e.active = r
	e.mu.Unlock()

	metrics.OperationStarted()
	go func() {
		defer cancel()
		e.run(opCtx, r)
	}()
	return op, nil
}

// Install syncs installPath with the channel's manifest and waits for the
// result.
func (e *Engine) Install(ctx context.Context, installPath, channel string) (*Result, error) {
	op, err := e.Start(ctx, Request{Kind: KindInstall, InstallPath: installPath, Channel: channel})
	if err != nil {
		return nil, err
	}
	return op.Wait()
}

// Repair validates installPath and re-downloads invalid files.
func (e *Engine) Repair(ctx context.Context, installPath string, opts RepairOptions) (*Result, error) {
	op, err := e.Start(ctx, Request{Kind: KindRepair, InstallPath: installPath, Repair: opts})
	if err != nil {
		return nil, err
	}
	return op.Wait()
}

// Verify deep-validates installPath without changing anything on disk.
func (e *Engine) Verify(ctx context.Context, installPath string) (*Result, error) {
	op, err := e.Start(ctx, Request{Kind: KindVerify, InstallPath: installPath})
	if err != nil {
		return nil, err
	}
	return op.Wait()
}

// Pause pauses downloads of the active operation.
func (e *Engine) Pause() error {
	r, err := e.current("")
	if err != nil {
		return err
	}
	if r.ctl.Pause() {
		e.logger.Info("operation paused", "operation", r.op.ID)
		r.reporter.ForceUpdate()
	}
	return nil
}

// Resume resumes a paused operation.
func (e *Engine) Resume() error {
	r, err := e.current("")
	if err != nil {
		return err
	}
	if r.ctl.Resume() {
		e.logger.Info("operation resumed", "operation", r.op.ID)
		r.reporter.ForceUpdate()
	}
	return nil
}

// Cancel aborts the active operation.
func (e *Engine) Cancel() error {
	return e.CancelKind("")
}

// CancelKind aborts the active operation if it is of the given kind. An
// empty kind matches any operation.
func (e *Engine) CancelKind(kind Kind) error {
	r, err := e.current(kind)
	if err != nil {
		return err
	}
	if r.ctl.Cancel() {
		e.logger.Info("cancelling operation", "operation", r.op.ID, "kind", r.op.Kind)
	}
	return nil
}

// Status returns the active operation's state, or the last finished one.
func (e *Engine) Status() Status {
	e.mu.Lock()
	r := e.active
	if r == nil {
		r = e.last
	}
	if r == nil {
		e.mu.Unlock()
		return Status{State: StateIdle}
	}
	st := Status{
		State:       r.state,
		Kind:        r.op.Kind,
		OperationID: r.op.ID,
		Paused:      r.ctl.Paused(),
		InFlight:    r.ctl.InFlight(),
	}
	e.mu.Unlock()

	st.Metrics = r.tracker.Snapshot()
	return st
}

func (e *Engine) current(kind Kind) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || (kind != "" && e.active.op.Kind != kind) {
		if kind != "" {
			return nil, fmt.Errorf("%w: no %s operation is running", syncerr.ErrNotActive, kind)
		}
		return nil, syncerr.ErrNotActive
	}
	return e.active, nil
}

func (e *Engine) setState(r *runState, s State) {
	e.mu.Lock()
	r.state = s
	e.mu.Unlock()
	e.logger.Debug("operation state", "operation", r.op.ID, "state", s)
}

// installPath resolves the install root: explicit argument, then
// paths.install_dir, then the settings store.
func (e *Engine) installPath(explicit string) (string, error) {
	path := explicit
	if path == "" {
		path = e.cfg.Paths.InstallDir
	}
	if path == "" {
		path, _ = e.store.Get(config.KeyInstallPath)
	}
	if path == "" {
		return "", syncerr.Configuration("no install path given and none configured")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", syncerr.Configuration("invalid install path %q: %v", path, err)
	}
	return abs, nil
}

// run drives one operation to its terminal state and reports it exactly once.
func (e *Engine) run(ctx context.Context, r *runState) {
	start := time.Now()
	e.logger.Info("starting operation",
		"operation", r.op.ID,
		"kind", r.req.Kind,
		"install_path", r.root,
		"channel", r.channel)

	res := &Result{OperationID: r.op.ID, Kind: r.req.Kind, InstallPath: r.root}
	err := e.execute(ctx, r, res)
	res.Duration = time.Since(start)

	state := StateCompleted
	switch {
	case err == nil:
		res.Status = progress.StatusCompleted
	case r.ctl.Cancelled() || syncerr.IsCancelled(err):
		state = StateCancelled
		res.Status = progress.StatusCancelled
		err = nil
	default:
		state = StateFailed
		res.Status = progress.StatusError
	}

	r.reporter.Finish(res.Status, err)
	metrics.RecordOperation(string(r.req.Kind), string(res.Status), res.Duration)

	if err != nil {
		e.logger.Error("operation failed", "operation", r.op.ID, "kind", r.req.Kind, "error", err)
	} else {
		e.logger.Info("operation finished",
			"operation", r.op.ID,
			"kind", r.req.Kind,
			"status", res.Status,
			"checked", res.Checked,
			"invalid", res.Invalid,
			"downloaded", res.Downloaded,
			"duration", res.Duration)
	}

	e.mu.Lock()
	r.state = state
	e.active = nil
	e.last = r
	e.mu.Unlock()

	r.op.result, r.op.err = res, err
	close(r.op.done)
}

// plan is the resource list an operation validates against.
type plan struct {
	version    string
	resources  manifest.ResourceSet
	resolution *manifest.Resolution // nil until fetched
}

func (e *Engine) execute(ctx context.Context, r *runState, res *Result) error {
	p, err := e.plan(ctx, r)
	if err != nil {
		return err
	}
	res.Version = p.version
	res.Checked = len(p.resources)

	if r.req.Kind != KindVerify {
		if err := os.MkdirAll(r.root, 0755); err != nil {
			return fmt.Errorf("failed to create install directory: %w", err)
		}
	}

	pipeline := validate.NewPipeline(e.validator, r.tracker, r.reporter.Update, e.logger)

	e.setState(r, StateValidating)
	invalid, err := pipeline.Validate(ctx, p.resources, r.root, r.req.validationMode())
	if err != nil {
		return err
	}
	res.Invalid = len(invalid)
	res.InvalidFiles = dests(invalid)

	if r.req.Kind == KindVerify {
		return nil
	}

	for round := 0; len(invalid) > 0; round++ {
		if round > 0 {
			e.logger.Warn("repairing files that failed final validation", "files", len(invalid), "round", round)
			r.ctl.ClearCompleted()
		}
		if err := e.download(ctx, r, &p, invalid, res); err != nil {
			return err
		}

		e.setState(r, StateValidating)
		invalid, err = pipeline.Validate(ctx, p.resources, r.root, validate.ModeDeep)
		if err != nil {
			return err
		}
		res.Invalid = len(invalid)
		res.InvalidFiles = dests(invalid)
		if len(invalid) > 0 && round >= e.cfg.Sync.RepairRounds {
			return &syncerr.IntegrityError{Files: res.InvalidFiles}
		}
	}

	e.setState(r, StateFinalizing)
	return e.finalize(ctx, r, p)
}

// plan resolves the resource list according to the operation kind. Quick
// repair and verify prefer the local manifest when it clears the sanity
// floor; everything else fetches the remote manifest.
func (e *Engine) plan(ctx context.Context, r *runState) (plan, error) {
	preferLocal := r.req.Kind == KindVerify || (r.req.Kind == KindRepair && r.req.Repair.Mode == RepairQuick)
	if preferLocal {
		rec, err := manifest.LoadLocal(r.root)
		switch {
		case err == nil && len(rec.Resources) >= e.cfg.MinEntries():
			e.logger.Info("using local manifest", "entries", len(rec.Resources), "version", rec.Version)
			return plan{version: rec.Version, resources: rec.Resources}, nil
		case err == nil:
			e.logger.Warn("local manifest below sanity floor, fetching remote manifest",
				"entries", len(rec.Resources),
				"min_entries", e.cfg.MinEntries())
		case errors.Is(err, fs.ErrNotExist):
			e.logger.Info("no local manifest, fetching remote manifest")
		default:
			e.logger.Warn("unreadable local manifest, fetching remote manifest", "error", err)
		}
	}

	res, err := e.source.Resolve(ctx, r.channel)
	if err != nil {
		return plan{}, err
	}
	return plan{version: res.Version, resources: res.Resources, resolution: res}, nil
}

// download fetches entries, resolving the remote manifest first when the
// plan came from the local one.
func (e *Engine) download(ctx context.Context, r *runState, p *plan, entries []manifest.ResourceEntry, res *Result) error {
	if p.resolution == nil {
		resolved, err := e.source.Resolve(ctx, r.channel)
		if err != nil {
			return err
		}
		if resolved.Version != p.version {
			return syncerr.Manifest("installed version %s is no longer served (channel %s is at %s), run a sync instead",
				p.version, r.channel, resolved.Version)
		}
		p.resolution = resolved
	}

	jobs := make([]download.Job, 0, len(entries))
	var total int64
	for _, entry := range entries {
		jobs = append(jobs, download.Job{
			Dest: entry.Dest,
			Path: filepath.Join(r.root, filepath.FromSlash(entry.Dest)),
			URL:  p.resolution.FileURL(entry.Dest),
			Size: entry.Size,
		})
		total += entry.Size
	}

	phase := progress.PhaseDownloading
	if r.req.Kind == KindRepair {
		phase = progress.PhaseRepairing
	}
	e.setState(r, StateDownloading)
	r.tracker.SetPhase(phase, total, len(jobs))
	r.reporter.Update()

	if err := e.downloader.Run(ctx, r.ctl, jobs, r.tracker, r.reporter.Update); err != nil {
		return err
	}
	res.Downloaded += len(jobs)
	res.Bytes += total
	r.reporter.ForceUpdate()
	return nil
}

// finalize persists the local manifest and version marker, then tells the
// launcher. Collaborator failures are logged, not returned.
func (e *Engine) finalize(ctx context.Context, r *runState, p plan) error {
	record := &manifest.LocalRecord{Resources: p.resources, Version: p.version}
	if err := manifest.SaveLocal(r.root, record); err != nil {
		return fmt.Errorf("failed to save local manifest: %w", err)
	}
	marker := &manifest.VersionMarker{Version: p.version, State: manifest.StateInstalled, AppID: e.cfg.App.ID}
	if err := manifest.SaveVersion(r.root, marker); err != nil {
		return fmt.Errorf("failed to save version marker: %w", err)
	}

	if err := e.notifier.RequestUpdateCheck(ctx); err != nil {
		e.logger.Warn("update check hook failed", "error", err)
	}
	if err := e.notifier.InvalidateUpdateStatus(ctx); err != nil {
		e.logger.Warn("invalidate update status hook failed", "error", err)
	}

	for key, value := range map[string]string{
		config.KeyInstallPath:     r.root,
		config.KeyLastVersion:     p.version,
		config.KeyUpdateAvailable: "false",
	} {
		if err := e.store.Set(key, value); err != nil {
			e.logger.Warn("failed to update settings store", "key", key, "error", err)
		}
	}
	return nil
}

func dests(entries []manifest.ResourceEntry) []string {
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[i] = entry.Dest
	}
	return out
}
