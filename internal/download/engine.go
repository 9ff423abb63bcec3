package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/schaermu/assetsync/internal/bufpool"
	"github.com/schaermu/assetsync/internal/metrics"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/retry"
	"github.com/schaermu/assetsync/internal/syncerr"
)

// DefaultConcurrency is the default worker pool width.
const DefaultConcurrency = 8

// Job is one file to download.
type Job struct {
	Dest string // manifest-relative path
	Path string // absolute destination path
	URL  string
	Size int64
}

// Config configures an Engine.
type Config struct {
	Concurrency       int
	Retry             retry.Config
	RequestTimeout    time.Duration
	MaxBytesPerSecond int64
	ChunkSize         int
}

// Engine downloads a batch of files with a bounded worker pool.
type Engine struct {
	cfg     Config
	fetcher Fetcher
	limiter *rate.Limiter
	pool    *bufpool.Pool
	logger  *slog.Logger
}

// NewEngine creates a download engine.
func NewEngine(cfg Config, fetcher Fetcher, logger *slog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = bufpool.DefaultSize
	}
	e := &Engine{
		cfg:     cfg,
		fetcher: fetcher,
		pool:    bufpool.New(cfg.ChunkSize),
		logger:  logger,
	}
	if cfg.MaxBytesPerSecond > 0 {
		burst := int(cfg.MaxBytesPerSecond)
		if burst < cfg.ChunkSize {
			burst = cfg.ChunkSize
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBytesPerSecond), burst)
	}
	return e
}

// queue is the shared FIFO work list.
type queue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *queue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return Job{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

// Run downloads every job, attributing bytes to tracker and calling notify
// after each chunk. It returns once every job is accounted for. A job that
// exhausts its retries fails the whole batch; a cancelled run returns an
// error matching syncerr.ErrCancelled.
func (e *Engine) Run(ctx context.Context, ctl *Control, jobs []Job, tracker *progress.Tracker, notify func()) error {
	if len(jobs) == 0 {
		return nil
	}
	if notify == nil {
		notify = func() {}
	}

	q := &queue{jobs: append([]Job(nil), jobs...)}
	workers := min(e.cfg.Concurrency, len(jobs))

	e.logger.Info("starting downloads", "files", len(jobs), "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				job, ok := q.pop()
				if !ok {
					return nil
				}
				if err := e.download(gctx, ctl, job, tracker, notify); err != nil {
					return err
				}
			}
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}
	if ctl.Cancelled() || ctx.Err() != nil || errors.Is(err, syncerr.ErrCancelled) {
		return fmt.Errorf("%w: download interrupted", syncerr.ErrCancelled)
	}
	return err
}

// download fetches one job with retries.
func (e *Engine) download(ctx context.Context, ctl *Control, job Job, tracker *progress.Tracker, notify func()) error {
	if ctl.Completed(job.Dest) {
		return nil
	}
	tracker.SetCurrentFile(job.Dest)

	// credited is the high-water mark of bytes already attributed to the
	// tracker for this file, so retries never count bytes twice.
	var credited int64
	credit := func(written int64) {
		if written > job.Size {
			written = job.Size
		}
		if written > credited {
			tracker.RecordDownload(written - credited)
			credited = written
		}
	}

	policy := e.cfg.Retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.RecordRetry()
		e.logger.Warn("download attempt failed",
			"dest", job.Dest,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	}

	err := retry.Do(ctx, policy, func(attempt int) error {
		if err := ctl.Wait(ctx); err != nil {
			return err
		}
		return e.attempt(ctx, ctl, job, credit, notify)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, syncerr.ErrCancelled) {
			return err
		}
		metrics.RecordDownload(false)
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return fmt.Errorf("failed to download %s after %d attempts: %w", job.Dest, exhausted.Attempts, exhausted.Err)
		}
		return fmt.Errorf("failed to download %s: %w", job.Dest, err)
	}

	if ctl.markCompleted(job.Dest) {
		tracker.FileDownloaded(job.Dest)
		metrics.RecordDownload(true)
	}
	notify()
	return nil
}

// attempt performs a single request, streaming into a temp file next to the
// destination and renaming it into place once the size checks out. Network
// and size failures are retryable; local filesystem failures are not.
func (e *Engine) attempt(ctx context.Context, ctl *Control, job Job, credit func(int64), notify func()) error {
	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	if e.cfg.RequestTimeout <= 0 {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := metrics.DownloadStarted()
	defer done()

	body, err := e.fetcher.Fetch(actx, job.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Retryable(err)
	}
	untrack := ctl.track(body)
	defer untrack()
	defer func() {
		_ = body.Close()
	}()

	dir := filepath.Dir(job.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", job.Dest, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".assetsync-dl-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", job.Dest, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	var written int64
	reader := &pausableReader{ctx: actx, ctl: ctl, r: body}
	for chunk, rerr := range e.pool.Chunks(reader) {
		if rerr != nil {
			_ = tmpFile.Close()
			if ctx.Err() != nil || ctl.Cancelled() {
				return fmt.Errorf("%w: %s", syncerr.ErrCancelled, job.Dest)
			}
			return retry.Retryable(&syncerr.NetworkError{URL: job.URL, Err: rerr})
		}
		if written+int64(len(chunk)) > job.Size {
			_ = tmpFile.Close()
			return retry.Retryable(fmt.Errorf("%s: server sent more than %d bytes", job.Dest, job.Size))
		}
		if e.limiter != nil {
			if err := e.limiter.WaitN(actx, len(chunk)); err != nil {
				_ = tmpFile.Close()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return retry.Retryable(err)
			}
		}
		if _, err := tmpFile.Write(chunk); err != nil {
			_ = tmpFile.Close()
			return fmt.Errorf("failed to write %s: %w", job.Dest, err)
		}

		written += int64(len(chunk))
		metrics.AddDownloadedBytes(int64(len(chunk)))
		credit(written)
		notify()
	}

	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", job.Dest, err)
	}

	if written != job.Size {
		return retry.Retryable(fmt.Errorf("%s: size mismatch after download: got %d bytes, want %d", job.Dest, written, job.Size))
	}

	if err := os.Rename(tmpPath, job.Path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", job.Dest, err)
	}
	return nil
}
