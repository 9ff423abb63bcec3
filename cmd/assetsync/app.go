package main

import (
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/schaermu/assetsync/internal/bufpool"
	"github.com/schaermu/assetsync/internal/config"
	"github.com/schaermu/assetsync/internal/download"
	"github.com/schaermu/assetsync/internal/hashcache"
	"github.com/schaermu/assetsync/internal/hooks"
	"github.com/schaermu/assetsync/internal/manifest"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/retry"
	"github.com/schaermu/assetsync/internal/sync"
	"github.com/schaermu/assetsync/internal/validate"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	engine *sync.Engine
	cache  hashcache.Store
	logger *slog.Logger
}

func newApp(cfg *config.Config, sink progress.Sink, logger *slog.Logger) (*app, error) {
	store, err := config.OpenFileStore(cfg.StorePath())
	if err != nil {
		return nil, err
	}

	var cache hashcache.Store = hashcache.NewMemoryStore()
	if cfg.Cache.Persistent {
		sqlite, err := hashcache.OpenSQLite(cfg.HashCachePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open hash cache: %w", err)
		}
		cache = sqlite
	}

	client := download.NewClient(cfg.Sync.Concurrency)
	source := manifest.NewHTTPResolver(manifest.Config{
		RootURL:        cfg.Manifest.RootURL,
		MinEntries:     cfg.MinEntries(),
		RequestTimeout: cfg.Sync.RequestTimeout,
	}, client, logger)

	policy := retry.DefaultConfig()
	policy.MaxAttempts = cfg.Sync.MaxAttempts
	policy.BaseDelay = cfg.Sync.RetryBaseDelay

	downloader := download.NewEngine(download.Config{
		Concurrency:       cfg.Sync.Concurrency,
		Retry:             policy,
		RequestTimeout:    cfg.Sync.RequestTimeout,
		MaxBytesPerSecond: cfg.Sync.MaxBytesPerSecond,
		ChunkSize:         bufpool.DefaultSize,
	}, download.NewHTTPFetcher(client), logger)

	engine := sync.NewEngine(
		cfg,
		source,
		validate.NewValidator(cache, bufpool.DefaultSize, logger),
		downloader,
		hooks.NewCommandNotifier(cfg.Hooks.UpdateCheck, cfg.Hooks.InvalidateUpdateStatus),
		store,
		sink,
		logger,
	)

	return &app{cfg: cfg, engine: engine, cache: cache, logger: logger}, nil
}

// Close releases the hash cache.
func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("failed to close hash cache", "error", err)
	}
}

// cliLogInterval spaces progress lines in interactive runs.
const cliLogInterval = 2 * time.Second

// newCLISink logs phase changes and terminal events immediately and other
// progress at most every cliLogInterval.
func newCLISink(logger *slog.Logger) progress.Sink {
	var (
		mu        gosync.Mutex
		last      time.Time
		lastPhase progress.Phase
	)
	out := progress.LogSink{Logger: logger}
	return progress.SinkFunc(func(e progress.Event) {
		mu.Lock()
		now := time.Now()
		due := e.Terminal() || e.Phase != lastPhase || now.Sub(last) >= cliLogInterval
		if due {
			last, lastPhase = now, e.Phase
		}
		mu.Unlock()
		if due {
			out.Publish(e)
		}
	})
}
