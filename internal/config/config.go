package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultChannel is the release track used when none is configured.
	DefaultChannel = "default"
	// DefaultMinEntries is the sanity floor below which a resource list is
	// treated as truncated.
	DefaultMinEntries = 100
	// DefaultConcurrency is the download worker pool width.
	DefaultConcurrency = 8
	// DefaultMaxAttempts is the per-file download attempt cap.
	DefaultMaxAttempts = 10

	maxConcurrency = 64
)

// Config represents the complete assetsync configuration
type Config struct {
	Manifest ManifestConfig `yaml:"manifest"`
	Paths    PathsConfig    `yaml:"paths"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	App      AppConfig      `yaml:"app"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Serve    ServeConfig    `yaml:"serve"`
}

// ManifestConfig configures where the remote channel document lives
type ManifestConfig struct {
	RootURL    string `yaml:"root_url"`
	Channel    string `yaml:"channel"`
	// MinEntries defaults to DefaultMinEntries and applies to remote lists
	// too. Channels that ship fewer files must lower it, 0 disables it.
	MinEntries *int   `yaml:"min_entries"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallDir string `yaml:"install_dir"`
	StateDir   string `yaml:"state_dir"`
}

// SyncConfig configures the download engine
type SyncConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	// RequestTimeout bounds a whole attempt including the body, so it must
	// exceed the transfer time of the largest asset at the expected rate.
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxBytesPerSecond int64         `yaml:"max_bytes_per_second"`
	RepairRounds      int           `yaml:"repair_rounds"`
	ProgressInterval  time.Duration `yaml:"progress_interval"`
}

// CacheConfig configures the validator hash cache
type CacheConfig struct {
	Persistent bool `yaml:"persistent"`
}

// AppConfig identifies the installed application
type AppConfig struct {
	ID string `yaml:"id"`
}

// HooksConfig lists commands run to notify the launcher after a sync.
// An empty command disables the hook.
type HooksConfig struct {
	UpdateCheck            []string `yaml:"update_check"`
	InvalidateUpdateStatus []string `yaml:"invalidate_update_status"`
}

// ServeConfig configures the command/progress server
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Metrics    bool   `yaml:"metrics"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Manifest.RootURL = os.ExpandEnv(c.Manifest.RootURL)
	c.Paths.InstallDir = os.ExpandEnv(c.Paths.InstallDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Manifest.Channel == "" {
		c.Manifest.Channel = DefaultChannel
	}
	if c.Manifest.MinEntries == nil {
		n := DefaultMinEntries
		c.Manifest.MinEntries = &n
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sync.RetryBaseDelay == 0 {
		c.Sync.RetryBaseDelay = time.Second
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 30 * time.Second
	}
	if c.Sync.ProgressInterval == 0 {
		c.Sync.ProgressInterval = 50 * time.Millisecond
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Manifest.RootURL == "" {
		return fmt.Errorf("manifest.root_url is required")
	}
	if !strings.HasPrefix(c.Manifest.RootURL, "https://") && !strings.HasPrefix(c.Manifest.RootURL, "http://") {
		return fmt.Errorf("manifest.root_url must use http or https: %s", c.Manifest.RootURL)
	}
	if c.Manifest.MinEntries != nil && *c.Manifest.MinEntries < 0 {
		return fmt.Errorf("manifest.min_entries must not be negative")
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}
	if c.Paths.InstallDir != "" && !filepath.IsAbs(c.Paths.InstallDir) {
		return fmt.Errorf("paths.install_dir must be an absolute path: %s", c.Paths.InstallDir)
	}

	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > maxConcurrency {
		return fmt.Errorf("sync.concurrency must be between 1 and %d, got %d", maxConcurrency, c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.RetryBaseDelay < 0 || c.Sync.RequestTimeout < 0 || c.Sync.ProgressInterval < 0 {
		return fmt.Errorf("sync durations must not be negative")
	}
	if c.Sync.MaxBytesPerSecond < 0 {
		return fmt.Errorf("sync.max_bytes_per_second must not be negative")
	}
	if c.Sync.RepairRounds < 0 {
		return fmt.Errorf("sync.repair_rounds must not be negative")
	}

	return nil
}

// MinEntries returns the configured manifest sanity floor
func (c *Config) MinEntries() int {
	if c.Manifest.MinEntries == nil {
		return DefaultMinEntries
	}
	return *c.Manifest.MinEntries
}

// HashCachePath returns the path of the persistent hash cache database
func (c *Config) HashCachePath() string {
	return filepath.Join(c.Paths.StateDir, "hashcache.db")
}

// StorePath returns the path of the key-value settings store
func (c *Config) StorePath() string {
	return filepath.Join(c.Paths.StateDir, "settings.yaml")
}
