package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/assetsync/internal/activation"
	"github.com/schaermu/assetsync/internal/api"
	"github.com/schaermu/assetsync/internal/config"
	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Operation flags
	installDir string
	channel    string
	repairMode string
	sizeOnly   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "assetsync",
	Short: "Install, update and repair game assets from a launcher CDN",
	Long: `assetsync keeps a local game installation in sync with the resource
manifest published on a launcher CDN.

It validates every file against the manifest, downloads missing or corrupt
files concurrently and verifies the result before recording the installed
version. It can run one-shot from the command line or as a local service that
the launcher UI drives over HTTP.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Install or update the game to the channel's current version",
	Long: `Sync resolves the channel's manifest, validates the existing installation,
downloads every missing or corrupt file and runs a final integrity pass.

On success the local manifest and version marker are written into the install
directory and the configured launcher hooks are run.`,
	RunE: runSync,
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Repair an existing installation",
	Long: `Repair validates an existing installation and re-downloads invalid files.

Quick mode uses the local manifest written by the last sync when it looks
complete, and can skip hashing with --size-only. Full mode always fetches the
remote manifest and hashes every file.`,
	RunE: runRepair,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check installation integrity without changing anything",
	RunE:  runVerify,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local command and progress server",
	Long: `Serve starts an HTTP server that accepts sync, repair and verify commands
and streams progress events over a websocket.

When started through systemd socket activation the passed socket is used,
otherwise the server listens on serve.listen_addr.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("assetsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/assetsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, repairCmd, verifyCmd} {
		cmd.Flags().StringVar(&installDir, "install-dir", "", "installation directory (default from config or settings store)")
	}
	syncCmd.Flags().StringVar(&channel, "channel", "", "release channel (default from config)")
	repairCmd.Flags().StringVar(&repairMode, "mode", string(sync.RepairQuick), "repair mode (quick, full)")
	repairCmd.Flags().BoolVar(&sizeOnly, "size-only", false, "quick mode only: compare sizes without hashing")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	a, err := setup(logger, newCLISink(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Install(ctx, installDir, channel)
	return finish(logger, res, err)
}

func runRepair(cmd *cobra.Command, args []string) error {
	mode, err := parseRepairMode(repairMode)
	if err != nil {
		return err
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	a, err := setup(logger, newCLISink(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Repair(ctx, installDir, sync.RepairOptions{Mode: mode, SizeOnly: sizeOnly})
	return finish(logger, res, err)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	a, err := setup(logger, newCLISink(logger))
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Verify(ctx, installDir)
	if err := finish(logger, res, err); err != nil {
		return err
	}
	if res.Invalid > 0 {
		for _, dest := range res.InvalidFiles {
			logger.Warn("invalid file", "dest", dest)
		}
		return fmt.Errorf("%d of %d file(s) failed verification", res.Invalid, res.Checked)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	hub := api.NewHub()
	a, err := setup(logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	ln, activated, err := activation.Listen(a.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using systemd socket activation", "addr", ln.Addr().String())
	}

	return api.NewServer(a.engine, hub, a.cfg.Serve, logger).Serve(ctx, ln)
}

// setup loads the configuration and wires the engine.
func setup(logger *slog.Logger, sink progress.Sink) (*app, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newApp(cfg, sink, logger)
}

// finish logs the outcome of a CLI operation and turns a cancellation into
// a non-zero exit.
func finish(logger *slog.Logger, res *sync.Result, err error) error {
	if err != nil {
		logger.Error("operation failed", "error", err)
		return err
	}
	if res.Status == progress.StatusCancelled {
		return errors.New("operation cancelled")
	}
	logger.Info("operation completed",
		"kind", res.Kind,
		"version", res.Version,
		"install_path", res.InstallPath,
		"checked", res.Checked,
		"invalid", res.Invalid,
		"downloaded", res.Downloaded,
		"duration", res.Duration)
	return nil
}

func parseRepairMode(s string) (sync.RepairMode, error) {
	switch mode := sync.RepairMode(s); mode {
	case sync.RepairQuick, sync.RepairFull:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid repair mode %q (want quick or full)", s)
	}
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "assetsync", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root_url", cfg.Manifest.RootURL,
		"channel", cfg.Manifest.Channel,
		"install_dir", cfg.Paths.InstallDir,
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
