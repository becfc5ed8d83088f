// Package cli defines the whisperd command line: by default it resolves
// configuration and runs the HTTP server; --download provisions a model
// and exits.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/model"
	"github.com/fmueller/whisperd/internal/server"
	"github.com/fmueller/whisperd/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	configPath string
	download   string

	// Flag storage for config-bound flags; the resolved values come out
	// of config.Load, which owns the precedence rules.
	host      string
	port      int
	modelName string
	language  string
	timeout   int
}

func NewRootCmd() *cobra.Command {
	app := &appState{}

	cmd := &cobra.Command{
		Use:           "whisperd",
		Short:         "OpenAI-compatible speech-to-text server backed by a local Whisper engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.run(cmd)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	flags := cmd.Flags()
	flags.StringVar(&app.host, "host", "0.0.0.0", "Address to bind the HTTP server to")
	flags.IntVar(&app.port, "port", 8000, "Port to bind the HTTP server to")
	flags.StringVar(&app.modelName, "model", model.Default, "Whisper model to serve")
	flags.StringVar(&app.language, "language", "auto", "Transcription language (auto|en|de|...)")
	flags.IntVar(&app.timeout, "timeout", 120, "Per-request timeout in seconds")
	flags.StringVar(&app.configPath, "config", "", "Path to a config file (JSON)")
	flags.StringVar(&app.download, "download", "", "Download the given model and exit without starting the server")
	flags.BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	flags.BoolVar(&app.jsonLogs, "json", false, "Enable JSON logging on stderr")
	flags.BoolVar(&app.noProgress, "no-progress", false, "Disable download progress indicators")

	return cmd
}

func (a *appState) run(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{
		ConfigPath: a.configPath,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	logger, err := a.buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	modelsDir, err := model.DefaultDir()
	if err != nil {
		return err
	}

	m := metrics.New()
	provisioner := model.NewProvisioner(model.ProvisionerOptions{
		Dir:        modelsDir,
		Logger:     logger.Named("model"),
		NoProgress: a.noProgress,
		OnDownloadBytes: func(n int64) {
			m.ModelDownloadBytes.Add(float64(n))
		},
	})

	if a.download != "" {
		return a.runDownload(cmd.Context(), provisioner, logger)
	}

	return a.runServer(cmd.Context(), cfg, provisioner, m, logger)
}

// runDownload provisions one model and exits; the server never starts.
func (a *appState) runDownload(ctx context.Context, provisioner *model.Provisioner, logger *zap.Logger) error {
	path, err := provisioner.Ensure(ctx, a.download)
	if err != nil {
		return fmt.Errorf("download model %q: %w", a.download, err)
	}

	logger.Info("model installed", zap.String("model", a.download), zap.String("path", path))
	fmt.Fprintf(os.Stderr, "Model %s installed at %s\n", a.download, path)
	return nil
}

func (a *appState) runServer(ctx context.Context, cfg *config.Config, provisioner *model.Provisioner, m *metrics.Metrics, logger *zap.Logger) error {
	app, err := server.New(server.Options{
		Cfg:         cfg,
		Logger:      logger,
		Provisioner: provisioner,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	if err := app.Normalizer.Preflight(ctx); err != nil {
		logger.Warn("audio preflight failed; uploads will be rejected until fixed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go app.Warmup(ctx)

	return app.ListenAndServe(ctx)
}

func (a *appState) buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}

	// A relative log path is anchored at the executable, next to the
	// models directory.
	filePath := cfg.Logging.FilePath
	if filePath != "" && !filepath.IsAbs(filePath) {
		if exe, err := os.Executable(); err == nil {
			filePath = filepath.Join(filepath.Dir(exe), filePath)
		}
	}

	return logging.New(logging.Options{
		Level:      level,
		JSON:       a.jsonLogs,
		FilePath:   filePath,
		MaxBytes:   cfg.Logging.MaxBytes,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}
