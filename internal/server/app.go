// Package server wires the HTTP surface: request admission, the three
// audio ingress shapes, the transcription pipeline, and OpenAI-shaped
// responses.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fmueller/whisperd/internal/admission"
	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/engine"
	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/model"
	"github.com/fmueller/whisperd/internal/version"
	"go.uber.org/zap"
)

// App bundles the process-wide state every handler needs. There is no
// ambient global state; the router closes over one App.
type App struct {
	Cfg         *config.Config
	Logger      *zap.Logger
	Provisioner *model.Provisioner
	Transcriber *engine.Transcriber
	Normalizer  *audio.Normalizer
	Gate        *admission.Gate
	Metrics     *metrics.Metrics
	ScratchDir  string
	Version     string
}

type Options struct {
	Cfg         *config.Config
	Logger      *zap.Logger
	Provisioner *model.Provisioner
	Loader      engine.Loader
	ScratchDir  string

	// Metrics may be shared with collaborators built before the App,
	// such as a provisioner feeding the download-bytes counter.
	Metrics *metrics.Metrics
}

func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scratchDir := opts.ScratchDir
	if scratchDir == "" {
		dir, err := audio.ScratchDir()
		if err != nil {
			return nil, err
		}
		scratchDir = dir
	}

	loader := opts.Loader
	if loader == nil {
		loader = engine.Load
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	cfg := opts.Cfg
	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Provisioner: opts.Provisioner,
		Transcriber: engine.NewTranscriber(loader, cfg.Whisper.Device, logger.Named("engine")),
		Normalizer:  audio.NewNormalizer(scratchDir, cfg.Whisper.SampleRate, logger.Named("audio")),
		Gate:        admission.NewGate(cfg.Server.MaxConcurrent, cfg.QueueWait()),
		Metrics:     m,
		ScratchDir:  scratchDir,
		Version:     version.Resolve(),
	}, nil
}

// Warmup provisions the configured model so the first request does not
// pay for the download. Failure is logged, not fatal: the request path
// retries through the same provisioner.
func (a *App) Warmup(ctx context.Context) {
	started := time.Now()
	path, err := a.Provisioner.Ensure(ctx, a.Cfg.Whisper.ModelName)
	if err != nil {
		a.Logger.Warn("model warmup failed; will retry on first request",
			zap.String("model", a.Cfg.Whisper.ModelName), zap.Error(err))
		return
	}
	a.Logger.Info("model ready",
		zap.String("model", a.Cfg.Whisper.ModelName),
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(started)))
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func (a *App) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Cfg.Addr(),
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", zap.String("addr", srv.Addr), zap.String("version", a.Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a.Logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	_ = a.Transcriber.Close()
	return nil
}
