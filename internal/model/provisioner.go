package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fmueller/whisperd/internal/download"
	"github.com/fmueller/whisperd/internal/fault"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// minModelBytes is the sanity floor below which an installed file is
// treated as corrupt rather than a usable model.
const minModelBytes = 1024

// DefaultDir returns <exe-dir>/models, creating it if needed.
func DefaultDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("resolve executable symlinks: %w", err)
	}

	dir := filepath.Join(filepath.Dir(exe), "models")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

// Provisioner resolves model ids to validated local files, downloading
// missing ones. Concurrent Ensure calls for the same id collapse into a
// single download whose outcome all waiters share.
type Provisioner struct {
	dir        string
	logger     *zap.Logger
	client     *http.Client
	noProgress bool
	onBytes    func(int64)
	group      singleflight.Group
}

type ProvisionerOptions struct {
	Dir        string
	Logger     *zap.Logger
	HTTPClient *http.Client
	NoProgress bool

	// OnDownloadBytes observes downloaded byte counts, e.g. to feed a
	// metrics counter. Must not block.
	OnDownloadBytes func(n int64)
}

func NewProvisioner(opts ProvisionerOptions) *Provisioner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Provisioner{
		dir:        opts.Dir,
		logger:     opts.Logger,
		client:     opts.HTTPClient,
		noProgress: opts.NoProgress,
		onBytes:    opts.OnDownloadBytes,
	}
}

// Path returns where a canonical id installs, whether or not it exists.
func (p *Provisioner) Path(id string) string {
	return filepath.Join(p.dir, id+".bin")
}

// Installed reports whether a canonical id has a valid local file.
func (p *Provisioner) Installed(id string) bool {
	info, err := os.Stat(p.Path(id))
	return err == nil && info.Size() >= minModelBytes
}

// Ensure returns the absolute path of a validated local model file for
// the given name, downloading it first when absent. Unknown names fail
// with a model-not-found fault; download failures surface as
// model-not-ready so callers may retry.
func (p *Provisioner) Ensure(ctx context.Context, name string) (string, error) {
	info, err := Normalize(name)
	if err != nil {
		return "", err
	}

	target := p.Path(info.ID)
	if p.Installed(info.ID) {
		return target, nil
	}

	_, err, _ = p.group.Do(info.ID, func() (any, error) {
		// Another caller may have finished the install while we waited
		// for the flight slot.
		if p.Installed(info.ID) {
			return nil, nil
		}

		p.logger.Info("model not found locally, downloading",
			zap.String("model", info.ID),
			zap.String("url", info.URL),
			zap.String("destination", target))

		if err := download.DownloadFile(ctx, download.Options{
			URL:            info.URL,
			Destination:    target,
			ExpectedSHA256: info.SHA256,
			NoProgress:     p.noProgress,
			HTTPClient:     p.client,
			Logger:         p.logger,
			OnBytes:        p.onBytes,
		}); err != nil {
			return nil, err
		}

		stat, err := os.Stat(target)
		if err != nil {
			return nil, fmt.Errorf("stat installed model: %w", err)
		}
		if stat.Size() < minModelBytes {
			_ = os.Remove(target)
			return nil, fmt.Errorf("downloaded model %s is implausibly small (%d bytes)", info.ID, stat.Size())
		}

		p.logger.Info("model installed", zap.String("model", info.ID), zap.Int64("bytes", stat.Size()))
		return nil, nil
	})
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) {
			return "", err
		}
		return "", fault.Wrap(fault.ModelNotReady, fmt.Sprintf("model %s is not available", info.ID), err)
	}

	return target, nil
}
