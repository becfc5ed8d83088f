package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/fault"
	"go.uber.org/zap"
)

// minModelBytes mirrors the provisioner's sanity floor: a factory is
// never built from a file this small.
const minModelBytes = 1024

// Transcriber holds at most one loaded factory and runs per-request
// inference against it. Loading is lazy and serialized; the cached
// factory is publish-once, read-many.
type Transcriber struct {
	loader Loader
	device string
	logger *zap.Logger

	mu        sync.Mutex
	factory   Factory
	modelPath string
}

func NewTranscriber(loader Loader, device string, logger *zap.Logger) *Transcriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcriber{
		loader: loader,
		device: device,
		logger: logger,
	}
}

// Transcribe runs the loaded model over a canonical WAV file and
// collects the segment stream into a Result. The context deadline
// bounds inference; expiry surfaces as a timeout to the caller.
func (t *Transcriber) Transcribe(ctx context.Context, wavPath, modelPath, language string) (result Result, err error) {
	factory, err := t.ensureFactory(modelPath)
	if err != nil {
		return Result{}, err
	}

	samples, err := audio.ReadSamples(wavPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.AudioProcessingFailed, "read normalized audio", err)
	}

	proc, err := factory.NewProcessor(language)
	if err != nil {
		return Result{}, fmt.Errorf("create processor: %w", err)
	}
	defer func() {
		// Release must run even when the request context is already
		// cancelled; the processor finalizes in-flight work
		// asynchronously.
		if releaseErr := proc.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			t.logger.Warn("processor release failed", zap.Error(releaseErr))
		}
	}()

	if err := proc.Process(ctx, samples); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("inference failed: %w", err)
	}

	var (
		segments []Segment
		text     strings.Builder
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		seg, err := proc.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("segment stream: %w", err)
		}

		seg.ID = len(segments)
		segments = append(segments, seg)
		text.WriteString(seg.Text)
	}

	result = Result{
		Text:     strings.TrimSpace(text.String()),
		Language: language,
		Segments: segments,
	}
	if detected := proc.Language(); detected != "" {
		result.Language = detected
	}
	if len(segments) > 0 {
		result.Duration = segments[len(segments)-1].End
	}

	return result, nil
}

// ensureFactory returns the cached factory, loading it on first use.
// A model path change disposes the old factory off the request path;
// in the MVP the configured model never changes at runtime, so this is
// effectively install-once.
func (t *Transcriber) ensureFactory(modelPath string) (Factory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.factory != nil && t.modelPath == modelPath {
		return t.factory, nil
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fault.Wrap(fault.ModelNotReady, "model file is not present", err)
	}
	if info.Size() < minModelBytes {
		return nil, fault.Newf(fault.ModelNotReady, "model file %s is implausibly small (%d bytes)", modelPath, info.Size())
	}

	if t.factory != nil {
		old := t.factory
		go func() {
			if err := old.Close(); err != nil {
				t.logger.Warn("dispose replaced engine failed", zap.Error(err))
			}
		}()
		t.factory = nil
	}

	t.logger.Info("loading model", zap.String("path", modelPath), zap.String("device", t.device))
	factory, err := t.loader(modelPath, t.device)
	if err != nil {
		return nil, fault.Wrap(fault.ModelNotReady, "model failed to load", err)
	}

	t.factory = factory
	t.modelPath = modelPath
	return factory, nil
}

// Close disposes the loaded factory, if any.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.factory == nil {
		return nil
	}
	err := t.factory.Close()
	t.factory = nil
	t.modelPath = ""
	return err
}
