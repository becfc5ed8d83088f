// Package enginetest provides a scriptable in-memory engine for tests,
// standing in for the whisper.cpp backend.
package enginetest

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/fmueller/whisperd/internal/engine"
)

// Factory replays fixed segments for every processor it creates. Delay,
// when set, stalls Process until it elapses or the context expires,
// which lets tests exercise admission queuing and timeouts.
type Factory struct {
	Segments []engine.Segment
	Detected string
	Delay    time.Duration
	Err      error

	processors atomic.Int64
	releases   atomic.Int64
	closed     atomic.Bool
}

// Loader returns an engine.Loader that always yields this factory.
func (f *Factory) Loader() engine.Loader {
	return func(modelPath, device string) (engine.Factory, error) {
		return f, nil
	}
}

func (f *Factory) NewProcessor(language string) (engine.Processor, error) {
	f.processors.Add(1)
	return &processor{factory: f, language: language}, nil
}

func (f *Factory) Close() error {
	f.closed.Store(true)
	return nil
}

// ProcessorCount reports how many processors were handed out.
func (f *Factory) ProcessorCount() int64 { return f.processors.Load() }

// ReleaseCount reports how many processors were released.
func (f *Factory) ReleaseCount() int64 { return f.releases.Load() }

// Closed reports whether the factory itself was disposed.
func (f *Factory) Closed() bool { return f.closed.Load() }

type processor struct {
	factory  *Factory
	language string
	next     int
	released atomic.Bool
}

func (p *processor) Process(ctx context.Context, samples []float32) error {
	if p.factory.Err != nil {
		return p.factory.Err
	}
	if p.factory.Delay > 0 {
		select {
		case <-time.After(p.factory.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *processor) NextSegment() (engine.Segment, error) {
	if p.next >= len(p.factory.Segments) {
		return engine.Segment{}, io.EOF
	}
	seg := p.factory.Segments[p.next]
	p.next++
	return seg, nil
}

func (p *processor) Language() string {
	if p.factory.Detected != "" {
		return p.factory.Detected
	}
	return p.language
}

func (p *processor) Release(ctx context.Context) error {
	if p.released.Swap(true) {
		panic("processor released twice")
	}
	p.factory.releases.Add(1)
	return nil
}
