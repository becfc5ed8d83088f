//go:build whisper_cpp

package engine

import (
	"context"
	"fmt"
	"io"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Load opens a whisper.cpp model file. The bindings expose no device
// toggle; the hint is accepted for interface compatibility and the
// engine picks its own backend.
func Load(modelPath, device string) (Factory, error) {
	model, err := whispercpp.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", modelPath, err)
	}
	return &cppFactory{model: model}, nil
}

type cppFactory struct {
	model whispercpp.Model
}

func (f *cppFactory) NewProcessor(language string) (Processor, error) {
	wctx, err := f.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("create whisper context: %w", err)
	}

	wctx.SetTranslate(false)
	if language != "" {
		// "auto" enables the engine's language detection.
		if err := wctx.SetLanguage(language); err != nil {
			return nil, fmt.Errorf("set language %q: %w", language, err)
		}
	}

	return &cppProcessor{wctx: wctx}, nil
}

func (f *cppFactory) Close() error {
	return f.model.Close()
}

type cppProcessor struct {
	wctx     whispercpp.Context
	inflight chan error
}

func (p *cppProcessor) Process(ctx context.Context, samples []float32) error {
	done := make(chan error, 1)
	go func() {
		done <- p.wctx.Process(samples, nil, nil, nil)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The engine cannot be interrupted mid-inference; Release drains
		// the computation off the request path.
		p.inflight = done
		return ctx.Err()
	}
}

func (p *cppProcessor) NextSegment() (Segment, error) {
	seg, err := p.wctx.NextSegment()
	if err == io.EOF {
		return Segment{}, io.EOF
	}
	if err != nil {
		return Segment{}, fmt.Errorf("read segment: %w", err)
	}

	return Segment{
		ID:    seg.Num,
		Start: seg.Start.Seconds(),
		End:   seg.End.Seconds(),
		Text:  seg.Text,
	}, nil
}

func (p *cppProcessor) Language() string {
	return p.wctx.Language()
}

func (p *cppProcessor) Release(ctx context.Context) error {
	if p.inflight == nil {
		return nil
	}

	// Asynchronous finalization: the context refuses disposal while
	// processing, so wait out the abandoned computation in the
	// background.
	inflight := p.inflight
	go func() {
		<-inflight
	}()
	return nil
}
