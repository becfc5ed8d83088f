// Package fault carries typed failure kinds through the transcription
// pipeline so that the HTTP layer is the only place that knows about
// status codes and error envelopes.
package fault

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	BadRequest
	MissingFile
	InvalidBase64
	ModelNotFound
	FileTooLarge
	UnsupportedMedia
	AudioProcessingFailed
	ConcurrencyLimit
	Timeout
	ModelNotReady
	URLFetchFailed
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "invalid_request_error"
	case MissingFile:
		return "missing_file"
	case InvalidBase64:
		return "invalid_base64"
	case ModelNotFound:
		return "model_not_found"
	case FileTooLarge:
		return "file_too_large"
	case UnsupportedMedia:
		return "unsupported_media_type"
	case AudioProcessingFailed:
		return "audio_processing_failed"
	case ConcurrencyLimit:
		return "concurrency_limit"
	case Timeout:
		return "timeout"
	case ModelNotReady:
		return "model_not_ready"
	case URLFetchFailed:
		return "url_fetch_failed"
	default:
		return "server_error"
	}
}

// Fault is an error with a pipeline failure kind attached. UpstreamStatus
// is set only for URLFetchFailed, where the response mirrors the status
// code of the fetched URL.
type Fault struct {
	Kind           Kind
	Message        string
	Param          string
	UpstreamStatus int
	err            error
}

func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Fault {
	return &Fault{Kind: kind, Message: message, err: err}
}

func (f *Fault) WithParam(param string) *Fault {
	f.Param = param
	return f
}

func (f *Fault) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.err)
	}
	return f.Message
}

func (f *Fault) Unwrap() error {
	return f.err
}

// KindOf classifies an arbitrary pipeline error. Context expiry maps to
// Timeout whether or not it was wrapped in a Fault along the way.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

// As returns the Fault inside err, or nil when err carries none.
func As(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return nil
}
