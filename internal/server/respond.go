package server

import (
	"encoding/json"
	"net/http"

	"github.com/fmueller/whisperd/internal/engine"
	"github.com/fmueller/whisperd/internal/fault"
	"go.uber.org/zap"
)

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// transcriptionResponse is the OpenAI verbose transcription shape.
type transcriptionResponse struct {
	Task     string           `json:"task"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []engine.Segment `json:"segments"`
	Text     string           `json:"text"`
}

func newTranscriptionResponse(result engine.Result) transcriptionResponse {
	segments := result.Segments
	if segments == nil {
		segments = []engine.Segment{}
	}
	return transcriptionResponse{
		Task:     "transcribe",
		Language: result.Language,
		Duration: result.Duration,
		Segments: segments,
		Text:     result.Text,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// envelopeFor maps a pipeline failure kind to status code, error type,
// and error code. This is the only place that knows the table.
func envelopeFor(err error) (int, errorBody) {
	f := fault.As(err)
	kind := fault.KindOf(err)

	body := errorBody{
		Message: "internal server error",
		Type:    "server_error",
	}
	status := http.StatusInternalServerError

	switch kind {
	case fault.BadRequest, fault.MissingFile, fault.InvalidBase64, fault.ModelNotFound:
		status = http.StatusBadRequest
		body.Type = "invalid_request_error"
		body.Code = kind.String()
	case fault.FileTooLarge:
		status = http.StatusRequestEntityTooLarge
		body.Type = "invalid_request_error"
		body.Code = kind.String()
	case fault.UnsupportedMedia, fault.AudioProcessingFailed:
		status = http.StatusUnsupportedMediaType
		body.Type = "invalid_request_error"
		body.Code = kind.String()
	case fault.ConcurrencyLimit:
		status = http.StatusTooManyRequests
		body.Type = "rate_limit_exceeded"
		body.Code = kind.String()
	case fault.Timeout:
		status = http.StatusRequestTimeout
		body.Type = "request_timeout"
		body.Code = kind.String()
	case fault.ModelNotReady:
		status = http.StatusServiceUnavailable
		body.Type = "server_error"
		body.Code = kind.String()
	case fault.URLFetchFailed:
		status = http.StatusBadGateway
		if f != nil && f.UpstreamStatus != 0 {
			status = f.UpstreamStatus
		}
		body.Type = "invalid_request_error"
		body.Code = kind.String()
	}

	// Internal faults keep the opaque default; everything else is safe
	// to show the client. Context expiry arrives as a bare error, so it
	// gets a canned message.
	switch {
	case f != nil && kind != fault.Internal:
		body.Message = f.Message
	case kind == fault.Timeout:
		body.Message = "request processing exceeded the configured timeout"
	}
	if f != nil {
		body.Param = f.Param
	}

	return status, body
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := envelopeFor(err)

	logger := a.Logger.With(
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("code", body.Code),
	)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.Error(err))
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}
