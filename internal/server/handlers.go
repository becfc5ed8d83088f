package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/engine"
	"github.com/fmueller/whisperd/internal/fault"
	"github.com/fmueller/whisperd/internal/model"
	"go.uber.org/zap"
)

// maxFormFieldBytes bounds the small text fields of a multipart form.
const maxFormFieldBytes = 1024

// ingress is what each request shape materializes before the common
// pipeline tail runs: audio bytes on disk plus the request parameters.
type ingress struct {
	inputPath    string
	originalName string
	model        string
	language     string
}

// job tracks the scratch files one request owns so they are unlinked on
// every exit path, including panics unwinding through the handler.
type job struct {
	logger *zap.Logger
	paths  []string
}

func (j *job) track(path string) {
	j.paths = append(j.paths, path)
}

func (j *job) cleanup() {
	for _, p := range j.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			j.logger.Warn("failed to remove scratch file", zap.String("path", p), zap.Error(err))
		}
	}
}

func (a *App) handleTranscribeMultipart(w http.ResponseWriter, r *http.Request) {
	a.serveTranscription(w, r, a.ingestMultipart)
}

func (a *App) handleTranscribeBase64(w http.ResponseWriter, r *http.Request) {
	a.serveTranscription(w, r, a.ingestBase64)
}

func (a *App) handleTranscribeURL(w http.ResponseWriter, r *http.Request) {
	a.serveTranscription(w, r, a.ingestURL)
}

// serveTranscription is the common tail behind all three request
// shapes: admit, materialize bytes, normalize, transcribe, respond.
func (a *App) serveTranscription(w http.ResponseWriter, r *http.Request, ingest func(http.ResponseWriter, *http.Request, *job) (ingress, error)) {
	ticket, err := a.Gate.Acquire(r.Context())
	if err != nil {
		a.Metrics.AdmissionRejected.Inc()
		a.writeError(w, r, err)
		return
	}
	defer ticket.Release()

	a.Metrics.RequestsInFlight.Inc()
	defer a.Metrics.RequestsInFlight.Dec()

	j := &job{logger: a.Logger}
	defer j.cleanup()

	in, err := ingest(w, r, j)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// A model in the request must be a known id; a known id that is not
	// the loaded one is accepted without switching models.
	if in.model != "" {
		requested, err := model.Normalize(in.model)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		configured, _ := model.Normalize(a.Cfg.Whisper.ModelName)
		if requested.ID != configured.ID {
			a.Logger.Debug("request model differs from loaded model; ignoring",
				zap.String("requested", requested.ID), zap.String("loaded", configured.ID))
		}
	}

	language := in.language
	if language == "" {
		language = a.Cfg.Whisper.Language
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), a.Cfg.RequestTimeout())
	defer cancel()

	result, err := a.transcribeFile(ctx, j, in.inputPath, in.originalName, language)
	if err != nil {
		a.Metrics.TranscriptionFailures.WithLabelValues(fault.KindOf(err).String()).Inc()
		a.writeError(w, r, err)
		return
	}

	a.Metrics.TranscriptionDuration.Observe(time.Since(started).Seconds())
	writeJSON(w, http.StatusOK, newTranscriptionResponse(result))
}

func (a *App) transcribeFile(ctx context.Context, j *job, inputPath, originalName, language string) (engine.Result, error) {
	wavPath, err := a.Normalizer.Normalize(ctx, inputPath, originalName)
	if err != nil {
		return engine.Result{}, err
	}
	j.track(wavPath)

	modelPath, err := a.Provisioner.Ensure(ctx, a.Cfg.Whisper.ModelName)
	if err != nil {
		return engine.Result{}, err
	}

	return a.Transcriber.Transcribe(ctx, wavPath, modelPath, language)
}

// ingestMultipart streams the file part of a multipart form straight to
// a scratch file, never buffering the upload in memory.
func (a *App) ingestMultipart(_ http.ResponseWriter, r *http.Request, j *job) (ingress, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return ingress{}, fault.New(fault.BadRequest, "content type must be multipart/form-data")
	}

	reader, err := r.MultipartReader()
	if err != nil {
		return ingress{}, fault.Wrap(fault.BadRequest, "malformed multipart body", err)
	}

	var in ingress
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ingress{}, fault.Wrap(fault.BadRequest, "malformed multipart body", err)
		}

		switch part.FormName() {
		case "file":
			name := part.FileName()
			if name == "" {
				return ingress{}, fault.New(fault.MissingFile, "file part has no filename").WithParam("file")
			}
			if !audio.AllowedExtension(name) {
				return ingress{}, fault.Newf(fault.UnsupportedMedia,
					"unsupported file extension %q (supported: %s)",
					filepath.Ext(name), strings.Join(audio.AllowedExtensions(), ", ")).WithParam("file")
			}

			savedPath, _, err := a.saveCapped(part, filepath.Ext(name), j)
			if err != nil {
				if fault.As(err) != nil {
					return ingress{}, err
				}
				return ingress{}, fault.Wrap(fault.BadRequest, "read upload", err)
			}
			in.inputPath = savedPath
			in.originalName = name
		case "model":
			in.model, err = readFormValue(part)
		case "language":
			in.language, err = readFormValue(part)
		default:
			// response_format, timestamp_granularities[] and anything
			// else: accepted and ignored.
			_, err = io.Copy(io.Discard, part)
		}
		if err != nil {
			return ingress{}, fault.Wrap(fault.BadRequest, "malformed multipart body", err)
		}
	}

	if in.inputPath == "" {
		return ingress{}, fault.New(fault.MissingFile, "no file provided in form data").WithParam("file")
	}
	return in, nil
}

type base64Request struct {
	Audio    string `json:"audio"`
	Filename string `json:"filename"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

func (a *App) ingestBase64(w http.ResponseWriter, r *http.Request, j *job) (ingress, error) {
	// Base64 inflates by 4/3; anything past that cannot decode to an
	// acceptable payload anyway.
	bodyLimit := a.Cfg.MaxFileBytes()*4/3 + 64*1024
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	var req base64Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ingress{}, fault.Newf(fault.FileTooLarge, "request body exceeds the %d MB limit", a.Cfg.Whisper.MaxFileSizeMB)
		}
		return ingress{}, fault.Wrap(fault.BadRequest, "invalid JSON body", err)
	}

	if strings.TrimSpace(req.Audio) == "" {
		return ingress{}, fault.New(fault.MissingFile, "audio field is required").WithParam("audio")
	}

	name := req.Filename
	if name == "" {
		name = "audio.wav"
	}
	if !audio.AllowedExtension(name) {
		return ingress{}, fault.Newf(fault.UnsupportedMedia,
			"unsupported file extension %q (supported: %s)",
			filepath.Ext(name), strings.Join(audio.AllowedExtensions(), ", ")).WithParam("filename")
	}

	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.Audio))
	savedPath, _, err := a.saveCapped(decoder, filepath.Ext(name), j)
	if err != nil {
		if fault.As(err) != nil {
			return ingress{}, err
		}
		return ingress{}, fault.Wrap(fault.InvalidBase64, "audio field is not valid base64", err).WithParam("audio")
	}

	return ingress{
		inputPath:    savedPath,
		originalName: name,
		model:        req.Model,
		language:     req.Language,
	}, nil
}

type urlRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

func (a *App) ingestURL(_ http.ResponseWriter, r *http.Request, j *job) (ingress, error) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		return ingress{}, fault.Wrap(fault.BadRequest, "invalid JSON body", err)
	}

	if strings.TrimSpace(req.URL) == "" {
		return ingress{}, fault.New(fault.BadRequest, "url field is required").WithParam("url")
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ingress{}, fault.New(fault.BadRequest, "url must be an http or https URL").WithParam("url")
	}

	name := req.Filename
	if name == "" {
		name = path.Base(parsed.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "audio.wav"
	}
	if !audio.AllowedExtension(name) {
		return ingress{}, fault.Newf(fault.UnsupportedMedia,
			"unsupported file extension %q (supported: %s)",
			filepath.Ext(name), strings.Join(audio.AllowedExtensions(), ", ")).WithParam("filename")
	}

	client := &http.Client{Timeout: a.Cfg.RequestTimeout() + 10*time.Second}
	fetchReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		return ingress{}, fault.Wrap(fault.BadRequest, "url is not fetchable", err).WithParam("url")
	}

	resp, err := client.Do(fetchReq)
	if err != nil {
		f := fault.Wrap(fault.URLFetchFailed, "failed to fetch url", err).WithParam("url")
		f.UpstreamStatus = http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			f.UpstreamStatus = http.StatusGatewayTimeout
		}
		return ingress{}, f
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f := fault.Newf(fault.URLFetchFailed, "upstream returned status %d", resp.StatusCode).WithParam("url")
		f.UpstreamStatus = resp.StatusCode
		return ingress{}, f
	}

	// Reject on the declared length before reading; the capped copy
	// below re-checks while the body streams.
	if resp.ContentLength > a.Cfg.MaxFileBytes() {
		return ingress{}, fault.Newf(fault.FileTooLarge,
			"remote file is %d bytes, limit is %d MB", resp.ContentLength, a.Cfg.Whisper.MaxFileSizeMB)
	}

	savedPath, _, err := a.saveCapped(resp.Body, filepath.Ext(name), j)
	if err != nil {
		if fault.As(err) != nil {
			return ingress{}, err
		}
		f := fault.Wrap(fault.URLFetchFailed, "failed to read url body", err).WithParam("url")
		f.UpstreamStatus = http.StatusBadGateway
		return ingress{}, f
	}

	return ingress{
		inputPath:    savedPath,
		originalName: name,
		model:        req.Model,
		language:     req.Language,
	}, nil
}

// saveCapped streams src into a fresh scratch file, enforcing the size
// cap as bytes arrive. The file is tracked on the job either way, so a
// rejected transfer leaves nothing behind.
func (a *App) saveCapped(src io.Reader, ext string, j *job) (string, int64, error) {
	limit := a.Cfg.MaxFileBytes()
	scratchPath := audio.ScratchPath(a.ScratchDir, ext)

	f, err := os.Create(scratchPath)
	if err != nil {
		return "", 0, fmt.Errorf("create scratch file: %w", err)
	}
	j.track(scratchPath)

	written, err := io.Copy(f, io.LimitReader(src, limit+1))
	closeErr := f.Close()
	if err != nil {
		return "", 0, err
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close scratch file: %w", closeErr)
	}
	if written > limit {
		return "", 0, fault.Newf(fault.FileTooLarge,
			"file exceeds the %d MB limit", a.Cfg.Whisper.MaxFileSizeMB).WithParam("file")
	}

	a.Metrics.AudioBytesIn.Add(float64(written))
	return scratchPath, written, nil
}

func readFormValue(part io.Reader) (string, error) {
	value, err := io.ReadAll(io.LimitReader(part, maxFormFieldBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
