package server

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/engine"
	"github.com/fmueller/whisperd/internal/engine/enginetest"
	"github.com/fmueller/whisperd/internal/model"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param"`
		Code    string `json:"code"`
	} `json:"error"`
}

type testApp struct {
	app        *App
	server     *httptest.Server
	scratchDir string
	factory    *enginetest.Factory
}

func defaultSegments() []engine.Segment {
	return []engine.Segment{
		{Start: 0, End: 1.0, Text: " Hello"},
		{Start: 1.0, End: 2.5, Text: " world."},
	}
}

func newTestApp(t *testing.T, mutate func(cfg *config.Config), factory *enginetest.Factory) *testApp {
	t.Helper()

	cfg, err := config.Load(config.LoadOptions{ExeDir: t.TempDir()})
	require.NoError(t, err)
	cfg.Server.QueueWaitSeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	modelsDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(modelsDir, "whisper-base.bin"),
		bytes.Repeat([]byte("ggml"), 1024), 0o644))

	if factory == nil {
		factory = &enginetest.Factory{Segments: defaultSegments(), Detected: "en"}
	}

	scratchDir := t.TempDir()
	app, err := New(Options{
		Cfg: cfg,
		Provisioner: model.NewProvisioner(model.ProvisionerOptions{
			Dir:        modelsDir,
			NoProgress: true,
		}),
		Loader:     factory.Loader(),
		ScratchDir: scratchDir,
	})
	require.NoError(t, err)

	server := httptest.NewServer(app.Router())
	t.Cleanup(server.Close)

	return &testApp{app: app, server: server, scratchDir: scratchDir, factory: factory}
}

// requireScratchEmpty polls briefly: the handler's deferred cleanup
// may still be running when the client sees the response.
func (ta *testApp) requireScratchEmpty(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(ta.scratchDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond, "scratch files must not outlive the request")
}

func wavBytes(samples int) []byte {
	data := make([]byte, samples*2)
	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint32(16000))
	_ = binary.Write(buf, binary.LittleEndian, uint32(32000))
	_ = binary.Write(buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func multipartBody(t *testing.T, fileName string, payload []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	require.NoError(t, writer.Close())
	return buf, writer.FormDataContentType()
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	resp, err := http.Get(ta.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.NotEmpty(t, body.Version)
}

func TestModelsList(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	resp, err := http.Get(ta.server.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "list", body.Object)

	ids := make([]string, 0, len(body.Data))
	for _, entry := range body.Data {
		require.Equal(t, "model", entry.Object)
		require.Equal(t, "openai", entry.OwnedBy)
		ids = append(ids, entry.ID)
	}
	require.Contains(t, ids, "whisper-base")
	require.ElementsMatch(t, model.IDs(), ids)
}

func TestModelGet(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	resp, err := http.Get(ta.server.URL + "/v1/models/whisper-xxl")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "model_not_found", env.Error.Code)

	resp, err = http.Get(ta.server.URL + "/v1/models/WHISPER-BASE")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entry struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entry))
	require.Equal(t, "whisper-base", entry.ID)
}

func TestConfigEcho(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	for _, route := range []string{"/config", "/v1/config"} {
		resp, err := http.Get(ta.server.URL + route)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		require.Equal(t, "whisper-base", body["Whisper"]["ModelName"])
		require.Equal(t, float64(8000), body["Server"]["Port"])
	}
}

func TestTranscribeMultipart(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	body, contentType := multipartBody(t, "speech.wav", wavBytes(16000), map[string]string{
		"model":           "base",
		"language":        "en",
		"response_format": "verbose_json",
	})

	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Task     string  `json:"task"`
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
		Segments []struct {
			ID    int     `json:"id"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "transcribe", result.Task)
	require.Equal(t, "Hello world.", result.Text)
	require.Equal(t, "en", result.Language)
	require.InDelta(t, 2.5, result.Duration, 0.001)
	require.Len(t, result.Segments, 2)
	for i := 1; i < len(result.Segments); i++ {
		require.LessOrEqual(t, result.Segments[i-1].Start, result.Segments[i].Start)
	}

	ta.requireScratchEmpty(t)
}

func TestTranscribeMissingFile(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	// Multipart body with no file part at all.
	body, contentType := multipartBody(t, "", nil, map[string]string{"language": "en"})
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "invalid_request_error", env.Error.Type)
	require.Equal(t, "missing_file", env.Error.Code)

	// Not multipart at all.
	resp, err = http.Post(ta.server.URL+"/v1/audio/transcriptions", "application/json", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	require.Equal(t, "invalid_request_error", env.Error.Type)
}

func TestTranscribeUnsupportedExtension(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	body, contentType := multipartBody(t, "notes.txt", []byte("hello"), nil)
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "unsupported_media_type", env.Error.Code)
	ta.requireScratchEmpty(t)
}

func TestTranscribeOversizeUpload(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, func(cfg *config.Config) {
		cfg.Whisper.MaxFileSizeMB = 1
	}, nil)

	oversize := make([]byte, 1*1024*1024+512)
	body, contentType := multipartBody(t, "big.wav", oversize, nil)

	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "file_too_large", env.Error.Code)
	ta.requireScratchEmpty(t)
}

func TestTranscribeUnknownRequestModel(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	body, contentType := multipartBody(t, "speech.wav", wavBytes(160), map[string]string{"model": "whisper-xxl"})
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "model_not_found", env.Error.Code)
}

func TestTranscribeKnownMismatchedModelIsIgnored(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	body, contentType := multipartBody(t, "speech.wav", wavBytes(160), map[string]string{"model": "whisper-small"})
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "a known but different model id does not fail the request")
}

func TestTranscribeBase64(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	payload, err := json.Marshal(map[string]string{
		"audio":    base64.StdEncoding.EncodeToString(wavBytes(16000)),
		"filename": "speech.wav",
		"language": "en",
	})
	require.NoError(t, err)

	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/base64", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "Hello world.", result.Text)
	ta.requireScratchEmpty(t)
}

func TestTranscribeBase64Errors(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	// Missing audio field.
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/base64", "application/json",
		bytes.NewBufferString(`{"filename":"a.wav"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "missing_file", env.Error.Code)

	// Not base64.
	resp, err = http.Post(ta.server.URL+"/v1/audio/transcriptions/base64", "application/json",
		bytes.NewBufferString(`{"audio":"!!! definitely not base64 !!!","filename":"a.wav"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	env = decodeEnvelope(t, resp)
	require.Equal(t, "invalid_base64", env.Error.Code)
	ta.requireScratchEmpty(t)
}

func TestTranscribeURL(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/clip.wav" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(wavBytes(16000))
	}))
	defer upstream.Close()

	payload := fmt.Sprintf(`{"url":%q}`, upstream.URL+"/clip.wav")
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/url", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "Hello world.", result.Text)
	ta.requireScratchEmpty(t)
}

func TestTranscribeURLMirrorsUpstreamStatus(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	payload := fmt.Sprintf(`{"url":%q,"filename":"clip.wav"}`, upstream.URL+"/clip.wav")
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/url", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "url_fetch_failed", env.Error.Code)
}

func TestTranscribeURLRejectsDeclaredOversize(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, func(cfg *config.Config) {
		cfg.Whisper.MaxFileSizeMB = 1
	}, nil)

	oversize := make([]byte, 1*1024*1024+512)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(oversize)))
		_, _ = w.Write(oversize)
	}))
	defer upstream.Close()

	payload := fmt.Sprintf(`{"url":%q,"filename":"clip.wav"}`, upstream.URL)
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/url", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "file_too_large", env.Error.Code)
	ta.requireScratchEmpty(t)
}

func TestTranscribeURLBadRequest(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions/url", "application/json",
		bytes.NewBufferString(`{"url":"ftp://example.com/a.wav"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmissionLimit(t *testing.T) {
	t.Parallel()

	factory := &enginetest.Factory{
		Segments: defaultSegments(),
		Detected: "en",
		Delay:    3 * time.Second,
	}
	ta := newTestApp(t, func(cfg *config.Config) {
		cfg.Server.MaxConcurrent = 1
		cfg.Server.QueueWaitSeconds = 1
	}, factory)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		body, contentType := multipartBody(t, "speech.wav", wavBytes(16000), nil)
		resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Let the first request take the only slot.
	time.Sleep(200 * time.Millisecond)

	body, contentType := multipartBody(t, "speech.wav", wavBytes(16000), nil)
	started := time.Now()
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	elapsed := time.Since(started)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Less(t, elapsed, 1500*time.Millisecond, "429 must arrive within the queue wait plus epsilon")
	env := decodeEnvelope(t, resp)
	require.Equal(t, "rate_limit_exceeded", env.Error.Type)
	require.Equal(t, "concurrency_limit", env.Error.Code)

	wg.Wait()
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	factory := &enginetest.Factory{Delay: 5 * time.Second}
	ta := newTestApp(t, func(cfg *config.Config) {
		cfg.Server.TimeoutSeconds = 1
	}, factory)

	body, contentType := multipartBody(t, "speech.wav", wavBytes(16000), nil)
	resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	env := decodeEnvelope(t, resp)
	require.Equal(t, "request_timeout", env.Error.Type)
	require.Equal(t, "timeout", env.Error.Code)
	ta.requireScratchEmpty(t)
}

func TestProcessorsAreReleasedPerRequest(t *testing.T) {
	t.Parallel()

	ta := newTestApp(t, nil, nil)

	for range 3 {
		body, contentType := multipartBody(t, "speech.wav", wavBytes(160), nil)
		resp, err := http.Post(ta.server.URL+"/v1/audio/transcriptions", contentType, body)
		require.NoError(t, err)
		resp.Body.Close()
	}

	require.Equal(t, ta.factory.ProcessorCount(), ta.factory.ReleaseCount())
}
