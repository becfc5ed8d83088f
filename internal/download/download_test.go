package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	payload := []byte("hello-world")
	destination := filepath.Join(t.TempDir(), "model.bin")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL + "/model.bin",
		Destination: destination,
		NoProgress:  true,
	})
	require.NoError(t, err)

	onDisk, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.Equal(t, payload, onDisk)
}

func TestDownloadFileReportsBytes(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("a"), 100*1024)
	destination := filepath.Join(t.TempDir(), "model.bin")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	var observed atomic.Int64
	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: destination,
		NoProgress:  true,
		OnBytes:     func(n int64) { observed.Add(n) },
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), observed.Load())
}

func TestDownloadFileVerifiesChecksum(t *testing.T) {
	t.Parallel()

	payload := []byte("model-bytes")
	sum := sha256.Sum256(payload)
	destination := filepath.Join(t.TempDir(), "model.bin")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	require.NoError(t, DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    destination,
		ExpectedSHA256: hex.EncodeToString(sum[:]),
		NoProgress:     true,
	}))

	err := DownloadFile(context.Background(), Options{
		URL:            server.URL,
		Destination:    filepath.Join(t.TempDir(), "other.bin"),
		ExpectedSHA256: "deadbeef",
		NoProgress:     true,
	})
	require.ErrorContains(t, err, "checksum mismatch")
}

func TestDownloadFileCleansUpTempOnFailure(t *testing.T) {
	t.Parallel()

	destination := filepath.Join(t.TempDir(), "model.bin")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	err := DownloadFile(context.Background(), Options{
		URL:         server.URL,
		Destination: destination,
		NoProgress:  true,
	})
	require.ErrorContains(t, err, "unexpected status code")

	_, statErr := os.Stat(destination)
	require.ErrorIs(t, statErr, os.ErrNotExist)
	_, statErr = os.Stat(destination + ".downloading")
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestVerifyFileChecksum(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := []byte("whisperd")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	sum := sha256.Sum256(payload)
	require.NoError(t, VerifyFileChecksum(path, hex.EncodeToString(sum[:])))
	require.NoError(t, VerifyFileChecksum(path, ""), "empty expectation passes")
	require.Error(t, VerifyFileChecksum(path, "deadbeef"))
}
