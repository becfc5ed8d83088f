package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ScratchDir returns the process-scoped scratch directory for
// per-request audio files, creating it if needed.
func ScratchDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "whisperapi")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch directory %s: %w", dir, err)
	}
	return dir, nil
}

// ScratchPath returns a unique path inside dir carrying the given
// extension. Each request owns its paths; nothing else writes to them.
func ScratchPath(dir, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, uuid.NewString()+strings.ToLower(ext))
}
