// Package audio turns whatever container clients upload into the one
// canonical form the inference engine accepts: a 16 kHz, mono, 16-bit
// signed PCM little-endian WAV file.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fmueller/whisperd/internal/fault"
	"go.uber.org/zap"
)

// allowedExtensions is the closed set of accepted input containers.
var allowedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

// AllowedExtension reports whether a file name carries one of the
// supported audio extensions, case-insensitively.
func AllowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// AllowedExtensions returns the supported extensions without dots, for
// error messages.
func AllowedExtensions() []string {
	return []string{"wav", "mp3", "m4a", "flac", "ogg"}
}

// Normalizer decodes and resamples arbitrary supported inputs via an
// ffmpeg subprocess. Multichannel inputs are downmixed, sample values
// preserved.
type Normalizer struct {
	FFmpegPath string
	ScratchDir string
	SampleRate int
	Logger     *zap.Logger
}

func NewNormalizer(scratchDir string, sampleRate int, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		FFmpegPath: "ffmpeg",
		ScratchDir: scratchDir,
		SampleRate: sampleRate,
		Logger:     logger,
	}
}

// Normalize decodes inputPath into a fresh canonical WAV file and
// returns its path. The caller owns the returned file and must delete
// it; the normalizer deletes its own intermediates on failure.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, originalName string) (string, error) {
	if !AllowedExtension(originalName) {
		return "", fault.Newf(fault.UnsupportedMedia,
			"unsupported file extension %q (supported: %s)",
			filepath.Ext(originalName), strings.Join(AllowedExtensions(), ", ")).WithParam("file")
	}

	outPath := ScratchPath(n.ScratchDir, ".wav")

	// Inputs already in canonical form skip the decoder entirely.
	if strings.EqualFold(filepath.Ext(originalName), ".wav") {
		if format, err := ProbeWAV(inputPath); err == nil && format.IsCanonical(n.SampleRate) {
			if err := copyFile(inputPath, outPath); err != nil {
				return "", fmt.Errorf("copy canonical wav: %w", err)
			}
			return outPath, nil
		}
	}

	args := n.ffmpegArgs(inputPath, outPath)

	cmd := exec.CommandContext(ctx, n.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	n.Logger.Debug("running ffmpeg", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		n.Logger.Warn("ffmpeg decode failed",
			zap.String("input", originalName),
			zap.String("stderr", trimmedStderr(stderr.String())),
			zap.Error(err))
		return "", fault.Wrap(fault.AudioProcessingFailed, "audio decoding failed", err)
	}

	format, err := ProbeWAV(outPath)
	if err != nil || !format.IsCanonical(n.SampleRate) {
		_ = os.Remove(outPath)
		if err == nil {
			err = fmt.Errorf("ffmpeg produced non-canonical output: %+v", format)
		}
		return "", fault.Wrap(fault.AudioProcessingFailed, "audio decoding failed", err)
	}

	return outPath, nil
}

func (n *Normalizer) ffmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(n.SampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// Preflight verifies the ffmpeg binary is runnable so the failure shows
// up at startup instead of on the first request.
func (n *Normalizer) Preflight(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, n.FFmpegPath, "-version")
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("ffmpeg not found in PATH; install ffmpeg to enable audio decoding")
		}
		return fmt.Errorf("ffmpeg preflight failed: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

func trimmedStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	return s
}
