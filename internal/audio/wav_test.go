package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildWAV(t *testing.T, sampleRate uint32, channels, bits uint16, samples []int16) []byte {
	t.Helper()

	data := &bytes.Buffer{}
	for _, s := range samples {
		require.NoError(t, binary.Write(data, binary.LittleEndian, s))
	}

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(36+data.Len())))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(16)))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint16(1))) // PCM
	require.NoError(t, binary.Write(buf, binary.LittleEndian, channels))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, sampleRate))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, sampleRate*uint32(channels)*uint32(bits/8)))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, channels*bits/8))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, bits))
	buf.WriteString("data")
	require.NoError(t, binary.Write(buf, binary.LittleEndian, uint32(data.Len())))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func writeWAV(t *testing.T, dir string, sampleRate uint32, samples []int16) string {
	t.Helper()

	path := filepath.Join(dir, "input.wav")
	require.NoError(t, os.WriteFile(path, buildWAV(t, sampleRate, 1, 16, samples), 0o644))
	return path
}

func TestProbeWAV(t *testing.T) {
	t.Parallel()

	path := writeWAV(t, t.TempDir(), 16000, make([]int16, 16000))

	format, err := ProbeWAV(path)
	require.NoError(t, err)
	require.Equal(t, uint16(1), format.AudioFormat)
	require.Equal(t, uint16(1), format.Channels)
	require.Equal(t, uint32(16000), format.SampleRate)
	require.Equal(t, uint16(16), format.BitsPerSample)
	require.True(t, format.IsCanonical(16000))
	require.InDelta(t, 1.0, format.Duration(), 0.001)
}

func TestProbeWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a riff file"), 0o644))

	_, err := ProbeWAV(path)
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestFormatIsCanonical(t *testing.T) {
	t.Parallel()

	canonical := Format{AudioFormat: 1, Channels: 1, SampleRate: 16000, BitsPerSample: 16}
	require.True(t, canonical.IsCanonical(16000))

	stereo := canonical
	stereo.Channels = 2
	require.False(t, stereo.IsCanonical(16000))

	wrongRate := canonical
	wrongRate.SampleRate = 44100
	require.False(t, wrongRate.IsCanonical(16000))
}

func TestReadSamples(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 16384, -16384, 32767, -32768}
	path := writeWAV(t, t.TempDir(), 16000, samples)

	decoded, err := ReadSamples(path)
	require.NoError(t, err)
	require.Len(t, decoded, len(samples))
	require.InDelta(t, 0.0, decoded[0], 0.0001)
	require.InDelta(t, 0.5, decoded[1], 0.0001)
	require.InDelta(t, -0.5, decoded[2], 0.0001)
	require.InDelta(t, 1.0, decoded[3], 0.0001)
	require.InDelta(t, -1.0, decoded[4], 0.0001)
}

func TestScratchPathIsUniquePerCall(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := ScratchPath(dir, ".wav")
	second := ScratchPath(dir, "wav")
	require.NotEqual(t, first, second)
	require.Equal(t, ".wav", filepath.Ext(first))
	require.Equal(t, ".wav", filepath.Ext(second))
}
