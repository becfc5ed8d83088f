package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

// Format describes the fmt and data chunks of a RIFF WAV file.
type Format struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataOffset    int64
	DataBytes     uint32
}

// Duration returns the play time in seconds implied by the data chunk.
func (f Format) Duration() float64 {
	bytesPerSecond := int64(f.SampleRate) * int64(f.Channels) * int64(f.BitsPerSample/8)
	if bytesPerSecond == 0 {
		return 0
	}
	return float64(f.DataBytes) / float64(bytesPerSecond)
}

// IsCanonical reports whether the file is in the only form the engine
// accepts: 16 kHz, mono, 16-bit signed PCM.
func (f Format) IsCanonical(sampleRate int) bool {
	return f.AudioFormat == 1 &&
		f.Channels == 1 &&
		f.SampleRate == uint32(sampleRate) &&
		f.BitsPerSample == 16
}

// ProbeWAV walks the RIFF chunks of a WAV file and returns its format
// without reading the sample data.
func ProbeWAV(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Format{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Format{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, ErrInvalidWAV
	}

	var (
		format  Format
		hasFmt  bool
		hasData bool
	)

	for {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(f, chunkHeader); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Format{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkHeader[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		chunkStart, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return Format{}, fmt.Errorf("seek wav chunk start: %w", err)
		}

		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Format{}, ErrInvalidWAV
			}

			buf := make([]byte, 16)
			if _, err := io.ReadFull(f, buf); err != nil {
				return Format{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}

			format.AudioFormat = binary.LittleEndian.Uint16(buf[0:2])
			format.Channels = binary.LittleEndian.Uint16(buf[2:4])
			format.SampleRate = binary.LittleEndian.Uint32(buf[4:8])
			format.BitsPerSample = binary.LittleEndian.Uint16(buf[14:16])
			hasFmt = true

			if _, err := f.Seek(chunkStart+skip, io.SeekStart); err != nil {
				return Format{}, fmt.Errorf("seek past wav fmt chunk: %w", err)
			}
		case "data":
			format.DataOffset = chunkStart
			format.DataBytes = chunkSize
			hasData = true
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Format{}, fmt.Errorf("seek wav data chunk: %w", err)
			}
		default:
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Format{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return Format{}, ErrInvalidWAV
	}

	return format, nil
}

// ReadSamples loads the data chunk of a canonical 16-bit PCM WAV file
// as float32 samples in [-1, 1], the form the inference engine consumes.
func ReadSamples(path string) ([]float32, error) {
	format, err := ProbeWAV(path)
	if err != nil {
		return nil, err
	}
	if format.AudioFormat != 1 || format.BitsPerSample != 16 {
		return nil, ErrUnsupportedWAV
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(format.DataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek wav data offset: %w", err)
	}

	data := make([]byte, format.DataBytes)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read wav data: %w", err)
	}

	samples := make([]float32, 0, len(data)/2)
	for i := 0; i+2 <= len(data); i += 2 {
		v := int16(binary.LittleEndian.Uint16(data[i : i+2]))
		samples = append(samples, float32(v)/32768.0)
	}

	return samples, nil
}
