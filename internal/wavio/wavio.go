// Package wavio converts between raw 16-bit little-endian PCM and WAV containers.
package wavio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Format describes raw PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Encode writes pcm as a 16-bit WAV stream. The encoder patches the header on close,
// so w must be seekable.
func Encode(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeBytes returns pcm wrapped in a WAV container.
func EncodeBytes(pcm []byte, sampleRate, channels int) ([]byte, error) {
	file, err := os.CreateTemp("", "loqa_wav_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := Encode(file, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return os.ReadFile(file.Name())
}

// WriteFile stores pcm as a WAV file at path.
func WriteFile(path string, pcm []byte, sampleRate, channels int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Encode(file, pcm, sampleRate, channels); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

var ErrNotWAV = errors.New("wavio: not a valid wav stream")

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}

// Decode reads a 16-bit WAV stream back into raw PCM.
func Decode(r io.ReadSeeker) ([]byte, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, ErrNotWAV
	}
	if dec.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("wavio: unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm, Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) ([]byte, Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, Format{}, err
	}
	defer file.Close()
	return Decode(file)
}
