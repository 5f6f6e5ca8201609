// Package capture turns a PCM source into fixed-size frames and speech segments.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/segmenter"
	"github.com/loqalabs/loqa-dialog/internal/wavio"
)

// FrameReader reads 16-bit mono PCM in frames of a fixed byte size.
type FrameReader struct {
	r          io.Reader
	frameBytes int
}

func NewFrameReader(r io.Reader, frameBytes int) *FrameReader {
	return &FrameReader{r: r, frameBytes: frameBytes}
}

// Next returns the next full frame. A trailing partial frame is dropped and reported as io.EOF.
func (f *FrameReader) Next() ([]byte, error) {
	frame := make([]byte, f.frameBytes)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return frame, nil
}

// OpenWAV loads a mono WAV file recorded at sampleRate.
func OpenWAV(path string, sampleRate, frameBytes int) (*FrameReader, error) {
	pcm, format, err := wavio.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if format.Channels != 1 {
		return nil, fmt.Errorf("%s: expected mono audio, got %d channels", path, format.Channels)
	}
	if format.SampleRate != sampleRate {
		return nil, fmt.Errorf("%s: expected %d Hz, got %d Hz", path, sampleRate, format.SampleRate)
	}
	return NewFrameReader(bytes.NewReader(pcm), frameBytes), nil
}

// Segments feeds every frame to seg and emits the closed segments. pace, when positive,
// is slept between frames so a file plays back at capture speed. At end of input a
// segment still in speech is flushed. The channel is closed when the source is exhausted
// or ctx ends.
func Segments(ctx context.Context, frames *FrameReader, seg *segmenter.Segmenter, pace time.Duration, log *slog.Logger) <-chan segmenter.Segment {
	out := make(chan segmenter.Segment, 4)
	go func() {
		defer close(out)
		emit := func(s segmenter.Segment) bool {
			log.Debug("speech segment closed", slog.Int("frames", s.Frames), slog.Int("bytes", len(s.PCM)))
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			if ctx.Err() != nil {
				return
			}
			frame, err := frames.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn("audio source failed", slog.String("error", err.Error()))
				}
				if s, ok := seg.Flush(); ok {
					emit(s)
				}
				return
			}
			if s, ok := seg.Feed(frame); ok && !emit(s) {
				return
			}
			if pace > 0 {
				select {
				case <-time.After(pace):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
