package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-dialog/internal/wavio"
)

var ErrNoAudio = errors.New("tts: synthesizer produced no audio")

// Collect drains a chunk stream into one WAV utterance.
func Collect(ctx context.Context, chunks <-chan SynthChunk, errs <-chan error, sampleRate, channels int) (Speech, error) {
	var pcm []byte
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			if chunk.Channels > 0 {
				channels = chunk.Channels
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Speech{}, err
			}
		case <-ctx.Done():
			return Speech{}, fmt.Errorf("tts synthesis cancelled: %w", ctx.Err())
		}
	}
	return encodeSpeech(pcm, sampleRate, channels)
}

func encodeSpeech(pcm []byte, sampleRate, channels int) (Speech, error) {
	if len(pcm) == 0 {
		return Speech{}, ErrNoAudio
	}
	audio, err := wavio.EncodeBytes(pcm, sampleRate, channels)
	if err != nil {
		return Speech{}, err
	}
	return Speech{Audio: audio, SampleRate: sampleRate, Channels: channels}, nil
}
