package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth produces a short tone whose length grows with the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        tone(m.sampleRate, len([]rune(req.Text))*10),
			Final:      true,
		}
	}()
	return Collect(ctx, chunks, errs, m.sampleRate, m.channels)
}

func tone(sampleRate, ms int) []byte {
	if ms <= 0 {
		ms = 10
	}
	n := sampleRate * ms / 1000
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(4000 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}
