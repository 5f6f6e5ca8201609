package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// wsSynth sends the text to a remote synthesis stage and returns its binary reply verbatim.
type wsSynth struct {
	client     *stage.Client
	sampleRate int
	channels   int
}

func NewWSSynth(client *stage.Client, sampleRate, channels int) Synthesizer {
	return &wsSynth{client: client, sampleRate: sampleRate, channels: channels}
}

func (s *wsSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	reply, err := s.client.Exchange(ctx, framing.TextUnit(req.Text))
	if err != nil {
		return Speech{}, err
	}
	if reply.Kind != framing.Binary {
		return Speech{}, fmt.Errorf("tts stage replied with text %q", reply.Text())
	}
	if len(reply.Data) == 0 {
		return Speech{}, ErrNoAudio
	}
	return Speech{Audio: reply.Data, SampleRate: s.sampleRate, Channels: s.channels}, nil
}
