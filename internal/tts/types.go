package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text  string
	Voice string
}

// SynthChunk contains PCM data produced by a streaming backend.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Speech is a complete synthesized utterance, ready to send to a client. Audio is a
// playable container (WAV for local backends, whatever the remote stage returns otherwise).
type Speech struct {
	Audio      []byte
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Speech, error)
}
