package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that hears nothing in all-zero audio and
// reports the payload length otherwise.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	for _, b := range pcm {
		if b != 0 {
			return TranscriptResult{Text: fmt.Sprintf("[transcript length=%d]", len(pcm))}, nil
		}
	}
	return TranscriptResult{}, nil
}
