package stt

import (
	"context"
	"strings"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// IsNoSpeech reports whether a transcript carries nothing worth answering: empty text or
// one of the engine's explicit no-speech markers.
func IsNoSpeech(text string, markers []string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	for _, m := range markers {
		if strings.EqualFold(trimmed, strings.TrimSpace(m)) {
			return true
		}
	}
	return false
}
