package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// wsRecognizer ships the utterance to a remote transcription service as one binary unit
// and reads the transcript back as one text unit.
type wsRecognizer struct {
	client *stage.Client
}

func NewWSRecognizer(client *stage.Client) Recognizer {
	return &wsRecognizer{client: client}
}

func (r *wsRecognizer) Transcribe(ctx context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	reply, err := r.client.Exchange(ctx, framing.BinaryUnit(pcm))
	if err != nil {
		return TranscriptResult{}, err
	}
	if reply.Kind != framing.Text {
		return TranscriptResult{}, fmt.Errorf("stt stage replied with %d bytes of binary", len(reply.Data))
	}
	return TranscriptResult{Text: strings.TrimSpace(reply.Text())}, nil
}
