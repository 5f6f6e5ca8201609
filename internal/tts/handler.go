package tts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// NewStageHandler serves the synthesis side of the stage protocol.
func NewStageHandler(cfg config.TTSConfig, synth Synthesizer, log *slog.Logger) stage.Handler {
	logger := log.With(slog.String("component", "tts-stage"))
	return func(ctx context.Context, req framing.Unit) (framing.Unit, error) {
		if req.Kind != framing.Text {
			return framing.Unit{}, errors.New("expected text to synthesize")
		}
		text := strings.TrimSpace(req.Text())
		if text == "" {
			return framing.Unit{}, errors.New("empty text")
		}
		start := time.Now()
		speech, err := synth.Synthesize(ctx, SynthRequest{Text: text, Voice: cfg.Voice})
		if err != nil {
			return framing.Unit{}, err
		}
		logger.Info("synthesized reply",
			slog.Int("chars", len(text)),
			slog.Int("bytes", len(speech.Audio)),
			slog.Duration("latency", time.Since(start)))
		return framing.BinaryUnit(speech.Audio), nil
	}
}
