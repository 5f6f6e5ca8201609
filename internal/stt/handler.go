package stt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// NewStageHandler serves the transcription side of the stage protocol on top of a local
// recognizer. Binary requests are raw PCM at the configured format.
func NewStageHandler(cfg config.STTConfig, recognizer Recognizer, log *slog.Logger) stage.Handler {
	logger := log.With(slog.String("component", "stt-stage"))
	return func(ctx context.Context, req framing.Unit) (framing.Unit, error) {
		if req.Kind != framing.Binary {
			return framing.Unit{}, errors.New("expected binary audio")
		}
		start := time.Now()
		result, err := recognizer.Transcribe(ctx, req.Data, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return framing.Unit{}, err
		}
		logger.Info("transcribed utterance",
			slog.Int("bytes", len(req.Data)),
			slog.Duration("latency", time.Since(start)),
			slog.Float64("confidence", result.Confidence))
		return framing.TextUnit(result.Text), nil
	}
}
