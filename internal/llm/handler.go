package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/framing"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// NewStageHandler serves the reasoning side of the stage protocol. Requests are either a
// JSON ReasonRequest or bare user text, in which case the configured instruction applies.
func NewStageHandler(cfg config.LLMConfig, generator Generator, log *slog.Logger) stage.Handler {
	logger := log.With(slog.String("component", "llm-stage"))
	return func(ctx context.Context, req framing.Unit) (framing.Unit, error) {
		if req.Kind != framing.Text {
			return framing.Unit{}, errors.New("expected text prompt")
		}
		request := decodeRequest(cfg, req.Text())
		reply, err := generator.Generate(ctx, request)
		if err != nil {
			return framing.Unit{}, err
		}
		logger.Info("llm generation complete",
			slog.Duration("latency", reply.Latency),
			slog.Int("tool_calls", len(reply.ToolCalls)),
			slog.Int("completion_tokens", reply.CompletionTokens))
		text, err := EncodeReply(reply)
		if err != nil {
			return framing.Unit{}, err
		}
		return framing.TextUnit(text), nil
	}
}

func decodeRequest(cfg config.LLMConfig, text string) Request {
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var wire protocol.ReasonRequest
		if err := json.Unmarshal([]byte(text), &wire); err == nil && wire.Prompt != "" {
			req := Request{
				Prompt:      wire.Prompt,
				System:      wire.System,
				MaxTokens:   wire.MaxTokens,
				Temperature: wire.Temperature,
				Tools:       wire.Tools,
			}
			if req.System == "" {
				req.System = cfg.Instruction
			}
			if req.MaxTokens == 0 {
				req.MaxTokens = cfg.MaxTokens
			}
			return req
		}
	}
	return RequestFromConfig(cfg, text)
}
