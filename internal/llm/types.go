package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	Tools       []protocol.ToolSpec
}

// Reply is the complete model output for one request.
type Reply struct {
	Content          string
	ToolCalls        []protocol.ToolCall
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// RequestFromConfig builds a request carrying the configured instruction profile.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		System:      cfg.Instruction,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}
