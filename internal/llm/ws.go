package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/loqalabs/loqa-dialog/internal/stage"
)

// wsGenerator forwards the request to a remote reasoning stage as one JSON text unit.
type wsGenerator struct {
	client *stage.Client
}

func NewWSGenerator(client *stage.Client) Generator {
	return &wsGenerator{client: client}
}

func (g *wsGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	payload, err := json.Marshal(protocol.ReasonRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode reason request: %w", err)
	}
	start := time.Now()
	text, err := g.client.ExchangeText(ctx, string(payload))
	if err != nil {
		return Reply{}, err
	}
	reply := ParseReply(text)
	reply.Latency = time.Since(start)
	return reply, nil
}
