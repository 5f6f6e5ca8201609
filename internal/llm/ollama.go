package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// ollamaGenerator talks to a local Ollama server through /api/chat, which accepts the
// tool catalogue and returns native tool calls for models that support them.
type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaGenerator{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: http.DefaultClient}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string            `json:"type"`
	Function protocol.ToolSpec `json:"function"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	EvalCount       int           `json:"eval_count,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	payload := ollamaChatRequest{
		Model:   g.model,
		Options: ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	for _, spec := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{Type: "function", Function: spec})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Reply{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, fmt.Errorf("ollama returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Reply{}, fmt.Errorf("decode ollama response: %w", err)
	}

	reply := Reply{
		Content:          strings.TrimSpace(chat.Message.Content),
		PromptTokens:     chat.PromptEvalCount,
		CompletionTokens: chat.EvalCount,
		Latency:          time.Since(start),
	}
	for i, call := range chat.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, protocol.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      call.Function.Name,
			Arguments: DecodeArguments(call.Function.Arguments),
		})
	}
	return reply, nil
}
