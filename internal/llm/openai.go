package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/protocol"
)

// openAIGenerator talks to any OpenAI-compatible chat completions endpoint and is the
// backend that emits tool calls natively.
type openAIGenerator struct {
	client oai.Client
	model  string
}

func NewOpenAIGenerator(cfg config.LLMConfig) (Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.TimeoutMS > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: config.Millis(cfg.TimeoutMS),
		}))
	}
	return &openAIGenerator{client: oai.NewClient(reqOpts...), model: cfg.Model}, nil
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, g.buildParams(req))
	if err != nil {
		return Reply{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	reply := Reply{
		Content:          choice.Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		Latency:          time.Since(start),
	}
	for _, tc := range choice.Message.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, protocol.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: DecodeArguments([]byte(tc.Function.Arguments)),
		})
	}
	return reply, nil
}

func (g *openAIGenerator) buildParams(req Request) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: param.NewOpt(spec.Description),
				Parameters:  shared.FunctionParameters(spec.Parameters),
			},
		})
	}
	return params
}
