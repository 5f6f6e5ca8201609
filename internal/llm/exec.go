package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialog/internal/protocol"
	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
}

// NewExecGenerator runs command once per request with a protocol.ReasonRequest on stdin.
// Its stdout is read like a reasoning stage reply: plain text, or
// {"content": ..., "tool_calls": [...]}.
func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	input, err := json.Marshal(protocol.ReasonRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Tools:       req.Tools,
	})
	if err != nil {
		return Reply{}, err
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("llm command cancelled: %w", ctx.Err())
		}
		return Reply{}, fmt.Errorf("llm command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	reply := ParseReply(strings.TrimSpace(string(output)))
	reply.Latency = time.Since(start)
	return reply, nil
}
