package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/wavio"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local command per utterance against a temporary WAV file. The
// file path replaces {audio} in the command line, or is appended as --audio <path> when
// there is no placeholder. The command prints {"text": ..., "confidence": ...} or plain
// text.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	dir, err := os.MkdirTemp("", "loqa_stt_")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "utterance.wav")
	if err := wavio.WriteFile(path, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(path)...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, fmt.Errorf("stt command cancelled: %w", ctx.Err())
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func (r *execRecognizer) args(audioPath string) []string {
	var out []string
	placeholder := false
	for _, arg := range r.cmd[1:] {
		if strings.Contains(arg, "{audio}") {
			placeholder = true
			arg = strings.ReplaceAll(arg, "{audio}", audioPath)
		}
		out = append(out, arg)
	}
	if !placeholder {
		out = append(out, "--audio", audioPath)
	}
	if r.cfg.ModelPath != "" {
		out = append(out, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		out = append(out, "--language", r.cfg.Language)
	}
	return out
}

func parseExecOutput(raw []byte) (TranscriptResult, error) {
	out := bytes.TrimSpace(raw)
	if len(out) == 0 {
		return TranscriptResult{}, nil
	}
	if out[0] != '{' {
		return TranscriptResult{Text: string(out)}, nil
	}
	var resp execResult
	if err := json.Unmarshal(out, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}
