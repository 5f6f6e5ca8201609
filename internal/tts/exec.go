package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/wavio"
	"github.com/mattn/go-shellwords"
)

// execSynth runs one process per utterance. The request is written to stdin as JSON
// when the command line contains no {text} placeholder, and as plain text otherwise.
// The process answers with either JSON lines ({"pcm_base64": ...}), a WAV file, or raw
// little-endian PCM at the configured rate.
type execSynth struct {
	cmd        []string
	voice      string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execLine struct {
	PCMBase64 string `json:"pcm_base64"`
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, voice: cfg.Voice, sampleRate: cfg.SampleRate, channels: cfg.Channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}

	args, templated := e.expand(req.Text, voice)
	var stdin []byte
	if !templated {
		data, err := json.Marshal(execRequest{Text: req.Text, Voice: voice, SampleRate: e.sampleRate, Channels: e.channels})
		if err != nil {
			return Speech{}, err
		}
		stdin = data
	}

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Speech{}, fmt.Errorf("tts synthesis cancelled: %w", ctx.Err())
		}
		return Speech{}, fmt.Errorf("tts command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return e.decode(stdout.Bytes())
}

// expand substitutes {text} and {voice} in the command arguments.
func (e *execSynth) expand(text, voice string) ([]string, bool) {
	out := make([]string, len(e.cmd))
	templated := false
	for i, arg := range e.cmd {
		if strings.Contains(arg, "{text}") {
			templated = true
		}
		arg = strings.ReplaceAll(arg, "{text}", text)
		out[i] = strings.ReplaceAll(arg, "{voice}", voice)
	}
	return out, templated
}

func (e *execSynth) decode(out []byte) (Speech, error) {
	if len(out) == 0 {
		return Speech{}, ErrNoAudio
	}
	if wavio.IsWAV(out) {
		pcm, format, err := wavio.Decode(bytes.NewReader(out))
		if err != nil {
			return Speech{}, err
		}
		return encodeSpeech(pcm, format.SampleRate, format.Channels)
	}
	if out[0] != '{' {
		return encodeSpeech(out, e.sampleRate, e.channels)
	}

	var pcm []byte
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execLine
		if err := json.Unmarshal(line, &resp); err != nil {
			return Speech{}, fmt.Errorf("decode tts output: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return Speech{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	if err := scanner.Err(); err != nil {
		return Speech{}, err
	}
	return encodeSpeech(pcm, e.sampleRate, e.channels)
}
