package runtime

import (
	"fmt"

	"github.com/loqalabs/loqa-dialog/internal/config"
	"github.com/loqalabs/loqa-dialog/internal/llm"
	"github.com/loqalabs/loqa-dialog/internal/stage"
	"github.com/loqalabs/loqa-dialog/internal/stt"
	"github.com/loqalabs/loqa-dialog/internal/tts"
)

// NewRecognizer selects the transcription backend named by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "ws":
		return stt.NewWSRecognizer(stage.NewClient("stt", cfg.Endpoint, config.Millis(cfg.TimeoutMS))), nil
	case "exec":
		return stt.NewExecRecognizer(cfg)
	case "mock":
		return stt.NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// NewGenerator selects the reasoning backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "ws":
		return llm.NewWSGenerator(stage.NewClient("llm", cfg.Endpoint, config.Millis(cfg.TimeoutMS))), nil
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return llm.NewOpenAIGenerator(cfg)
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	case "mock":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// NewSynthesizer selects the synthesis backend named by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "ws":
		return tts.NewWSSynth(stage.NewClient("tts", cfg.Endpoint, config.Millis(cfg.TimeoutMS)), cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return tts.NewExecSynth(cfg)
	case "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
