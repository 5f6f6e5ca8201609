package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Tools       ToolsConfig      `yaml:"tools"`
	Cache       CacheConfig      `yaml:"cache"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Client      ClientConfig     `yaml:"client"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// GatewayConfig controls the client-facing websocket endpoint.
type GatewayConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_bytes"`
	ChunkSize      int    `yaml:"chunk_bytes"`
	PingInterval   int    `yaml:"ping_interval_ms"`
	MaxBufferBytes int    `yaml:"max_buffer_bytes"`
}

type SegmenterConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	StartFrames     int     `yaml:"start_frames"`
	EndSilenceMS    int     `yaml:"end_silence_ms"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

type STTConfig struct {
	Mode            string   `yaml:"mode"` // ws, exec, mock
	Endpoint        string   `yaml:"endpoint"`
	Command         string   `yaml:"command"`
	ModelPath       string   `yaml:"model_path"`
	Language        string   `yaml:"language"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	NoSpeechMarkers []string `yaml:"no_speech_markers"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // ws, ollama, openai, exec, mock
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	Instruction  string  `yaml:"instruction"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	ExtractTools bool    `yaml:"extract_tools"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // ws, exec, mock
	Endpoint   string `yaml:"endpoint"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

type ToolsConfig struct {
	IntentSubject  string `yaml:"intent_subject"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
}

type CacheConfig struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity"`
}

// PipelineConfig holds the canned texts used when a stage degrades.
type PipelineConfig struct {
	RecognitionFailedText string `yaml:"recognition_failed_text"`
	ApologyText           string `yaml:"apology_text"`
	ToolDoneText          string `yaml:"tool_done_text"`
	ResultSeparator       string `yaml:"result_separator"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ClientConfig drives the microphone-side dialog client.
type ClientConfig struct {
	URL            string `yaml:"url"`
	ReconnectMS    int    `yaml:"reconnect_ms"`
	ReplyTimeoutMS int    `yaml:"reply_timeout_ms"`
	OutputDir      string `yaml:"output_dir"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dialog",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Gateway: GatewayConfig{
			Path:           "/ws",
			MaxMessageSize: 8 << 20,
			ChunkSize:      1 << 20,
			PingInterval:   30000,
			MaxBufferBytes: 32 << 20,
		},
		Segmenter: SegmenterConfig{
			SampleRate:      16000,
			FrameDurationMS: 30,
			StartFrames:     3,
			EndSilenceMS:    1000,
			EnergyThreshold: 500,
		},
		STT: STTConfig{
			Mode:            "ws",
			Endpoint:        "ws://localhost:8778",
			SampleRate:      16000,
			Channels:        1,
			TimeoutMS:       30000,
			NoSpeechMarkers: []string{"[no speech]"},
		},
		LLM: LLMConfig{
			Mode:         "ws",
			Endpoint:     "ws://localhost:8779",
			Model:        "llama3.2:latest",
			Instruction:  defaultInstruction,
			MaxTokens:    256,
			Temperature:  0.3,
			TimeoutMS:    60000,
			ExtractTools: true,
		},
		TTS: TTSConfig{
			Mode:       "ws",
			Endpoint:   "ws://localhost:8777",
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
		},
		Tools: ToolsConfig{
			IntentSubject:  "hermes.intent",
			TimeoutMS:      10000,
			PollIntervalMS: 100,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 100,
		},
		Pipeline: PipelineConfig{
			RecognitionFailedText: "Sorry, I could not recognize what you said.",
			ApologyText:           "Sorry, something went wrong. Could you repeat your question?",
			ToolDoneText:          "Done. What else can I do for you?",
			ResultSeparator:       "\n",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dialog.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Client: ClientConfig{
			URL:            "ws://localhost:8765/ws",
			ReconnectMS:    5000,
			ReplyTimeoutMS: 120000,
			OutputDir:      "./replies",
		},
	}
}

const defaultInstruction = "You are a voice assistant for an industrial environment. " +
	"Answer clearly, to the point and professionally. " +
	"Keep replies short enough to be spoken aloud. " +
	"If you do not know the answer, say so honestly."

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideInt(&cfg.Gateway.MaxMessageSize, "LOQA_GATEWAY_MAX_MESSAGE_BYTES")
	overrideInt(&cfg.Gateway.ChunkSize, "LOQA_GATEWAY_CHUNK_BYTES")
	overrideInt(&cfg.Gateway.PingInterval, "LOQA_GATEWAY_PING_INTERVAL_MS")
	overrideInt(&cfg.Gateway.MaxBufferBytes, "LOQA_GATEWAY_MAX_BUFFER_BYTES")
	overrideInt(&cfg.Segmenter.SampleRate, "LOQA_SEGMENTER_SAMPLE_RATE")
	overrideInt(&cfg.Segmenter.FrameDurationMS, "LOQA_SEGMENTER_FRAME_DURATION_MS")
	overrideInt(&cfg.Segmenter.StartFrames, "LOQA_SEGMENTER_START_FRAMES")
	overrideInt(&cfg.Segmenter.EndSilenceMS, "LOQA_SEGMENTER_END_SILENCE_MS")
	overrideFloat(&cfg.Segmenter.EnergyThreshold, "LOQA_SEGMENTER_ENERGY_THRESHOLD")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideStringSlice(&cfg.STT.NoSpeechMarkers, "LOQA_STT_NO_SPEECH_MARKERS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Instruction, "LOQA_LLM_INSTRUCTION")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideBool(&cfg.LLM.ExtractTools, "LOQA_LLM_EXTRACT_TOOLS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Tools.IntentSubject, "LOQA_TOOLS_INTENT_SUBJECT")
	overrideInt(&cfg.Tools.TimeoutMS, "LOQA_TOOLS_TIMEOUT_MS")
	overrideInt(&cfg.Tools.PollIntervalMS, "LOQA_TOOLS_POLL_INTERVAL_MS")
	overrideBool(&cfg.Cache.Enabled, "LOQA_CACHE_ENABLED")
	overrideInt(&cfg.Cache.Capacity, "LOQA_CACHE_CAPACITY")
	overrideString(&cfg.Pipeline.RecognitionFailedText, "LOQA_PIPELINE_RECOGNITION_FAILED_TEXT")
	overrideString(&cfg.Pipeline.ApologyText, "LOQA_PIPELINE_APOLOGY_TEXT")
	overrideString(&cfg.Pipeline.ToolDoneText, "LOQA_PIPELINE_TOOL_DONE_TEXT")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Client.URL, "LOQA_CLIENT_URL")
	overrideInt(&cfg.Client.ReconnectMS, "LOQA_CLIENT_RECONNECT_MS")
	overrideInt(&cfg.Client.ReplyTimeoutMS, "LOQA_CLIENT_REPLY_TIMEOUT_MS")
	overrideString(&cfg.Client.OutputDir, "LOQA_CLIENT_OUTPUT_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Gateway.ChunkSize <= 0 {
		return errors.New("gateway.chunk_bytes must be positive")
	}
	if cfg.Gateway.MaxMessageSize < cfg.Gateway.ChunkSize {
		return errors.New("gateway.max_message_bytes must be >= gateway.chunk_bytes")
	}
	if cfg.Segmenter.FrameDurationMS <= 0 || cfg.Segmenter.SampleRate <= 0 {
		return errors.New("segmenter.frame_duration_ms and segmenter.sample_rate must be positive")
	}
	if cfg.Segmenter.StartFrames <= 0 {
		return errors.New("segmenter.start_frames must be >= 1")
	}
	if cfg.Segmenter.EndSilenceMS < cfg.Segmenter.FrameDurationMS {
		return errors.New("segmenter.end_silence_ms must cover at least one frame")
	}
	switch cfg.STT.Mode {
	case "ws", "exec", "mock":
	default:
		return errors.New("stt.mode must be one of ws|exec|mock")
	}
	if cfg.STT.Mode == "ws" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=ws")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.SampleRate <= 0 || cfg.STT.Channels <= 0 {
		return errors.New("stt.sample_rate and stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "ws", "ollama", "openai", "exec", "mock":
	default:
		return errors.New("llm.mode must be one of ws|ollama|openai|exec|mock")
	}
	if (cfg.LLM.Mode == "ws" || cfg.LLM.Mode == "ollama") && cfg.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint must be set when mode=%s", cfg.LLM.Mode)
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "ws", "exec", "mock":
	default:
		return errors.New("tts.mode must be one of ws|exec|mock")
	}
	if cfg.TTS.Mode == "ws" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=ws")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 || cfg.TTS.Channels <= 0 {
		return errors.New("tts.sample_rate and tts.channels must be positive")
	}
	if cfg.Tools.IntentSubject == "" {
		return errors.New("tools.intent_subject must not be empty")
	}
	if cfg.Tools.TimeoutMS <= 0 || cfg.Tools.PollIntervalMS <= 0 {
		return errors.New("tools.timeout_ms and tools.poll_interval_ms must be positive")
	}
	if cfg.Cache.Enabled && cfg.Cache.Capacity <= 0 {
		return errors.New("cache.capacity must be >= 1 when the cache is enabled")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Client.ReconnectMS <= 0 {
		return errors.New("client.reconnect_ms must be positive")
	}
	return nil
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// FrameSamples returns the number of samples in one segmenter frame.
func (c SegmenterConfig) FrameSamples() int {
	return c.SampleRate * c.FrameDurationMS / 1000
}

// EndFrames converts the end-of-speech silence duration into a frame count.
func (c SegmenterConfig) EndFrames() int {
	return c.EndSilenceMS / c.FrameDurationMS
}

// SlogLevel maps telemetry.log_level onto a slog level, defaulting to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
