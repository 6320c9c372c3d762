package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
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
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Chat        ChatConfig       `yaml:"chat"`
	Session     SessionConfig    `yaml:"session"`
	Node        NodeConfig       `yaml:"node"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture engine feeding recording sessions.
type AudioConfig struct {
	Mode            string `yaml:"mode"` // mock, wav, bus
	WAVPath         string `yaml:"wav_path"`
	Loop            bool   `yaml:"loop"`
	Source          string `yaml:"source"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BufferSize      int    `yaml:"buffer_size"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

// STTConfig selects the recognizer. PartialEveryMS paces exec partials; each
// partial re-transcribes the whole capture, which is capped at ten minutes.
type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, deepgram, google
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type ChatConfig struct {
	Mode         string  `yaml:"mode"` // mock, ollama, exec, openai, gemini
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	AutoSubmit   bool    `yaml:"auto_submit"`
}

type SessionConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// NodeConfig controls how this runtime announces itself on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// RouterConfig exposes recording and chat commands as bus request subjects.
type RouterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicetext",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicetext-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Mode:            "mock",
			Loop:            true,
			Source:          "default",
			SampleRate:      16000,
			Channels:        1,
			BufferSize:      1024,
			FrameDurationMS: 20,
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en-US",
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		Chat: ChatConfig{
			Mode:        "mock",
			MaxTokens:   256,
			Temperature: 0.7,
			TimeoutMS:   60000,
		},
		Session: SessionConfig{
			EventBuffer: 64,
		},
		Node: NodeConfig{
			ID:                "voicetext-local",
			HeartbeatInterval: 5000,
			HeartbeatTimeout:  15000,
		},
		Router: RouterConfig{
			Enabled: true,
			Prefix:  "voicetext.cmd",
		},
	}
}

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
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICETEXT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICETEXT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICETEXT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICETEXT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICETEXT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICETEXT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICETEXT_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "VOICETEXT_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "VOICETEXT_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "VOICETEXT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICETEXT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICETEXT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICETEXT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICETEXT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICETEXT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICETEXT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICETEXT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICETEXT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICETEXT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICETEXT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICETEXT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICETEXT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICETEXT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "VOICETEXT_AUDIO_MODE")
	overrideString(&cfg.Audio.WAVPath, "VOICETEXT_AUDIO_WAV_PATH")
	overrideBool(&cfg.Audio.Loop, "VOICETEXT_AUDIO_LOOP")
	overrideString(&cfg.Audio.Source, "VOICETEXT_AUDIO_SOURCE")
	overrideInt(&cfg.Audio.SampleRate, "VOICETEXT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOICETEXT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BufferSize, "VOICETEXT_AUDIO_BUFFER_SIZE")
	overrideInt(&cfg.Audio.FrameDurationMS, "VOICETEXT_AUDIO_FRAME_DURATION_MS")
	overrideString(&cfg.STT.Mode, "VOICETEXT_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICETEXT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "VOICETEXT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICETEXT_STT_LANGUAGE")
	overrideString(&cfg.STT.Endpoint, "VOICETEXT_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "VOICETEXT_STT_API_KEY")
	overrideString(&cfg.STT.Model, "VOICETEXT_STT_MODEL")
	overrideInt(&cfg.STT.PartialEveryMS, "VOICETEXT_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "VOICETEXT_STT_PUBLISH_INTERIM")
	overrideString(&cfg.Chat.Mode, "VOICETEXT_CHAT_MODE")
	overrideString(&cfg.Chat.Endpoint, "VOICETEXT_CHAT_ENDPOINT")
	overrideString(&cfg.Chat.Command, "VOICETEXT_CHAT_COMMAND")
	overrideString(&cfg.Chat.Model, "VOICETEXT_CHAT_MODEL")
	overrideString(&cfg.Chat.APIKey, "VOICETEXT_CHAT_API_KEY")
	overrideString(&cfg.Chat.SystemPrompt, "VOICETEXT_CHAT_SYSTEM_PROMPT")
	overrideInt(&cfg.Chat.MaxTokens, "VOICETEXT_CHAT_MAX_TOKENS")
	overrideFloat(&cfg.Chat.Temperature, "VOICETEXT_CHAT_TEMPERATURE")
	overrideInt(&cfg.Chat.TimeoutMS, "VOICETEXT_CHAT_TIMEOUT_MS")
	overrideBool(&cfg.Chat.AutoSubmit, "VOICETEXT_CHAT_AUTO_SUBMIT")
	overrideInt(&cfg.Session.EventBuffer, "VOICETEXT_SESSION_EVENT_BUFFER")
	overrideString(&cfg.Node.ID, "VOICETEXT_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICETEXT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICETEXT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "VOICETEXT_ROUTER_ENABLED")
	overrideString(&cfg.Router.Prefix, "VOICETEXT_ROUTER_PREFIX")
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

// Validate reports the first configuration problem found.
func Validate(cfg Config) error {
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.Audio.Mode {
	case "mock":
	case "wav":
		if cfg.Audio.WAVPath == "" {
			return errors.New("audio.wav_path must be set when mode=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("audio.mode=bus requires bus.enabled")
		}
		if cfg.Audio.Source == "" {
			return errors.New("audio.source must be set when mode=bus")
		}
	default:
		return errors.New("audio.mode must be one of mock|wav|bus")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BufferSize <= 0 {
		return errors.New("audio.buffer_size must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}

	switch cfg.STT.Mode {
	case "mock", "google":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "deepgram":
		if cfg.STT.APIKey == "" {
			return errors.New("stt.api_key must be set when mode=deepgram")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|deepgram|google")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}

	switch cfg.Chat.Mode {
	case "mock", "ollama":
	case "exec":
		if cfg.Chat.Command == "" {
			return errors.New("chat.command must be set when mode=exec")
		}
	case "openai", "gemini":
		if cfg.Chat.APIKey == "" {
			return fmt.Errorf("chat.api_key must be set when mode=%s", cfg.Chat.Mode)
		}
	default:
		return errors.New("chat.mode must be one of mock|ollama|exec|openai|gemini")
	}
	if cfg.Chat.MaxTokens < 0 {
		return errors.New("chat.max_tokens must be >= 0")
	}
	if cfg.Chat.TimeoutMS < 0 {
		return errors.New("chat.timeout_ms must be >= 0")
	}
	if cfg.Session.EventBuffer <= 0 {
		return errors.New("session.event_buffer must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout < cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
		}
		if cfg.Router.Enabled && strings.TrimSpace(cfg.Router.Prefix) == "" {
			return errors.New("router.prefix must not be empty when the router is enabled")
		}
	}
	return nil
}
