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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	Tracing      bool   `yaml:"tracing"`
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
	Queue       QueueConfig      `yaml:"queue"`
	STT         STTConfig        `yaml:"stt"`
	Translate   TranslateConfig  `yaml:"translate"`
	Caption     CaptionConfig    `yaml:"caption"`
}

type BusConfig struct {
	Embedded           bool     `yaml:"embedded"`
	Port               int      `yaml:"port"`
	Servers            []string `yaml:"servers"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	Token              string   `yaml:"token"`
	TLSInsecure        bool     `yaml:"tls_insecure"`
	ConnectTimeout     int      `yaml:"connect_timeout_ms"`
	PublishTranscripts bool     `yaml:"publish_transcripts"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects the capture device and block geometry. A zero
// SampleRate means "use the device default".
type AudioConfig struct {
	Source     string `yaml:"source"` // exec, file, bus
	Device     string `yaml:"device"`
	Command    string `yaml:"command"`
	InputPath  string `yaml:"input_path"`
	Realtime   bool   `yaml:"realtime"`
	Session    string `yaml:"session"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	BlockSize  int    `yaml:"block_size"`
	OutputPath string `yaml:"output_path"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type STTConfig struct {
	Mode               string  `yaml:"mode"` // mock, exec, whisper, native
	Command            string  `yaml:"command"`
	Endpoint           string  `yaml:"endpoint"`
	ModelPath          string  `yaml:"model_path"`
	Language           string  `yaml:"language"`
	RMSThreshold       float64 `yaml:"rms_threshold"`
	SilenceThresholdMS int     `yaml:"silence_threshold_ms"`
	MaxUtteranceMS     int     `yaml:"max_utterance_ms"`
	MockEveryBlocks    int     `yaml:"mock_every_blocks"`
	TimeoutMS          int     `yaml:"timeout_ms"`
}

type TranslateConfig struct {
	Mode      string   `yaml:"mode"` // mock, exec, ollama, openai
	Command   string   `yaml:"command"`
	Endpoint  string   `yaml:"endpoint"`
	BaseURL   string   `yaml:"base_url"` // openai-compatible API root; empty means api.openai.com
	Model     string   `yaml:"model"`
	APIKey    string   `yaml:"api_key"`
	From      string   `yaml:"from"`
	To        string   `yaml:"to"`
	Normalize []string `yaml:"normalize"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

type CaptionConfig struct {
	Sink             string `yaml:"sink"` // obs, bus, log
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Password         string `yaml:"password"`
	Source           string `yaml:"source"`
	Lines            int    `yaml:"lines"`
	Mode             string `yaml:"mode"` // chatlog, replace
	FailureThreshold int    `yaml:"failure_threshold"`
	TimeoutMS        int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-captions",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8088,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-captions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Source:     "exec",
			Command:    "arecord -q -D {device} -f S16_LE -r {rate} -c {channels} -t raw",
			Device:     "default",
			Session:    "default",
			SampleRate: 0,
			Channels:   1,
			BlockSize:  4000,
		},
		Queue: QueueConfig{
			Capacity: 32,
		},
		STT: STTConfig{
			Mode:               "mock",
			Endpoint:           "http://localhost:8080",
			Language:           "ja",
			RMSThreshold:       300,
			SilenceThresholdMS: 500,
			MaxUtteranceMS:     10000,
			MockEveryBlocks:    8,
			TimeoutMS:          30000,
		},
		Translate: TranslateConfig{
			Mode:      "mock",
			Endpoint:  "http://localhost:11434",
			Model:     "llama3.2:latest",
			From:      "ja",
			To:        "en",
			Normalize: []string{"strip_spaces"},
			TimeoutMS: 15000,
		},
		Caption: CaptionConfig{
			Sink:             "obs",
			Host:             "localhost",
			Port:             4444,
			Source:           "obs_simultaneous_translation",
			Lines:            2,
			Mode:             "chatlog",
			FailureThreshold: 5,
			TimeoutMS:        5000,
		},
	}
}

// Load reads the YAML file at path on top of Default, applies LOQA_* env
// overrides and validates the result. An empty path skips the file.
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

// NeedsBus reports whether any configured component talks to NATS.
func (c Config) NeedsBus() bool {
	return c.Audio.Source == "bus" || c.Caption.Sink == "bus" || c.Bus.PublishTranscripts
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.Tracing, "LOQA_TELEMETRY_TRACING")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.PublishTranscripts, "LOQA_BUS_PUBLISH_TRANSCRIPTS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "LOQA_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.InputPath, "LOQA_AUDIO_INPUT_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideString(&cfg.Audio.Session, "LOQA_AUDIO_SESSION")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BlockSize, "LOQA_AUDIO_BLOCK_SIZE")
	overrideString(&cfg.Audio.OutputPath, "LOQA_AUDIO_OUTPUT_PATH")
	overrideInt(&cfg.Queue.Capacity, "LOQA_QUEUE_CAPACITY")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideFloat(&cfg.STT.RMSThreshold, "LOQA_STT_RMS_THRESHOLD")
	overrideInt(&cfg.STT.SilenceThresholdMS, "LOQA_STT_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.STT.MaxUtteranceMS, "LOQA_STT_MAX_UTTERANCE_MS")
	overrideInt(&cfg.STT.MockEveryBlocks, "LOQA_STT_MOCK_EVERY_BLOCKS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideString(&cfg.Translate.Mode, "LOQA_TRANSLATE_MODE")
	overrideString(&cfg.Translate.Command, "LOQA_TRANSLATE_COMMAND")
	overrideString(&cfg.Translate.Endpoint, "LOQA_TRANSLATE_ENDPOINT")
	overrideString(&cfg.Translate.BaseURL, "LOQA_TRANSLATE_BASE_URL")
	overrideString(&cfg.Translate.Model, "LOQA_TRANSLATE_MODEL")
	overrideString(&cfg.Translate.APIKey, "LOQA_TRANSLATE_API_KEY")
	overrideString(&cfg.Translate.From, "LOQA_TRANSLATE_FROM")
	overrideString(&cfg.Translate.To, "LOQA_TRANSLATE_TO")
	overrideStringSlice(&cfg.Translate.Normalize, "LOQA_TRANSLATE_NORMALIZE")
	overrideInt(&cfg.Translate.TimeoutMS, "LOQA_TRANSLATE_TIMEOUT_MS")
	overrideString(&cfg.Caption.Sink, "LOQA_CAPTION_SINK")
	overrideString(&cfg.Caption.Host, "LOQA_CAPTION_HOST")
	overrideInt(&cfg.Caption.Port, "LOQA_CAPTION_PORT")
	overrideString(&cfg.Caption.Password, "LOQA_CAPTION_PASSWORD")
	overrideString(&cfg.Caption.Source, "LOQA_CAPTION_SOURCE")
	overrideInt(&cfg.Caption.Lines, "LOQA_CAPTION_LINES")
	overrideString(&cfg.Caption.Mode, "LOQA_CAPTION_MODE")
	overrideInt(&cfg.Caption.FailureThreshold, "LOQA_CAPTION_FAILURE_THRESHOLD")
	overrideInt(&cfg.Caption.TimeoutMS, "LOQA_CAPTION_TIMEOUT_MS")
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

// Validate checks cross-field constraints. Load calls it after overrides;
// callers that patch a loaded Config (CLI flags) call it again.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if cfg.NeedsBus() {
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

	switch cfg.Audio.Source {
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
	case "file":
		if cfg.Audio.InputPath == "" {
			return errors.New("audio.input_path must be set when source=file")
		}
	case "bus":
		if cfg.Audio.Session == "" {
			return errors.New("audio.session must be set when source=bus")
		}
	default:
		return errors.New("audio.source must be one of exec|file|bus")
	}
	if cfg.Audio.SampleRate < 0 {
		return errors.New("audio.sample_rate must be >= 0")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BlockSize <= 0 {
		return errors.New("audio.block_size must be positive")
	}
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be >= 1")
	}

	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "whisper":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=whisper")
		}
	case "native":
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=native")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper|native")
	}
	if cfg.STT.SilenceThresholdMS <= 0 {
		return errors.New("stt.silence_threshold_ms must be positive")
	}

	switch cfg.Translate.Mode {
	case "mock":
	case "exec":
		if cfg.Translate.Command == "" {
			return errors.New("translate.command must be set when mode=exec")
		}
	case "ollama":
		if cfg.Translate.Endpoint == "" {
			return errors.New("translate.endpoint must be set when mode=ollama")
		}
	case "openai":
		if cfg.Translate.APIKey == "" {
			return errors.New("translate.api_key must be set when mode=openai")
		}
	default:
		return errors.New("translate.mode must be one of mock|exec|ollama|openai")
	}
	if cfg.Translate.From == "" || cfg.Translate.To == "" {
		return errors.New("translate.from and translate.to must not be empty")
	}
	for _, step := range cfg.Translate.Normalize {
		switch step {
		case "strip_spaces", "trim", "nfkc", "fold_width":
		default:
			return fmt.Errorf("translate.normalize: unknown step %q", step)
		}
	}

	switch cfg.Caption.Sink {
	case "obs":
		if cfg.Caption.Host == "" {
			return errors.New("caption.host must not be empty when sink=obs")
		}
		if cfg.Caption.Port <= 0 || cfg.Caption.Port > 65535 {
			return errors.New("caption.port must be between 1 and 65535")
		}
		if cfg.Caption.Source == "" {
			return errors.New("caption.source must not be empty when sink=obs")
		}
	case "bus", "log":
	default:
		return errors.New("caption.sink must be one of obs|bus|log")
	}
	switch cfg.Caption.Mode {
	case "chatlog", "replace":
	default:
		return errors.New("caption.mode must be one of chatlog|replace")
	}
	if cfg.Caption.Lines <= 0 {
		return errors.New("caption.lines must be positive")
	}
	if cfg.Caption.FailureThreshold < 0 {
		return errors.New("caption.failure_threshold must be >= 0")
	}
	return nil
}
