package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredential marks configuration that lacks a key required by a stage.
var ErrMissingCredential = errors.New("missing credential")

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
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
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	TTS         TTSConfig        `yaml:"tts"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Wake        WakeConfig       `yaml:"wake"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig controls the microphone source and end-of-utterance detection.
type CaptureConfig struct {
	Command           string `yaml:"command"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	ChunkSize         int    `yaml:"chunk_size"`
	SilenceThreshold  int    `yaml:"silence_threshold"`
	SilenceDurationMS int    `yaml:"silence_duration_ms"`
	MaxDurationMS     int    `yaml:"max_duration_ms"`
	StopGraceMS       int    `yaml:"stop_grace_ms"`
	TempDir           string `yaml:"temp_dir"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // http, exec, mock
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Mode          string   `yaml:"mode"` // http, exec, mock
	Endpoint      string   `yaml:"endpoint"`
	APIKey        string   `yaml:"api_key"`
	Command       string   `yaml:"command"`
	Voice         string   `yaml:"voice"`
	Model         string   `yaml:"model"`
	Format        string   `yaml:"format"`
	PlayerCommand string   `yaml:"player_command"`
	Phrases       []string `yaml:"phrases"`
	TimeoutMS     int      `yaml:"timeout_ms"`
}

// ExecutorConfig describes one tier of the dispatch fallback.
type ExecutorConfig struct {
	Mode       string            `yaml:"mode"` // exec, wasm, nats
	Command    string            `yaml:"command"`
	Module     string            `yaml:"module"`
	Subject    string            `yaml:"subject"`
	WorkingDir string            `yaml:"working_dir"`
	ExtraEnv   map[string]string `yaml:"extra_env"`
	TimeoutMS  int               `yaml:"timeout_ms"`
}

type DispatchConfig struct {
	Protocol string         `yaml:"protocol"` // sentinel, jsonl
	Fast     ExecutorConfig `yaml:"fast"`
	Full     ExecutorConfig `yaml:"full"`
}

type WakeConfig struct {
	Enabled       bool   `yaml:"enabled"`
	AccessKey     string `yaml:"access_key"`
	Subject       string `yaml:"subject"`
	ResultSubject string `yaml:"result_subject"`
}

type PipelineConfig struct {
	// Language overrides STT.Language when set.
	Language string `yaml:"language"`
	Announce bool   `yaml:"announce"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dispatch",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dispatch.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Command:           "sox -d -q -r 16000 -c 1 -e signed-integer -b 16 -t raw -",
			SampleRate:        16000,
			Channels:          1,
			ChunkSize:         4096,
			SilenceThreshold:  500,
			SilenceDurationMS: 2000,
			MaxDurationMS:     30000,
			StopGraceMS:       1200,
		},
		STT: STTConfig{
			Mode:      "http",
			Endpoint:  "https://api.fish.audio/v1/asr",
			Language:  "en",
			TimeoutMS: 30000,
		},
		TTS: TTSConfig{
			Enabled:   true,
			Mode:      "http",
			Endpoint:  "https://api.fish.audio/v1/tts",
			Voice:     "536d3a5e000945adb7038665781a4aca",
			Format:    "mp3",
			TimeoutMS: 15000,
		},
		Dispatch: DispatchConfig{
			Protocol: "sentinel",
			Fast: ExecutorConfig{
				Mode:      "exec",
				TimeoutMS: 120000,
			},
			Full: ExecutorConfig{
				Mode:      "exec",
				TimeoutMS: 600000,
			},
		},
		Wake: WakeConfig{
			Enabled:       false,
			Subject:       "voice.wake",
			ResultSubject: "voice.result",
		},
		Pipeline: PipelineConfig{
			Announce: true,
		},
	}
}

// LoadEnvFile reads KEY=VALUE pairs into the process environment without
// overwriting variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
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
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkSize, "LOQA_CAPTURE_CHUNK_SIZE")
	overrideInt(&cfg.Capture.SilenceThreshold, "LOQA_CAPTURE_SILENCE_THRESHOLD")
	overrideInt(&cfg.Capture.SilenceDurationMS, "LOQA_CAPTURE_SILENCE_DURATION_MS")
	overrideInt(&cfg.Capture.MaxDurationMS, "LOQA_CAPTURE_MAX_DURATION_MS")
	overrideInt(&cfg.Capture.StopGraceMS, "LOQA_CAPTURE_STOP_GRACE_MS")
	overrideString(&cfg.Capture.TempDir, "LOQA_CAPTURE_TEMP_DIR")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "LOQA_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "FISH_AUDIO_API_KEY")
	overrideString(&cfg.STT.APIKey, "LOQA_STT_API_KEY")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Format, "LOQA_TTS_FORMAT")
	overrideString(&cfg.TTS.PlayerCommand, "LOQA_TTS_PLAYER_COMMAND")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideString(&cfg.Dispatch.Protocol, "LOQA_DISPATCH_PROTOCOL")
	overrideString(&cfg.Dispatch.Fast.Mode, "LOQA_DISPATCH_FAST_MODE")
	overrideString(&cfg.Dispatch.Fast.Command, "LOQA_DISPATCH_FAST_COMMAND")
	overrideString(&cfg.Dispatch.Fast.Module, "LOQA_DISPATCH_FAST_MODULE")
	overrideString(&cfg.Dispatch.Fast.Subject, "LOQA_DISPATCH_FAST_SUBJECT")
	overrideInt(&cfg.Dispatch.Fast.TimeoutMS, "LOQA_DISPATCH_FAST_TIMEOUT_MS")
	overrideString(&cfg.Dispatch.Full.Mode, "LOQA_DISPATCH_FULL_MODE")
	overrideString(&cfg.Dispatch.Full.Command, "LOQA_DISPATCH_FULL_COMMAND")
	overrideString(&cfg.Dispatch.Full.Module, "LOQA_DISPATCH_FULL_MODULE")
	overrideString(&cfg.Dispatch.Full.Subject, "LOQA_DISPATCH_FULL_SUBJECT")
	overrideInt(&cfg.Dispatch.Full.TimeoutMS, "LOQA_DISPATCH_FULL_TIMEOUT_MS")
	overrideBool(&cfg.Wake.Enabled, "LOQA_WAKE_ENABLED")
	overrideString(&cfg.Wake.AccessKey, "LOQA_WAKE_ACCESS_KEY")
	overrideString(&cfg.Wake.Subject, "LOQA_WAKE_SUBJECT")
	overrideString(&cfg.Wake.ResultSubject, "LOQA_WAKE_RESULT_SUBJECT")
	overrideString(&cfg.Pipeline.Language, "LOQA_PIPELINE_LANGUAGE")
	overrideBool(&cfg.Pipeline.Announce, "LOQA_PIPELINE_ANNOUNCE")
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
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if strings.TrimSpace(cfg.Capture.Command) == "" {
		return errors.New("capture.command must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.SilenceThreshold <= 0 || cfg.Capture.SilenceThreshold > 32767 {
		return errors.New("capture.silence_threshold must be between 1 and 32767")
	}
	if cfg.Capture.SilenceDurationMS <= 0 {
		return errors.New("capture.silence_duration_ms must be positive")
	}
	if cfg.Capture.MaxDurationMS > 0 && cfg.Capture.MaxDurationMS <= cfg.Capture.SilenceDurationMS {
		return errors.New("capture.max_duration_ms must be greater than silence_duration_ms")
	}
	switch cfg.STT.Mode {
	case "http":
		if cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=http")
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of http|exec|mock")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "http":
			if cfg.TTS.Endpoint == "" {
				return errors.New("tts.endpoint must be set when mode=http")
			}
		case "exec":
			if cfg.TTS.Command == "" {
				return errors.New("tts.command must be set when mode=exec")
			}
		case "mock":
		default:
			return errors.New("tts.mode must be one of http|exec|mock")
		}
	}
	switch cfg.Dispatch.Protocol {
	case "sentinel", "jsonl":
	default:
		return errors.New("dispatch.protocol must be one of sentinel|jsonl")
	}
	if err := validateExecutor("dispatch.fast", cfg.Dispatch.Fast, cfg.Bus.Enabled); err != nil {
		return err
	}
	if err := validateExecutor("dispatch.full", cfg.Dispatch.Full, cfg.Bus.Enabled); err != nil {
		return err
	}
	if cfg.Wake.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("wake requires bus.enabled")
		}
		if cfg.Wake.Subject == "" {
			return errors.New("wake.subject must not be empty when wake is enabled")
		}
	}
	return nil
}

func validateExecutor(name string, cfg ExecutorConfig, busEnabled bool) error {
	switch cfg.Mode {
	case "exec":
		// Command may be filled in later; RequireExecutor checks it before use.
	case "wasm":
		if cfg.Module == "" {
			return fmt.Errorf("%s.module must be set when mode=wasm", name)
		}
	case "nats":
		if !busEnabled {
			return fmt.Errorf("%s mode=nats requires bus.enabled", name)
		}
		if cfg.Subject == "" {
			return fmt.Errorf("%s.subject must be set when mode=nats", name)
		}
	default:
		return fmt.Errorf("%s.mode must be one of exec|wasm|nats", name)
	}
	if cfg.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be >= 0", name)
	}
	return nil
}

// RequireTranscriptionKey reports ErrMissingCredential when the http
// transcription backend has no API key.
func (c STTConfig) RequireTranscriptionKey() error {
	if c.Mode == "http" && strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: stt.api_key (or FISH_AUDIO_API_KEY) is not set", ErrMissingCredential)
	}
	return nil
}

// SynthesisKey returns the key used by the http synthesizer, falling back to
// the transcription key since both services share an account.
func (c Config) SynthesisKey() string {
	if strings.TrimSpace(c.TTS.APIKey) != "" {
		return c.TTS.APIKey
	}
	return c.STT.APIKey
}

// TranscriptionLanguage is the language code sent with each recording:
// pipeline.language when set, otherwise stt.language.
func (c Config) TranscriptionLanguage() string {
	if lang := strings.TrimSpace(c.Pipeline.Language); lang != "" {
		return lang
	}
	return strings.TrimSpace(c.STT.Language)
}

// RequireWakeKey reports ErrMissingCredential when the wake listener is
// enabled without an access key.
func (c WakeConfig) RequireWakeKey() error {
	if c.Enabled && strings.TrimSpace(c.AccessKey) == "" {
		return fmt.Errorf("%w: wake.access_key is not set", ErrMissingCredential)
	}
	return nil
}

// RequireExecutor reports ErrMissingCredential when an exec-mode tier has no
// command to run.
func (c ExecutorConfig) RequireExecutor(name string) error {
	if c.Mode == "exec" && strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: %s.command is not set", ErrMissingCredential, name)
	}
	return nil
}
