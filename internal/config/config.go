package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// SlogLevel maps the configured log_level onto slog. Unknown values read as
// info rather than failing the whole config.
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

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Level       LevelConfig       `yaml:"level"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig tunes the recording controller. Tick intervals are
// configurable so tests can drive the loops at millisecond scale.
type CaptureConfig struct {
	Separator       string `yaml:"separator"`
	TimerTickMS     int    `yaml:"timer_tick_ms"`
	LevelIntervalMS int    `yaml:"level_interval_ms"`
	PublishEvents   bool   `yaml:"publish_events"`
	SendOnStop      bool   `yaml:"send_on_stop"`
}

type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // none, mock, exec
	Command        string `yaml:"command"`
	Language       string `yaml:"language"`
	RestartDelayMS int    `yaml:"restart_delay_ms"`
}

type LevelConfig struct {
	Mode    string `yaml:"mode"` // none, mock, wav
	WavPath string `yaml:"wav_path"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
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
		Node: NodeConfig{
			ID:                "murmur-node-1",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/murmur-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Separator:       " ",
			TimerTickMS:     1000,
			LevelIntervalMS: 100,
			PublishEvents:   true,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			Language:       "en-US",
			RestartDelayMS: 50,
		},
		Level: LevelConfig{
			Mode: "mock",
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "MURMUR_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "MURMUR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "MURMUR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MURMUR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MURMUR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MURMUR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MURMUR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Separator, "MURMUR_CAPTURE_SEPARATOR")
	overrideInt(&cfg.Capture.TimerTickMS, "MURMUR_CAPTURE_TIMER_TICK_MS")
	overrideInt(&cfg.Capture.LevelIntervalMS, "MURMUR_CAPTURE_LEVEL_INTERVAL_MS")
	overrideBool(&cfg.Capture.PublishEvents, "MURMUR_CAPTURE_PUBLISH_EVENTS")
	overrideBool(&cfg.Capture.SendOnStop, "MURMUR_CAPTURE_SEND_ON_STOP")
	overrideString(&cfg.Recognition.Mode, "MURMUR_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.Command, "MURMUR_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.Language, "MURMUR_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.RestartDelayMS, "MURMUR_RECOGNITION_RESTART_DELAY_MS")
	overrideString(&cfg.Level.Mode, "MURMUR_LEVEL_MODE")
	overrideString(&cfg.Level.WavPath, "MURMUR_LEVEL_WAV_PATH")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
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
	if cfg.Capture.TimerTickMS <= 0 {
		return errors.New("capture.timer_tick_ms must be positive")
	}
	if cfg.Capture.LevelIntervalMS <= 0 {
		return errors.New("capture.level_interval_ms must be positive")
	}
	switch cfg.Recognition.Mode {
	case "none", "mock", "exec":
	default:
		return errors.New("recognition.mode must be one of none|mock|exec")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Recognition.RestartDelayMS < 0 {
		return errors.New("recognition.restart_delay_ms must be >= 0")
	}
	switch cfg.Level.Mode {
	case "none", "mock", "wav":
	default:
		return errors.New("level.mode must be one of none|mock|wav")
	}
	if cfg.Level.Mode == "wav" && cfg.Level.WavPath == "" {
		return errors.New("level.wav_path must be set when mode=wav")
	}
	return nil
}
