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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Backend     BackendConfig   `yaml:"backend"`
	Player      PlayerConfig    `yaml:"player"`
	Sync        SyncConfig      `yaml:"sync"`
	Recording   RecordingConfig `yaml:"recording"`
	Journal     JournalConfig   `yaml:"journal"`
}

type BusConfig struct {
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

type BackendConfig struct {
	URL             string `yaml:"url"`
	Model           string `yaml:"model"`
	APIKeyEnv       string `yaml:"api_key_env"`
	DialAttempts    int    `yaml:"dial_attempts"`
	DialTimeout     int    `yaml:"dial_timeout_ms"`
	WriteQueueDepth int    `yaml:"write_queue_depth"`
}

type PlayerConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	LookaheadMS     int    `yaml:"lookahead_ms"`
	MeterIntervalMS int    `yaml:"meter_interval_ms"`
	SinkMode        string `yaml:"sink_mode"` // exec, null
	SinkCommand     string `yaml:"sink_command"`
}

type SyncConfig struct {
	IntervalMS int     `yaml:"interval_ms"`
	MaxWeight  float64 `yaml:"max_weight"`
}

type RecordingConfig struct {
	Enabled bool     `yaml:"enabled"`
	Formats []string `yaml:"formats"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "muse-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Backend: BackendConfig{
			URL:             "wss://music.generation.example/v1/session",
			Model:           "music-realtime-001",
			APIKeyEnv:       "MUSE_BACKEND_API_KEY",
			DialAttempts:    5,
			DialTimeout:     10000,
			WriteQueueDepth: 256,
		},
		Player: PlayerConfig{
			SampleRate:      48000,
			Channels:        2,
			LookaheadMS:     1000,
			MeterIntervalMS: 50,
			SinkMode:        "null",
			SinkCommand:     "ffplay -hide_banner -loglevel error -nodisp -f s16le -ar 48000 -ch_layout stereo -i -",
		},
		Sync: SyncConfig{
			IntervalMS: 250,
			MaxWeight:  2.0,
		},
		Recording: RecordingConfig{
			Enabled: true,
			Formats: []string{"wav", "pcm"},
		},
		Journal: JournalConfig{
			Path:          "./data/muse-journal.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "MUSE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MUSE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MUSE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MUSE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MUSE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MUSE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MUSE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MUSE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MUSE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MUSE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MUSE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MUSE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MUSE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MUSE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MUSE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MUSE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MUSE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Backend.URL, "MUSE_BACKEND_URL")
	overrideString(&cfg.Backend.Model, "MUSE_BACKEND_MODEL")
	overrideString(&cfg.Backend.APIKeyEnv, "MUSE_BACKEND_API_KEY_ENV")
	overrideInt(&cfg.Backend.DialAttempts, "MUSE_BACKEND_DIAL_ATTEMPTS")
	overrideInt(&cfg.Backend.DialTimeout, "MUSE_BACKEND_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Backend.WriteQueueDepth, "MUSE_BACKEND_WRITE_QUEUE_DEPTH")
	overrideInt(&cfg.Player.SampleRate, "MUSE_PLAYER_SAMPLE_RATE")
	overrideInt(&cfg.Player.Channels, "MUSE_PLAYER_CHANNELS")
	overrideInt(&cfg.Player.LookaheadMS, "MUSE_PLAYER_LOOKAHEAD_MS")
	overrideInt(&cfg.Player.MeterIntervalMS, "MUSE_PLAYER_METER_INTERVAL_MS")
	overrideString(&cfg.Player.SinkMode, "MUSE_PLAYER_SINK_MODE")
	overrideString(&cfg.Player.SinkCommand, "MUSE_PLAYER_SINK_COMMAND")
	overrideInt(&cfg.Sync.IntervalMS, "MUSE_SYNC_INTERVAL_MS")
	overrideFloat(&cfg.Sync.MaxWeight, "MUSE_SYNC_MAX_WEIGHT")
	overrideBool(&cfg.Recording.Enabled, "MUSE_RECORDING_ENABLED")
	overrideStringSlice(&cfg.Recording.Formats, "MUSE_RECORDING_FORMATS")
	overrideString(&cfg.Journal.Path, "MUSE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "MUSE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "MUSE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "MUSE_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "MUSE_JOURNAL_VACUUM_ON_START")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Backend.URL == "" {
		return errors.New("backend.url must not be empty")
	}
	if cfg.Backend.Model == "" {
		return errors.New("backend.model must not be empty")
	}
	if cfg.Backend.DialAttempts <= 0 {
		return errors.New("backend.dial_attempts must be >= 1")
	}
	if cfg.Backend.WriteQueueDepth <= 0 {
		return errors.New("backend.write_queue_depth must be >= 1")
	}
	if cfg.Player.SampleRate <= 0 {
		return errors.New("player.sample_rate must be positive")
	}
	if cfg.Player.Channels <= 0 {
		return errors.New("player.channels must be positive")
	}
	if cfg.Player.LookaheadMS < 0 {
		return errors.New("player.lookahead_ms must be >= 0")
	}
	switch cfg.Player.SinkMode {
	case "exec", "null":
	default:
		return errors.New("player.sink_mode must be one of exec|null")
	}
	if cfg.Player.SinkMode == "exec" && cfg.Player.SinkCommand == "" {
		return errors.New("player.sink_command must be set when sink_mode=exec")
	}
	if cfg.Sync.IntervalMS <= 0 {
		return errors.New("sync.interval_ms must be positive")
	}
	if cfg.Sync.MaxWeight <= 0 {
		return errors.New("sync.max_weight must be positive")
	}
	if cfg.Recording.Enabled && len(cfg.Recording.Formats) == 0 {
		return errors.New("recording.formats must not be empty when recording is enabled")
	}
	for _, format := range cfg.Recording.Formats {
		switch format {
		case "wav", "pcm":
		default:
			return fmt.Errorf("recording.formats entry %q must be one of wav|pcm", format)
		}
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
