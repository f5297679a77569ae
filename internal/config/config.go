package config

import (
	"errors"
	"fmt"
	"io/ioutil"
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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	API          APIConfig          `yaml:"api"`
	Capture      CaptureConfig      `yaml:"capture"`
	Stream       StreamConfig       `yaml:"stream"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Session      SessionConfig      `yaml:"session"`
	History      HistoryConfig      `yaml:"history"`
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

type APIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CaptureConfig struct {
	Engine    string `yaml:"engine"`
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	Separator string `yaml:"separator"`
}

type StreamConfig struct {
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

type QueueConfig struct {
	Path          string `yaml:"path"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SyncConfig struct {
	AutoStart bool `yaml:"auto_start"`
}

type ConnectivityConfig struct {
	ProbeURL       string `yaml:"probe_url"`
	IntervalMS     int    `yaml:"interval_ms"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
	AssumeOnline   bool   `yaml:"assume_online"`
}

type SessionConfig struct {
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	ParticipantName string `yaml:"participant_name"`
	ParticipantType string `yaml:"participant_type"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-core",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		API: APIConfig{
			BaseURL:   "http://localhost:9000",
			TimeoutMS: 15000,
		},
		Capture: CaptureConfig{
			Engine:    "mock",
			Language:  "en-US",
			Separator: " ",
		},
		Stream: StreamConfig{
			BaseDelayMS: 1000,
			MaxDelayMS:  30000,
		},
		Queue: QueueConfig{
			Path: "./data/scribe-pending.db",
		},
		Sync: SyncConfig{
			AutoStart: true,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:       "http://localhost:9000/healthz",
			IntervalMS:     5000,
			ProbeTimeoutMS: 2000,
		},
		Session: SessionConfig{
			PollIntervalMS:  3000,
			ParticipantName: "scribe",
			ParticipantType: "recorder",
		},
		History: HistoryConfig{
			Path:          "./data/scribe-history.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxSessions:   500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.API.BaseURL, "SCRIBE_API_BASE_URL")
	overrideInt(&cfg.API.TimeoutMS, "SCRIBE_API_TIMEOUT_MS")
	overrideString(&cfg.Capture.Engine, "SCRIBE_CAPTURE_ENGINE")
	overrideString(&cfg.Capture.Command, "SCRIBE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Language, "SCRIBE_CAPTURE_LANGUAGE")
	overrideString(&cfg.Capture.Separator, "SCRIBE_CAPTURE_SEPARATOR")
	overrideInt(&cfg.Stream.BaseDelayMS, "SCRIBE_STREAM_BASE_DELAY_MS")
	overrideInt(&cfg.Stream.MaxDelayMS, "SCRIBE_STREAM_MAX_DELAY_MS")
	overrideString(&cfg.Queue.Path, "SCRIBE_QUEUE_PATH")
	overrideBool(&cfg.Queue.VacuumOnStart, "SCRIBE_QUEUE_VACUUM_ON_START")
	overrideBool(&cfg.Sync.AutoStart, "SCRIBE_SYNC_AUTO_START")
	overrideString(&cfg.Connectivity.ProbeURL, "SCRIBE_CONNECTIVITY_PROBE_URL")
	overrideInt(&cfg.Connectivity.IntervalMS, "SCRIBE_CONNECTIVITY_INTERVAL_MS")
	overrideInt(&cfg.Connectivity.ProbeTimeoutMS, "SCRIBE_CONNECTIVITY_PROBE_TIMEOUT_MS")
	overrideBool(&cfg.Connectivity.AssumeOnline, "SCRIBE_CONNECTIVITY_ASSUME_ONLINE")
	overrideInt(&cfg.Session.PollIntervalMS, "SCRIBE_SESSION_POLL_INTERVAL_MS")
	overrideString(&cfg.Session.ParticipantName, "SCRIBE_SESSION_PARTICIPANT_NAME")
	overrideString(&cfg.Session.ParticipantType, "SCRIBE_SESSION_PARTICIPANT_TYPE")
	overrideString(&cfg.History.Path, "SCRIBE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SCRIBE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SCRIBE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "SCRIBE_HISTORY_MAX_SESSIONS")
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
	if cfg.API.BaseURL == "" {
		return errors.New("api.base_url must not be empty")
	}
	if cfg.API.TimeoutMS <= 0 {
		return errors.New("api.timeout_ms must be positive")
	}
	switch cfg.Capture.Engine {
	case "mock", "exec", "none":
		// ok
	default:
		return errors.New("capture.engine must be one of mock|exec|none")
	}
	if cfg.Capture.Engine == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when engine=exec")
	}
	if cfg.Stream.BaseDelayMS <= 0 {
		return errors.New("stream.base_delay_ms must be positive")
	}
	if cfg.Stream.MaxDelayMS < cfg.Stream.BaseDelayMS {
		return errors.New("stream.max_delay_ms must be >= stream.base_delay_ms")
	}
	if cfg.Queue.Path == "" {
		return errors.New("queue.path must not be empty")
	}
	if cfg.Connectivity.IntervalMS <= 0 {
		return errors.New("connectivity.interval_ms must be positive")
	}
	if cfg.Connectivity.ProbeTimeoutMS <= 0 {
		return errors.New("connectivity.probe_timeout_ms must be positive")
	}
	if !cfg.Connectivity.AssumeOnline && cfg.Connectivity.ProbeURL == "" {
		return errors.New("connectivity.probe_url must not be empty unless assume_online is set")
	}
	if cfg.Session.PollIntervalMS <= 0 {
		return errors.New("session.poll_interval_ms must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.History.RetentionMode == "persistent" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when retention_mode=persistent")
	}
	return nil
}
