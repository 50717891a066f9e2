// Package config loads broker configuration from an optional YAML file and
// TERMY_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Provision ProvisionConfig `yaml:"provision"`
	Logging   LogConfig       `yaml:"logging"`
}

// ServerConfig holds listener, handshake and heartbeat settings.
type ServerConfig struct {
	Host                string        `yaml:"host" envconfig:"TERMY_HOST"`
	Port                int           `yaml:"port" envconfig:"TERMY_PORT"`
	Token               string        `yaml:"token" envconfig:"TERMY_TOKEN"`
	TokenFile           string        `yaml:"token_file" envconfig:"TERMY_TOKEN_FILE"`
	MaxHandshakeFails   int           `yaml:"max_handshake_failures" envconfig:"TERMY_MAX_HANDSHAKE_FAILURES"`
	HandshakeBan        time.Duration `yaml:"handshake_ban" envconfig:"TERMY_HANDSHAKE_BAN"`
	AllowedOrigins      []string      `yaml:"allowed_origins" envconfig:"TERMY_ALLOWED_ORIGINS"`
	OutputEncoding      string        `yaml:"output_encoding" envconfig:"TERMY_OUTPUT_ENCODING"`
	WriteWait           time.Duration `yaml:"write_wait" envconfig:"TERMY_WRITE_WAIT"`
	PongWait            time.Duration `yaml:"pong_wait" envconfig:"TERMY_PONG_WAIT"`
	PingPeriod          time.Duration `yaml:"ping_period" envconfig:"TERMY_PING_PERIOD"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout" envconfig:"TERMY_SHUTDOWN_TIMEOUT"`
	MaxMessageSize      int64         `yaml:"max_message_size" envconfig:"TERMY_MAX_MESSAGE_SIZE"`
	InitRatePerSecond   float64       `yaml:"init_rate_per_second" envconfig:"TERMY_INIT_RATE"`
	InitBurst           int           `yaml:"init_burst" envconfig:"TERMY_INIT_BURST"`
	ParentWatch         bool          `yaml:"parent_watch" envconfig:"TERMY_PARENT_WATCH"`
	ParentWatchSchedule string        `yaml:"parent_watch_schedule" envconfig:"TERMY_PARENT_WATCH_SCHEDULE"`
	DiagnosticsSchedule string        `yaml:"diagnostics_schedule" envconfig:"TERMY_DIAGNOSTICS_SCHEDULE"`
}

// SessionConfig holds PTY session defaults.
type SessionConfig struct {
	DefaultShell     string        `yaml:"default_shell" envconfig:"TERMY_DEFAULT_SHELL"`
	GracePeriod      time.Duration `yaml:"grace_period" envconfig:"TERMY_GRACE_PERIOD"`
	BatchInterval    time.Duration `yaml:"batch_interval" envconfig:"TERMY_BATCH_INTERVAL"`
	ReadBufferSize   int           `yaml:"read_buffer_size" envconfig:"TERMY_READ_BUFFER_SIZE"`
	MaxBatchSize     int           `yaml:"max_batch_size" envconfig:"TERMY_MAX_BATCH_SIZE"`
	OutputBuffer     int           `yaml:"output_buffer" envconfig:"TERMY_OUTPUT_BUFFER"`
	InputQueue       int           `yaml:"input_queue" envconfig:"TERMY_INPUT_QUEUE"`
	DisconnectPolicy string        `yaml:"disconnect_policy" envconfig:"TERMY_DISCONNECT_POLICY"`
}

// ProvisionConfig holds binary provisioning settings.
type ProvisionConfig struct {
	Name      string        `yaml:"name" envconfig:"TERMY_BINARY_NAME"`
	BaseURL   string        `yaml:"base_url" envconfig:"TERMY_BASE_URL"`
	MirrorURL string        `yaml:"mirror_url" envconfig:"TERMY_MIRROR_URL"`
	Dir       string        `yaml:"dir" envconfig:"TERMY_BINARY_DIR"`
	Version   string        `yaml:"version" envconfig:"TERMY_VERSION"`
	Offline   bool          `yaml:"offline" envconfig:"TERMY_OFFLINE"`
	Checksum  string        `yaml:"checksum" envconfig:"TERMY_CHECKSUM"`
	Timeout   time.Duration `yaml:"timeout" envconfig:"TERMY_DOWNLOAD_TIMEOUT"`
	Retries   int           `yaml:"retries" envconfig:"TERMY_DOWNLOAD_RETRIES"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"TERMY_LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"TERMY_LOG_DEV"`
}

// Disconnect policies.
const (
	PolicyKill   = "kill"
	PolicyDetach = "detach"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                0,
			OutputEncoding:      "binary",
			WriteWait:           10 * time.Second,
			PongWait:            60 * time.Second,
			PingPeriod:          30 * time.Second,
			ShutdownTimeout:     5 * time.Second,
			MaxMessageSize:      8 << 20,
			MaxHandshakeFails:   10,
			HandshakeBan:        time.Minute,
			InitRatePerSecond:   10,
			InitBurst:           20,
			ParentWatch:         true,
			ParentWatchSchedule: "@every 2s",
			DiagnosticsSchedule: "@every 1m",
		},
		Session: SessionConfig{
			GracePeriod:      3 * time.Second,
			BatchInterval:    4 * time.Millisecond,
			ReadBufferSize:   8192,
			MaxBatchSize:     64 * 1024,
			OutputBuffer:     64,
			InputQueue:       256,
			DisconnectPolicy: PolicyKill,
		},
		Provision: ProvisionConfig{
			Name:    "termy-server",
			BaseURL: "https://github.com/ZyphrZero/Termy/releases/download",
			Timeout: 2 * time.Minute,
			Retries: 2,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// minMessageSize keeps room for a base64 encoded 64KiB input chunk.
const minMessageSize = 256 << 10

// Load reads the YAML file at path (if non-empty) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TERMY_* variables. Fields without a variable keep the
// value they already have, so file settings survive.
func applyEnv(cfg *Config) error {
	sections := []any{&cfg.Server, &cfg.Session, &cfg.Provision, &cfg.Logging}
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks values that cannot be defaulted away.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port out of range: %d", c.Server.Port))
	}
	switch strings.ToLower(c.Server.OutputEncoding) {
	case "binary", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown output encoding %q", c.Server.OutputEncoding))
	}
	switch c.Session.DisconnectPolicy {
	case PolicyKill, PolicyDetach:
	default:
		errs = append(errs, fmt.Errorf("unknown disconnect policy %q", c.Session.DisconnectPolicy))
	}
	if c.Session.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must not be negative"))
	}
	if c.Server.MaxMessageSize < minMessageSize {
		errs = append(errs, fmt.Errorf("max message size must be at least %d bytes, got %d", minMessageSize, c.Server.MaxMessageSize))
	}
	if c.Server.PingPeriod >= c.Server.PongWait {
		errs = append(errs, fmt.Errorf("ping period (%s) must be shorter than pong wait (%s)", c.Server.PingPeriod, c.Server.PongWait))
	}

	return errors.Join(errs...)
}
