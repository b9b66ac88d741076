// ABOUTME: Configuration loading and parsing for muster-coordinator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/muster/internal/channel"
)

// Timing defaults applied when the config leaves a value unset.
const (
	DefaultPingInterval = 15 * time.Second
	DefaultGracePeriod  = 30 * time.Second
	DefaultPongSlack    = 5 * time.Second
	DefaultRoomPrefix   = "cmd_"
	DefaultSendRate     = 5.0
	DefaultSendBurst    = 10
	DefaultMetricsPath  = "/metrics"
)

// Config represents the complete muster-coordinator configuration
type Config struct {
	Matrix      MatrixConfig      `yaml:"matrix"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Database    DatabaseConfig    `yaml:"database"`
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Transport   TransportConfig   `yaml:"transport"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MatrixConfig holds homeserver credentials. Either access_token or
// username+password must be set.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// CoordinatorConfig holds rendezvous and failure detector settings
type CoordinatorConfig struct {
	BroadcastRoom string `yaml:"broadcast_room"`
	RoomPrefix    string `yaml:"room_prefix"`
	// BotUser is invited into every group channel the coordinator creates.
	BotUser string `yaml:"bot_user"`

	PingInterval time.Duration `yaml:"-"`
	GracePeriod  time.Duration `yaml:"-"`
	PongSlack    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PingIntervalRaw string `yaml:"ping_interval"`
	GracePeriodRaw  string `yaml:"grace_period"`
	PongSlackRaw    string `yaml:"pong_slack"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig holds the admin API listen address. Empty disables the API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TransportConfig throttles outbound messages to the homeserver
type TransportConfig struct {
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Coordinator.PingInterval == 0 {
		c.Coordinator.PingInterval = DefaultPingInterval
	}
	if c.Coordinator.GracePeriod == 0 {
		c.Coordinator.GracePeriod = DefaultGracePeriod
	}
	if c.Coordinator.PongSlack == 0 {
		c.Coordinator.PongSlack = DefaultPongSlack
	}
	if c.Coordinator.RoomPrefix == "" {
		c.Coordinator.RoomPrefix = DefaultRoomPrefix
	}
	if c.Transport.SendRate == 0 {
		c.Transport.SendRate = DefaultSendRate
	}
	if c.Transport.SendBurst == 0 {
		c.Transport.SendBurst = DefaultSendBurst
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if err := channel.ValidateHomeserver(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver: %w", err)
	}
	if c.Matrix.AccessToken == "" && (c.Matrix.Username == "" || c.Matrix.Password == "") {
		return fmt.Errorf("matrix.access_token or matrix.username and matrix.password are required")
	}

	if c.Coordinator.BroadcastRoom == "" {
		return fmt.Errorf("coordinator.broadcast_room is required")
	}
	if c.Coordinator.PingInterval < 0 || c.Coordinator.GracePeriod < 0 || c.Coordinator.PongSlack < 0 {
		return fmt.Errorf("coordinator durations must not be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Transport.SendRate < 0 || c.Transport.SendBurst < 0 {
		return fmt.Errorf("transport.send_rate and transport.send_burst must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"ping_interval", cfg.Coordinator.PingIntervalRaw, &cfg.Coordinator.PingInterval},
		{"grace_period", cfg.Coordinator.GracePeriodRaw, &cfg.Coordinator.GracePeriod},
		{"pong_slack", cfg.Coordinator.PongSlackRaw, &cfg.Coordinator.PongSlack},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
