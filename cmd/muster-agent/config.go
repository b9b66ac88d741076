// ABOUTME: Configuration loading for the muster agent
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/2389/muster/internal/channel"
)

// Config is the complete muster-agent configuration.
type Config struct {
	Matrix    MatrixConfig    `toml:"matrix"`
	Agent     AgentConfig     `toml:"agent"`
	Task      TaskConfig      `toml:"task"`
	Transport TransportConfig `toml:"transport"`
	Logging   LoggingConfig   `toml:"logging"`
}

// MatrixConfig holds homeserver credentials. Either user_id and access_token
// or username and password must be set.
type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	UserID      string `toml:"user_id,omitempty"`
	AccessToken string `toml:"access_token,omitempty"`
}

// AgentConfig holds rendezvous timing. Unset values use the agent defaults.
type AgentConfig struct {
	BroadcastRoom    string   `toml:"broadcast_room"`
	Identity         string   `toml:"identity,omitempty"`
	AnnounceInterval duration `toml:"announce_interval"`
	// PingInterval is how often the coordinator is expected to PING.
	PingInterval    duration `toml:"ping_interval"`
	StaleAfterPings int      `toml:"stale_after_pings"`
	BackoffMin      duration `toml:"backoff_min"`
	BackoffMax      duration `toml:"backoff_max"`
	JoinTimeout     duration `toml:"join_timeout"`
}

// TaskConfig names the local command started while the group's work is enabled.
type TaskConfig struct {
	Command []string `toml:"command,omitempty"`
	Dir     string   `toml:"dir,omitempty"`
}

// TransportConfig throttles outbound messages to the homeserver.
type TransportConfig struct {
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

// LoggingConfig selects the log level and text or json output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration decodes TOML strings like "45s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// getConfigPath returns the path to the agent config file.
// Priority: MUSTER_AGENT_CONFIG env var > XDG_CONFIG_HOME/muster/agent.toml > ~/.config/muster/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("MUSTER_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muster", "agent.toml")
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return errors.New("matrix.homeserver is required")
	}
	if err := channel.ValidateHomeserver(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver: %w", err)
	}
	hasToken := c.Matrix.AccessToken != "" && c.Matrix.UserID != ""
	hasPassword := c.Matrix.Username != "" && c.Matrix.Password != ""
	if !hasToken && !hasPassword {
		return errors.New("matrix requires either user_id and access_token or username and password")
	}
	if c.Agent.BroadcastRoom == "" {
		return errors.New("agent.broadcast_room is required")
	}
	if c.Agent.StaleAfterPings < 0 {
		return errors.New("agent.stale_after_pings must not be negative")
	}
	for name, d := range map[string]duration{
		"announce_interval": c.Agent.AnnounceInterval,
		"ping_interval":     c.Agent.PingInterval,
		"backoff_min":       c.Agent.BackoffMin,
		"backoff_max":       c.Agent.BackoffMax,
		"join_timeout":      c.Agent.JoinTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("agent.%s must not be negative", name)
		}
	}
	if c.Agent.BackoffMax.Duration > 0 && c.Agent.BackoffMax.Duration < c.Agent.BackoffMin.Duration {
		return errors.New("agent.backoff_max must not be below agent.backoff_min")
	}
	if len(c.Task.Command) > 0 && c.Task.Command[0] == "" {
		return errors.New("task.command must start with a program name")
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
