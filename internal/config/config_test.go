// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/muster/internal/channel"
)

const validConfig = `
matrix:
  homeserver: "https://matrix.example.org"
  username: "coordinator"
  password: "hunter2"

coordinator:
  broadcast_room: "#muster:example.org"
  room_prefix: "grp_"
  bot_user: "@agent:example.org"
  ping_interval: "20s"
  grace_period: "40s"
  pong_slack: "2s"

database:
  path: "./test.db"

http:
  addr: "127.0.0.1:8090"

auth:
  jwt_secret: "secret"

transport:
  send_rate: 2.5
  send_burst: 4

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/prom"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.Homeserver != "https://matrix.example.org" {
		t.Errorf("Matrix.Homeserver = %q", cfg.Matrix.Homeserver)
	}
	if cfg.Matrix.Username != "coordinator" || cfg.Matrix.Password != "hunter2" {
		t.Errorf("Matrix credentials = %q/%q", cfg.Matrix.Username, cfg.Matrix.Password)
	}
	if cfg.Coordinator.BroadcastRoom != "#muster:example.org" {
		t.Errorf("Coordinator.BroadcastRoom = %q", cfg.Coordinator.BroadcastRoom)
	}
	if cfg.Coordinator.RoomPrefix != "grp_" {
		t.Errorf("Coordinator.RoomPrefix = %q, want %q", cfg.Coordinator.RoomPrefix, "grp_")
	}
	if cfg.Coordinator.BotUser != "@agent:example.org" {
		t.Errorf("Coordinator.BotUser = %q", cfg.Coordinator.BotUser)
	}
	if cfg.Coordinator.PingInterval != 20*time.Second {
		t.Errorf("Coordinator.PingInterval = %v, want %v", cfg.Coordinator.PingInterval, 20*time.Second)
	}
	if cfg.Coordinator.GracePeriod != 40*time.Second {
		t.Errorf("Coordinator.GracePeriod = %v, want %v", cfg.Coordinator.GracePeriod, 40*time.Second)
	}
	if cfg.Coordinator.PongSlack != 2*time.Second {
		t.Errorf("Coordinator.PongSlack = %v, want %v", cfg.Coordinator.PongSlack, 2*time.Second)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8090" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Auth.JWTSecret != "secret" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Transport.SendRate != 2.5 || cfg.Transport.SendBurst != 4 {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/prom" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
matrix:
  homeserver: "https://matrix.example.org"
  access_token: "syt_token"
coordinator:
  broadcast_room: "!abc:example.org"
database:
  path: ":memory:"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Coordinator.PingInterval != DefaultPingInterval {
		t.Errorf("PingInterval = %v, want %v", cfg.Coordinator.PingInterval, DefaultPingInterval)
	}
	if cfg.Coordinator.GracePeriod != DefaultGracePeriod {
		t.Errorf("GracePeriod = %v, want %v", cfg.Coordinator.GracePeriod, DefaultGracePeriod)
	}
	if cfg.Coordinator.PongSlack != DefaultPongSlack {
		t.Errorf("PongSlack = %v, want %v", cfg.Coordinator.PongSlack, DefaultPongSlack)
	}
	if cfg.Coordinator.RoomPrefix != DefaultRoomPrefix {
		t.Errorf("RoomPrefix = %q, want %q", cfg.Coordinator.RoomPrefix, DefaultRoomPrefix)
	}
	if cfg.Transport.SendRate != DefaultSendRate || cfg.Transport.SendBurst != DefaultSendBurst {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP.Addr = %q, want empty", cfg.HTTP.Addr)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_MUSTER_PASSWORD", "from-env")
	t.Setenv("TEST_MUSTER_ROOM", "#env:example.org")

	cfg, err := Load(writeConfig(t, `
matrix:
  homeserver: "https://matrix.example.org"
  username: "coordinator"
  password: "${TEST_MUSTER_PASSWORD}"
coordinator:
  broadcast_room: "${TEST_MUSTER_ROOM}"
database:
  path: "./test.db"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.Password != "from-env" {
		t.Errorf("Matrix.Password = %q, want %q", cfg.Matrix.Password, "from-env")
	}
	if cfg.Coordinator.BroadcastRoom != "#env:example.org" {
		t.Errorf("BroadcastRoom = %q", cfg.Coordinator.BroadcastRoom)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `
matrix:
  homeserver: "https://matrix.example.org"
  username "missing colon"
`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, strings.Replace(validConfig, `ping_interval: "20s"`, `ping_interval: "soon"`, 1)))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "ping_interval") {
		t.Errorf("error = %v, want mention of ping_interval", err)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing homeserver",
			configContent: `
matrix:
  access_token: "x"
coordinator:
  broadcast_room: "#a:b"
database:
  path: "./test.db"
`,
			wantErrSubstr: "matrix.homeserver is required",
		},
		{
			name: "malformed homeserver",
			configContent: `
matrix:
  homeserver: "matrix.example.org"
  access_token: "x"
coordinator:
  broadcast_room: "#a:b"
database:
  path: "./test.db"
`,
			wantErrSubstr: "scheme must be http or https",
		},
		{
			name: "missing credentials",
			configContent: `
matrix:
  homeserver: "https://matrix.example.org"
  username: "coordinator"
coordinator:
  broadcast_room: "#a:b"
database:
  path: "./test.db"
`,
			wantErrSubstr: "matrix.access_token",
		},
		{
			name: "missing broadcast room",
			configContent: `
matrix:
  homeserver: "https://matrix.example.org"
  access_token: "x"
database:
  path: "./test.db"
`,
			wantErrSubstr: "coordinator.broadcast_room is required",
		},
		{
			name: "missing database path",
			configContent: `
matrix:
  homeserver: "https://matrix.example.org"
  access_token: "x"
coordinator:
  broadcast_room: "#a:b"
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "bad log format",
			configContent: `
matrix:
  homeserver: "https://matrix.example.org"
  access_token: "x"
coordinator:
  broadcast_room: "#a:b"
database:
  path: "./test.db"
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.configContent))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %v, want error containing %q", err, tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single var", "${TEST_EXPAND_A}", "alpha"},
		{"embedded", "pre-${TEST_EXPAND_A}-post", "pre-alpha-post"},
		{"unset var", "${TEST_EXPAND_UNSET_XYZ}", ""},
		{"no vars", "plain text", "plain text"},
		{"bare dollar untouched", "$TEST_EXPAND_A", "$TEST_EXPAND_A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoad_MalformedHomeserverMapsToExitStatus(t *testing.T) {
	for _, hs := range []string{"matrix.example.org", "ftp://matrix.example.org", "https://"} {
		t.Run(hs, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			content := "matrix:\n  homeserver: \"" + hs + "\"\n  access_token: \"x\"\n" +
				"coordinator:\n  broadcast_room: \"#a:b\"\ndatabase:\n  path: \"./test.db\"\n"
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatalf("failed to write config: %v", err)
			}

			_, err := Load(path)
			if !errors.Is(err, channel.ErrInvalidHomeserver) {
				t.Fatalf("Load() error = %v, want ErrInvalidHomeserver", err)
			}
			if got := channel.ExitCode(err); got != 3 {
				t.Errorf("ExitCode() = %d, want 3", got)
			}
		})
	}
}
