// ABOUTME: Entry point for the muster agent daemon
// ABOUTME: Finds a coordinator over Matrix, joins its group and supervises the local task

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/2389/muster/internal/agent"
	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/logging"
	"github.com/2389/muster/internal/task"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
 _ __ ___  _   _ ___| |_ ___ _ __
| '_ ' _ \| | | / __| __/ _ \ '__|
| | | | | | |_| \__ \ ||  __/ |
|_| |_| |_|\__,_|___/\__\___|_|   agent
`

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		os.Exit(run())
	case "init":
		if err := runInit(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Println("Usage: muster-agent [command]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  run      Start the agent (default)")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}
}

// run returns the process exit status.
func run() int {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config from %s: %v\n", configPath, err)
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "Run 'muster-agent init' to create one.")
		}
		return channel.ExitCode(err)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mx, err := channel.NewMatrix(channel.MatrixConfig{
		Homeserver:  cfg.Matrix.Homeserver,
		Username:    cfg.Matrix.Username,
		Password:    cfg.Matrix.Password,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		SendRate:    cfg.Transport.SendRate,
		SendBurst:   cfg.Transport.SendBurst,
	}, logger.With("component", "matrix"))
	if err != nil {
		logger.Error("invalid homeserver", "error", err)
		return channel.ExitCode(err)
	}
	if err := mx.Login(ctx); err != nil {
		logger.Error("matrix login failed", "error", err)
		return channel.ExitCode(err)
	}

	var t task.Task
	if len(cfg.Task.Command) > 0 {
		p, err := task.NewProcess(cfg.Task.Command, cfg.Task.Dir, logger.With("component", "task"))
		if err != nil {
			logger.Error("invalid task command", "error", err)
			return 1
		}
		t = p
	}

	a := agent.New(agentOptions(ctx, cfg), mx, t, logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Identity:   %s\n", a.Identity())
	green.Print("    ▶ ")
	fmt.Printf("Account:    %s\n", mx.UserID())
	green.Print("    ▶ ")
	fmt.Printf("Broadcast:  %s\n", cfg.Agent.BroadcastRoom)
	if t != nil {
		green.Print("    ▶ ")
		fmt.Printf("Task:       %s\n", strings.Join(cfg.Task.Command, " "))
	}
	fmt.Println()

	err = a.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("agent stopped")
		return 0
	case errors.Is(err, agent.ErrTerminated):
		logger.Info("agent terminated by coordinator")
		return 0
	default:
		logger.Error("agent failed", "error", err)
		return channel.ExitCode(err)
	}
}

func agentOptions(ctx context.Context, cfg *Config) agent.Options {
	return agent.Options{
		BroadcastRoom:    cfg.Agent.BroadcastRoom,
		Identity:         cfg.Agent.Identity,
		AnnounceInterval: cfg.Agent.AnnounceInterval.Duration,
		PingPeriod:       cfg.Agent.PingInterval.Duration,
		StaleAfter:       cfg.Agent.StaleAfterPings,
		BackoffMin:       cfg.Agent.BackoffMin.Duration,
		BackoffMax:       cfg.Agent.BackoffMax.Duration,
		JoinTimeout:      cfg.Agent.JoinTimeout.Duration,
		Metadata:         agent.CollectMetadata(ctx, version),
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	bold := color.New(color.Bold)

	bold.Fprintln(out, "muster-agent configuration setup")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	cfg := Config{
		Agent: AgentConfig{
			AnnounceInterval: duration{5 * time.Second},
			PingInterval:     duration{45 * time.Second},
			StaleAfterPings:  3,
			BackoffMin:       duration{time.Second},
			BackoffMax:       duration{3 * time.Second},
			JoinTimeout:      duration{30 * time.Second},
		},
		Transport: TransportConfig{SendRate: 2, SendBurst: 5},
	}

	fmt.Fprintln(out, "\n--- Matrix ---")
	cfg.Matrix.Homeserver = prompt(reader, out, "Homeserver URL", "https://matrix.org")
	cfg.Matrix.Username = prompt(reader, out, "Username", "")
	cfg.Matrix.Password = prompt(reader, out, "Password (or ${ENV_VAR})", "${MUSTER_MATRIX_PASSWORD}")

	fmt.Fprintln(out, "\n--- Rendezvous ---")
	cfg.Agent.BroadcastRoom = prompt(reader, out, "Broadcast room", "#muster:matrix.org")

	fmt.Fprintln(out, "\n--- Task ---")
	command := prompt(reader, out, "Command to run while work is enabled (empty for none)", "")
	if command != "" {
		cfg.Task.Command = strings.Fields(command)
		cfg.Task.Dir = prompt(reader, out, "Working directory (empty for current)", "")
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", "text")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(outputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# muster-agent configuration")
	fmt.Fprintln(f, "# Generated by muster-agent init")
	fmt.Fprintln(f)
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	color.New(color.FgGreen).Fprintf(out, "\n  ✓ Config written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the agent:")
	fmt.Fprintf(out, "  MUSTER_AGENT_CONFIG=%s muster-agent run\n", strconv.Quote(outputFile))
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		fmt.Fprintln(out)
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}
