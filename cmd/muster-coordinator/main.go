// ABOUTME: Entry point for the muster coordinator daemon
// ABOUTME: Assigns agents to work groups over Matrix and serves the admin API

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/muster/internal/auth"
	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/config"
	"github.com/2389/muster/internal/coordinator"
	"github.com/2389/muster/internal/logging"
	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
 _ __ ___  _   _ ___| |_ ___ _ __
| '_ ' _ \| | | / __| __/ _ \ '__|
| | | | | | |_| \__ \ ||  __/ |
|_| |_| |_|\__,_|___/\__\___|_|   coordinator
`

// exitError carries a process exit status out of run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// getConfigPath returns the path to the coordinator config file.
// Priority: MUSTER_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/muster/coordinator.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MUSTER_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muster", "coordinator.yaml")
}

func usage() {
	fmt.Println("Usage: muster-coordinator <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the coordinator")
	fmt.Println("  token --subject NAME [--ttl D] Mint an admin API token")
	fmt.Println("  health                         Check coordinator health")
	fmt.Println("  groups                         List groups and their members")
	fmt.Println("  command [--group L] CMD        Send CLEAR, PAYLOAD or DISCONNECT to one or all groups")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "groups":
		err = runGroups(ctx)
	case "command":
		err = runCommand(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: channel.ExitCode(err), err: fmt.Errorf("loading config: %w", err)}
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Broadcast:  %s\n", cfg.Coordinator.BroadcastRoom)
	green.Print("    ▶ ")
	fmt.Printf("Ping:       every %s, grace %s\n", cfg.Coordinator.PingInterval, cfg.Coordinator.GracePeriod)
	if cfg.HTTP.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:       %s", cfg.HTTP.Addr)
		if cfg.Auth.JWTSecret == "" {
			yellow.Print(" [no auth]")
		}
		fmt.Println()
	}
	fmt.Println()

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
		return &exitError{code: channel.ExitCode(err), err: err}
	}
	if err := mx.Login(ctx); err != nil {
		return &exitError{code: channel.ExitCode(err), err: fmt.Errorf("matrix login: %w", err)}
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	collector := metrics.NewCollector("muster")

	coord := coordinator.New(coordinator.Options{
		BroadcastRoom: cfg.Coordinator.BroadcastRoom,
		RoomPrefix:    cfg.Coordinator.RoomPrefix,
		BotUser:       cfg.Coordinator.BotUser,
		PingInterval:  cfg.Coordinator.PingInterval,
		GracePeriod:   cfg.Coordinator.GracePeriod,
		PongSlack:     cfg.Coordinator.PongSlack,
	}, mx, s, collector, logger)

	logger.Info("starting muster-coordinator",
		"config", configPath,
		"user_id", mx.UserID(),
		"broadcast_room", cfg.Coordinator.BroadcastRoom,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})

	if cfg.HTTP.Addr != "" {
		var verifier auth.TokenVerifier
		if cfg.Auth.JWTSecret != "" {
			v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			verifier = v
		}
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Path
		}
		srv := coordinator.NewServer(coord, coordinator.ServerOptions{
			Addr:        cfg.HTTP.Addr,
			MetricsPath: metricsPath,
			Verifier:    verifier,
		}, logger)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("muster-coordinator stopped")
	return err
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "", "principal name embedded in the token")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("--subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// apiGet issues an authenticated GET against the configured admin API.
func apiGet(ctx context.Context, path string) (*http.Response, error) {
	return apiDo(ctx, http.MethodGet, path, nil)
}

// apiDo issues an authenticated request against the configured admin API.
// MUSTER_TOKEN supplies the bearer token.
func apiDo(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.HTTP.Addr == "" {
		return nil, errors.New("http.addr is not configured")
	}

	endpoint := fmt.Sprintf("http://%s%s", cfg.HTTP.Addr, path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("MUSTER_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := apiGet(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runGroups(ctx context.Context) error {
	resp, err := apiGet(ctx, "/api/groups")
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("listing groups: status %d: %s", resp.StatusCode, body)
	}

	var groups []coordinator.GroupResponse
	if err := json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printGroups(os.Stdout, groups)
	return nil
}

func runCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("command", flag.ContinueOnError)
	label := fs.String("group", "", "send to this group only (default: every group)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: muster-coordinator command [--group LABEL] COMMAND")
	}

	// Validate locally so typos never reach the coordinator.
	msg, err := protocol.ParseCommand(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("parsing command: %w", err)
	}

	path := "/api/broadcast"
	if *label != "" {
		path = "/api/groups/" + url.PathEscape(*label) + "/command"
	}
	body, err := json.Marshal(map[string]string{"command": msg.Encode()})
	if err != nil {
		return err
	}

	resp, err := apiDo(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sending command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sending command: status %d: %s", resp.StatusCode, b)
	}

	fmt.Printf("sent %s\n", msg.Encode())
	return nil
}

func printGroups(w io.Writer, groups []coordinator.GroupResponse) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups defined")
		return
	}

	cyan := color.New(color.FgCyan)
	for _, g := range groups {
		work := "disabled"
		if g.WorkEnabled {
			work = "enabled"
		}
		cyan.Fprintf(w, "%s", g.Label)
		fmt.Fprintf(w, "  %s  work %s  %d member(s)\n", g.Channel, work, len(g.Members))
		for _, m := range g.Members {
			state := "alive"
			if !m.Alive {
				state = "pending"
			}
			fmt.Fprintf(w, "    %-36s  %-20s  %s %s  %s\n", m.Identity, m.Hostname, m.Platform, m.Machine, state)
		}
	}
}
