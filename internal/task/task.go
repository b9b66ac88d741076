// ABOUTME: Managed task contract and a child-process implementation.
// ABOUTME: Start/Stop are idempotent; Running tracks the child until it exits.

package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// ErrNoCommand is returned when a Process is created without a command.
var ErrNoCommand = errors.New("no command configured")

// Task is a controllable background job.
type Task interface {
	Start() error
	Stop() error
	Running() bool
}

// stopTimeout is how long Stop waits for the child to exit after killing it.
const stopTimeout = 5 * time.Second

// Process runs argv as a child process.
type Process struct {
	argv   []string
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	running bool
}

var _ Task = (*Process)(nil)

// NewProcess creates a Process for argv, run in dir (empty for the current directory).
func NewProcess(argv []string, dir string, logger *slog.Logger) (*Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNoCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		argv:   append([]string(nil), argv...),
		dir:    dir,
		logger: logger,
	}, nil
}

// Start launches the command unless it is already running.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	cmd := exec.CommandContext(context.Background(), p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.argv[0], err)
	}

	exited := make(chan struct{})
	p.cmd = cmd
	p.exited = exited
	p.running = true
	p.logger.Info("task started", "command", p.argv[0], "pid", cmd.Process.Pid)

	go p.wait(cmd, exited)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	p.mu.Lock()
	if p.cmd == cmd {
		p.running = false
		p.cmd = nil
	}
	p.mu.Unlock()
	close(exited)

	if err != nil {
		p.logger.Info("task exited", "command", p.argv[0], "error", err)
	} else {
		p.logger.Info("task exited", "command", p.argv[0])
	}
}

// Stop kills the command if it is running and waits briefly for it to exit.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()

	if err := cmd.Process.Kill(); err != nil {
		select {
		case <-exited:
			return nil
		default:
		}
		return fmt.Errorf("stopping %s: %w", p.argv[0], err)
	}

	select {
	case <-exited:
	case <-time.After(stopTimeout):
		return fmt.Errorf("stopping %s: timed out waiting for exit", p.argv[0])
	}
	p.logger.Info("task stopped", "command", p.argv[0])
	return nil
}

// Running reports whether the child is alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
