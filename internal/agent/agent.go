// ABOUTME: Agent half of the rendezvous protocol: announce, resolve, answer pings and self-heal.
// ABOUTME: A single mutex guards the assignment slot shared by message handlers and timers.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/task"
)

// ErrTerminated is returned by Run when the coordinator ordered the agent to exit.
var ErrTerminated = errors.New("terminated by coordinator")

// State is the agent's position in the rendezvous state machine.
type State int

const (
	// Searching agents announce on the broadcast channel until resolved.
	Searching State = iota
	// Joining agents have been resolved and are entering their group channel.
	Joining
	// Assigned agents answer pings in their group channel.
	Assigned
	// Backoff agents were cleared and wait before searching again.
	Backoff
	// Terminated agents have been told to exit.
	Terminated
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Joining:
		return "joining"
	case Assigned:
		return "assigned"
	case Backoff:
		return "backoff"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options configures an Agent. Zero values fall back to defaults.
type Options struct {
	BroadcastRoom    string
	AnnounceInterval time.Duration
	// PingPeriod is the expected time between PINGs from the coordinator.
	PingPeriod time.Duration
	// StaleAfter is how many missed ping periods abandon an assignment.
	StaleAfter int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// JoinTimeout bounds entering the assigned group channel.
	JoinTimeout time.Duration
	// Identity defaults to a random UUID.
	Identity string
	Metadata protocol.Metadata
}

const (
	defaultAnnounceInterval = 5 * time.Second
	defaultPingPeriod       = 45 * time.Second
	defaultStaleAfter       = 3
	defaultBackoffMin       = time.Second
	defaultBackoffMax       = 3 * time.Second
	defaultJoinTimeout      = 30 * time.Second
	shutdownTimeout         = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = defaultAnnounceInterval
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = defaultPingPeriod
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = defaultBackoffMin
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = defaultBackoffMax
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = defaultJoinTimeout
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = o.BackoffMin
	}
	if o.Identity == "" {
		o.Identity = uuid.NewString()
	}
}

// Agent finds a coordinator, joins its assigned group and stays there while
// the coordinator keeps probing.
type Agent struct {
	opts      Options
	meta      protocol.Metadata
	transport channel.Transport
	task      task.Task
	logger    *slog.Logger

	mu           sync.Mutex
	state        State
	broadcast    string
	broadcastSub channel.Subscription
	group        string
	groupSub     channel.Subscription
	lastPing     time.Time
	generation   uint64
	backoff      *time.Timer

	wake       chan struct{}
	terminated chan struct{}
	termOnce   sync.Once

	now    func() time.Time
	jitter func(lo, hi time.Duration) time.Duration
}

// New creates an Agent. t may be nil when no managed task is configured.
func New(opts Options, transport channel.Transport, t task.Task, logger *slog.Logger) *Agent {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	meta := opts.Metadata
	meta.Identity = opts.Identity
	return &Agent{
		opts:       opts,
		meta:       meta.Normalized(),
		transport:  transport,
		task:       t,
		logger:     logger.With("component", "agent", "identity", opts.Identity),
		state:      Searching,
		wake:       make(chan struct{}, 1),
		terminated: make(chan struct{}),
		now:        time.Now,
		jitter:     uniform,
	}
}

func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// Identity returns the agent's identity token.
func (a *Agent) Identity() string {
	return a.opts.Identity
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Group returns the assigned group channel, or "" when unassigned.
func (a *Agent) Group() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.group
}

// Run joins the broadcast channel and runs the protocol until ctx is
// cancelled or the coordinator orders termination, in which case it
// returns ErrTerminated.
func (a *Agent) Run(ctx context.Context) error {
	broadcast, err := a.transport.Join(ctx, a.opts.BroadcastRoom)
	if err != nil {
		return fmt.Errorf("joining broadcast channel %s: %w", a.opts.BroadcastRoom, err)
	}

	a.mu.Lock()
	a.broadcast = broadcast
	a.state = Searching
	a.broadcastSub = a.transport.Subscribe(broadcast, a.handleBroadcast)
	a.mu.Unlock()

	a.logger.Info("agent started", "broadcast", broadcast, "hostname", a.meta.Hostname)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.transport.Run(gctx)
	})
	g.Go(func() error {
		return a.loop(gctx)
	})

	err = g.Wait()
	a.shutdown(ctx)
	return err
}

// loop announces while searching and watches for a silent coordinator.
func (a *Agent) loop(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.AnnounceInterval)
	defer ticker.Stop()

	a.announce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.terminated:
			return ErrTerminated
		case <-a.wake:
			a.announce(ctx)
		case <-ticker.C:
			a.checkStale(ctx)
			a.announce(ctx)
		}
	}
}

func (a *Agent) announce(ctx context.Context) {
	a.mu.Lock()
	searching := a.state == Searching
	broadcast := a.broadcast
	a.mu.Unlock()

	if !searching {
		return
	}
	if err := a.transport.Send(ctx, broadcast, protocol.Connect{Meta: a.meta}.Encode()); err != nil {
		a.logger.Warn("announce failed", "error", err)
		return
	}
	a.logger.Debug("announced")
}

// checkStale abandons an assignment whose coordinator has stopped probing.
func (a *Agent) checkStale(ctx context.Context) {
	limit := time.Duration(a.opts.StaleAfter) * a.opts.PingPeriod

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Assigned {
		return
	}
	if silence := a.now().Sub(a.lastPing); silence > limit {
		a.logger.Info("no ping from coordinator, abandoning group", "group", a.group, "silence", silence)
		a.resetLocked(ctx)
	}
}

func (a *Agent) handleBroadcast(ctx context.Context, msg channel.Message) {
	parsed, err := protocol.Parse(msg.Body)
	if err != nil {
		return
	}
	resolve, ok := parsed.(protocol.Resolve)
	if !ok || resolve.Identity != a.opts.Identity {
		return
	}
	a.handleResolve(ctx, resolve)
}

func (a *Agent) handleResolve(ctx context.Context, m protocol.Resolve) {
	a.mu.Lock()
	if a.state != Searching {
		a.logger.Debug("ignoring resolve", "state", a.state, "group", m.Channel)
		a.mu.Unlock()
		return
	}

	// Later RESOLVEs for this identity are not seen.
	a.transport.Unsubscribe(a.broadcastSub)
	a.broadcastSub = channel.Subscription{}
	a.state = Joining
	a.generation++
	gen := a.generation
	a.mu.Unlock()

	joinCtx, cancel := context.WithTimeout(ctx, a.opts.JoinTimeout)
	group, err := a.transport.Join(joinCtx, m.Channel)
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != Joining || a.generation != gen {
		// Shut down or terminated while joining.
		if err == nil {
			if lerr := a.transport.Leave(context.WithoutCancel(ctx), group); lerr != nil {
				a.logger.Debug("failed to leave abandoned group", "group", group, "error", lerr)
			}
		}
		return
	}
	if err != nil {
		a.logger.Warn("failed to join assigned group", "group", m.Channel, "error", err)
		a.state = Searching
		a.broadcastSub = a.transport.Subscribe(a.broadcast, a.handleBroadcast)
		a.signalWake()
		return
	}

	a.state = Assigned
	a.group = group
	a.lastPing = a.now()
	a.groupSub = a.transport.Subscribe(group, a.handleGroup)

	a.logger.Info("assigned to group", "group", group, "work_enabled", m.WorkEnabled)
	a.applyWorkLocked(m.WorkEnabled)
}

func (a *Agent) handleGroup(ctx context.Context, msg channel.Message) {
	parsed, err := protocol.ParseCommand(msg.Body)
	if err != nil {
		a.logger.Debug("ignoring group message", "error", err)
		return
	}

	switch m := parsed.(type) {
	case protocol.Ping:
		a.handlePing(ctx, msg.Channel)
	case protocol.Clear:
		if !protocol.Addresses(m.Target, a.opts.Identity) {
			return
		}
		a.mu.Lock()
		if a.inGroupLocked(msg.Channel) {
			a.logger.Info("cleared by coordinator", "group", a.group, "target", m.Target)
			a.resetLocked(ctx)
		}
		a.mu.Unlock()
	case protocol.Payload:
		a.mu.Lock()
		if a.inGroupLocked(msg.Channel) {
			a.applyWorkLocked(m.Start)
		}
		a.mu.Unlock()
	case protocol.Terminate:
		if !protocol.Addresses(m.Target, a.opts.Identity) {
			return
		}
		a.mu.Lock()
		current := a.inGroupLocked(msg.Channel)
		a.mu.Unlock()
		if current {
			a.terminate()
		}
	}
}

// inGroupLocked reports whether a group command arrived on the channel the
// agent is currently assigned to. Messages still queued from an earlier
// group are ignored.
func (a *Agent) inGroupLocked(from string) bool {
	return a.state == Assigned && a.group == from
}

// handlePing answers with the time the ping was received.
func (a *Agent) handlePing(ctx context.Context, from string) {
	a.mu.Lock()
	if !a.inGroupLocked(from) {
		a.mu.Unlock()
		return
	}
	received := a.now()
	a.lastPing = received
	pong := protocol.Pong{Channel: a.group, Identity: a.opts.Identity, Origin: received}
	broadcast := a.broadcast
	a.mu.Unlock()

	if err := a.transport.Send(ctx, broadcast, pong.Encode()); err != nil {
		a.logger.Warn("pong failed", "error", err)
	}
}

// resetLocked leaves the group and schedules a return to Searching after a
// random backoff.
func (a *Agent) resetLocked(ctx context.Context) {
	a.transport.Unsubscribe(a.groupSub)
	a.groupSub = channel.Subscription{}
	if err := a.transport.Leave(ctx, a.group); err != nil {
		a.logger.Warn("failed to leave group", "group", a.group, "error", err)
	}
	a.group = ""
	a.state = Backoff
	a.generation++

	gen := a.generation
	delay := a.jitter(a.opts.BackoffMin, a.opts.BackoffMax)
	a.backoff = time.AfterFunc(delay, func() { a.resume(gen) })
	a.logger.Debug("backing off", "delay", delay)
}

func (a *Agent) resume(gen uint64) {
	a.mu.Lock()
	if a.state != Backoff || a.generation != gen {
		a.mu.Unlock()
		return
	}
	a.state = Searching
	a.broadcastSub = a.transport.Subscribe(a.broadcast, a.handleBroadcast)
	a.mu.Unlock()

	a.signalWake()
}

// signalWake asks the loop to announce now. It never blocks.
func (a *Agent) signalWake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) applyWorkLocked(enabled bool) {
	if a.task == nil {
		a.logger.Debug("no task configured, ignoring work status", "enabled", enabled)
		return
	}
	var err error
	if enabled {
		err = a.task.Start()
	} else {
		err = a.task.Stop()
	}
	if err != nil {
		a.logger.Warn("task control failed", "start", enabled, "error", err)
	}
}

func (a *Agent) terminate() {
	a.termOnce.Do(func() {
		a.mu.Lock()
		a.state = Terminated
		if a.backoff != nil {
			a.backoff.Stop()
		}
		a.mu.Unlock()

		a.logger.Info("terminated by coordinator")
		close(a.terminated)
	})
}

// shutdown announces a graceful departure when still assigned, leaves the
// group and stops the task.
func (a *Agent) shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	a.mu.Lock()
	wasAssigned := a.state == Assigned
	group := a.group
	broadcast := a.broadcast
	a.transport.Unsubscribe(a.broadcastSub)
	a.transport.Unsubscribe(a.groupSub)
	a.broadcastSub, a.groupSub = channel.Subscription{}, channel.Subscription{}
	if a.backoff != nil {
		a.backoff.Stop()
	}
	if a.state != Terminated {
		a.state = Terminated
	}
	a.group = ""
	a.mu.Unlock()

	if wasAssigned {
		bye := protocol.Disconnect{Channel: group, Identity: a.opts.Identity}
		if err := a.transport.Send(ctx, broadcast, bye.Encode()); err != nil {
			a.logger.Warn("failed to announce departure", "error", err)
		}
	}
	if group != "" {
		if err := a.transport.Leave(ctx, group); err != nil {
			a.logger.Debug("failed to leave group on shutdown", "error", err)
		}
	}
	if a.task != nil {
		if err := a.task.Stop(); err != nil {
			a.logger.Warn("failed to stop task", "error", err)
		}
	}
	a.logger.Info("agent stopped")
}
