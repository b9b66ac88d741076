// ABOUTME: Coordinator owns the work groups, their membership registries and the round epoch.
// ABOUTME: Run joins the broadcast channel, restores groups and drives the failure detector.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/registry"
	"github.com/2389/muster/internal/store"
)

var (
	// ErrGroupExists indicates a group with the same label already exists.
	ErrGroupExists = errors.New("group already exists")
	// ErrGroupNotFound indicates the label does not name a group.
	ErrGroupNotFound = errors.New("group not found")
	// ErrNoGroups indicates an operation needed at least one group.
	ErrNoGroups = errors.New("no groups defined")
	// ErrAgentNotFound indicates the identity is not registered in the group.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrInvalidLabel indicates a group label that cannot name a channel.
	ErrInvalidLabel = errors.New("invalid group label")
	// ErrInvalidCommand indicates a message that is not a group command.
	ErrInvalidCommand = errors.New("not a group command")
)

// Options configures a Coordinator. Zero durations fall back to defaults.
type Options struct {
	BroadcastRoom string
	RoomPrefix    string
	BotUser       string
	PingInterval  time.Duration
	GracePeriod   time.Duration
	PongSlack     time.Duration
}

const (
	defaultPingInterval = 15 * time.Second
	defaultGracePeriod  = 30 * time.Second
	defaultPongSlack    = 5 * time.Second
	defaultRoomPrefix   = "cmd_"
)

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	if o.PongSlack < 0 {
		o.PongSlack = 0
	} else if o.PongSlack == 0 {
		o.PongSlack = defaultPongSlack
	}
	if o.RoomPrefix == "" {
		o.RoomPrefix = defaultRoomPrefix
	}
}

type group struct {
	label       string
	channel     string
	workEnabled bool
	members     *registry.Registry
}

// Coordinator assigns announcing agents to groups and evicts silent ones.
type Coordinator struct {
	opts      Options
	transport channel.Transport
	store     store.Store
	metrics   *metrics.Collector
	logger    *slog.Logger

	// mu guards every group and registry below. Message handlers only
	// TryLock it; admin operations and the detector block on it.
	mu        sync.Mutex
	groups    map[string]*group
	byChannel map[string]*group
	epoch     time.Time

	broadcast    string
	broadcastSub channel.Subscription
	started      atomic.Bool

	now  func() time.Time
	pick func(n int) int
}

// New creates a Coordinator. A nil collector gets a private one.
func New(opts Options, transport channel.Transport, s store.Store, m *metrics.Collector, logger *slog.Logger) *Coordinator {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewCollector("muster")
	}
	return &Coordinator{
		opts:      opts,
		transport: transport,
		store:     s,
		metrics:   m,
		logger:    logger.With("component", "coordinator"),
		groups:    make(map[string]*group),
		byChannel: make(map[string]*group),
		now:       time.Now,
		pick:      rand.IntN,
	}
}

// Options returns the effective options after defaults.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Metrics returns the collector the coordinator reports to.
func (c *Coordinator) Metrics() *metrics.Collector {
	return c.metrics
}

// Start joins the broadcast channel, restores persisted groups and begins
// handling broadcast traffic. It does not start the detector.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.started.Load() {
		return nil
	}

	broadcast, err := c.transport.Join(ctx, c.opts.BroadcastRoom)
	if err != nil {
		return fmt.Errorf("joining broadcast channel %s: %w", c.opts.BroadcastRoom, err)
	}
	c.broadcast = broadcast

	if err := c.restore(ctx); err != nil {
		return err
	}

	c.broadcastSub = c.transport.Subscribe(broadcast, c.handleBroadcast)
	c.started.Store(true)

	c.logger.Info("coordinator started",
		"broadcast", broadcast,
		"groups", c.groupCount(),
		"ping_interval", c.opts.PingInterval,
		"grace_period", c.opts.GracePeriod,
	)
	return nil
}

// Run starts the coordinator and blocks running the transport and the
// failure detector until ctx is cancelled or either fails.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.transport.Unsubscribe(c.broadcastSub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.transport.Run(gctx)
	})
	g.Go(func() error {
		c.detect(gctx)
		return nil
	})

	err := g.Wait()
	c.logger.Info("coordinator stopped")
	return err
}

// Ready reports whether the coordinator has started and can assign agents.
func (c *Coordinator) Ready() bool {
	return c.started.Load() && c.groupCount() > 0
}

// BroadcastChannel returns the joined broadcast channel ID.
func (c *Coordinator) BroadcastChannel() string {
	return c.broadcast
}

// restore rejoins every persisted group. Membership is not persisted, so
// each restored group is told to clear and agents left over from a previous
// run re-announce.
func (c *Coordinator) restore(ctx context.Context) error {
	stored, err := c.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sg := range stored {
		if _, err := c.transport.Join(ctx, sg.ChannelID); err != nil {
			c.logger.Warn("failed to rejoin group channel",
				"group", sg.Label,
				"channel", sg.ChannelID,
				"error", err,
			)
		}
		g := c.addGroupLocked(sg.Label, sg.ChannelID, sg.WorkEnabled)
		c.sendCommand(ctx, g.channel, protocol.Clear{Target: protocol.TargetAll})
		c.logger.Info("restored group", "group", sg.Label, "channel", sg.ChannelID, "work_enabled", sg.WorkEnabled)
	}
	return nil
}

func (c *Coordinator) addGroupLocked(label, channelID string, workEnabled bool) *group {
	g := &group{
		label:       label,
		channel:     channelID,
		workEnabled: workEnabled,
		members:     registry.New(c.logger.With("group", label)),
	}
	c.groups[label] = g
	c.byChannel[channelID] = g
	c.metrics.SetGroups(len(c.groups))
	c.metrics.SetMembers(label, 0)
	return g
}

func (c *Coordinator) removeGroupLocked(g *group) {
	delete(c.groups, g.label)
	delete(c.byChannel, g.channel)
	c.metrics.SetGroups(len(c.groups))
	c.metrics.ForgetGroup(g.label)
}

// labelsLocked returns group labels in a stable order.
func (c *Coordinator) labelsLocked() []string {
	labels := make([]string, 0, len(c.groups))
	for label := range c.groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func (c *Coordinator) groupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// send delivers a message and counts failures. Errors are logged, not retried.
func (c *Coordinator) send(ctx context.Context, channelID string, msg protocol.Message) error {
	if err := c.transport.Send(ctx, channelID, msg.Encode()); err != nil {
		c.metrics.SendFailed(actionOf(msg))
		c.logger.Warn("send failed", "channel", channelID, "action", actionOf(msg), "error", err)
		return err
	}
	return nil
}

// sendCommand is send for callers that only log failures.
func (c *Coordinator) sendCommand(ctx context.Context, channelID string, msg protocol.Message) {
	_ = c.send(ctx, channelID, msg)
}

// audit appends a membership event. Failures are logged and otherwise ignored.
func (c *Coordinator) audit(ctx context.Context, kind store.EventKind, label, identity, detail string) {
	err := c.store.AppendEvent(context.WithoutCancel(ctx), &store.MembershipEvent{
		Kind:       kind,
		GroupLabel: label,
		Identity:   identity,
		Detail:     detail,
	})
	if err != nil {
		c.logger.Warn("failed to record membership event", "kind", kind, "group", label, "error", err)
	}
}

func actionOf(msg protocol.Message) string {
	switch msg.(type) {
	case protocol.Connect:
		return protocol.ActionConnect
	case protocol.Resolve:
		return protocol.ActionResolve
	case protocol.Ping:
		return protocol.ActionPing
	case protocol.Pong:
		return protocol.ActionPong
	case protocol.Clear:
		return protocol.ActionClear
	case protocol.Disconnect, protocol.Terminate:
		return protocol.ActionDisconnect
	case protocol.Payload:
		return protocol.ActionPayload
	}
	return "UNKNOWN"
}
