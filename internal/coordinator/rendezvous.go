// ABOUTME: Coordinator half of the rendezvous protocol: CONNECT, PONG and DISCONNECT handling.
// ABOUTME: Handlers try-lock the membership state and drop the message when it is busy.

package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/store"
)

func (c *Coordinator) handleBroadcast(ctx context.Context, msg channel.Message) {
	parsed, err := protocol.Parse(msg.Body)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownAction) {
			c.logger.Debug("ignoring malformed message", "sender", msg.Sender, "error", err)
		}
		return
	}

	switch m := parsed.(type) {
	case protocol.Connect:
		c.handleConnect(ctx, m)
	case protocol.Pong:
		c.handlePong(ctx, m)
	case protocol.Disconnect:
		c.handleDisconnect(ctx, m)
	case protocol.Resolve:
		// Our own assignments echoed back.
	}
}

// handleConnect assigns the announcing agent to a uniformly random group.
func (c *Coordinator) handleConnect(ctx context.Context, m protocol.Connect) {
	meta := m.Meta.Normalized()
	identity := meta.Identity

	if !c.mu.TryLock() {
		c.metrics.Dropped(protocol.ActionConnect)
		c.logger.Debug("membership busy, dropping connect", "identity", identity)
		return
	}
	if len(c.groups) == 0 {
		c.mu.Unlock()
		c.logger.Debug("no groups, dropping connect", "identity", identity)
		return
	}

	labels := c.labelsLocked()
	g := c.groups[labels[c.pick(len(labels))]]

	// A record lives in at most one group.
	for _, other := range c.groups {
		if other != g && other.members.Remove(identity) {
			c.metrics.SetMembers(other.label, other.members.Len())
		}
	}
	g.members.Add(identity, meta)
	c.metrics.SetMembers(g.label, g.members.Len())

	resolve := protocol.Resolve{
		Identity:    identity,
		WorkEnabled: g.workEnabled,
		Channel:     g.channel,
	}
	label := g.label
	c.mu.Unlock()

	c.metrics.Assigned(label)
	c.logger.Info("agent assigned",
		"identity", identity,
		"group", label,
		"hostname", meta.Hostname,
		"platform", meta.Platform,
	)
	c.sendCommand(ctx, c.broadcast, resolve)
	c.audit(ctx, store.EventAssigned, label, identity, meta.Hostname)
}

// handlePong accepts a liveness response whose origin falls inside the
// current ping window. Anything else tells the agent to clear.
func (c *Coordinator) handlePong(ctx context.Context, m protocol.Pong) {
	if !c.mu.TryLock() {
		c.metrics.Dropped(protocol.ActionPong)
		c.logger.Debug("membership busy, dropping pong", "identity", m.Identity)
		return
	}

	g, known := c.byChannel[m.Channel]
	var (
		label  string
		result string
		reason string
	)
	switch {
	case !known:
		result, reason = metrics.PongUnknown, "unknown group"
	case !c.inWindowLocked(m.Origin):
		result, reason = metrics.PongLate, "outside ping window"
		label = g.label
		if g.members.Remove(m.Identity) {
			c.metrics.SetMembers(g.label, g.members.Len())
		}
	case g.members.MarkActive(m.Identity):
		result = metrics.PongAccepted
	default:
		result, reason = metrics.PongUnknown, "unknown identity"
		label = g.label
	}
	c.mu.Unlock()

	c.metrics.Pong(result)
	if result == metrics.PongAccepted {
		return
	}

	c.logger.Info("rejected pong",
		"identity", m.Identity,
		"channel", m.Channel,
		"origin", m.Origin,
		"reason", reason,
	)
	if known {
		c.sendCommand(ctx, m.Channel, protocol.Clear{Target: m.Identity})
	}
	c.audit(ctx, store.EventRejectedPong, label, m.Identity, reason)
}

// inWindowLocked reports whether origin lies in [epoch, epoch+grace+slack].
func (c *Coordinator) inWindowLocked(origin time.Time) bool {
	if c.epoch.IsZero() || origin.Before(c.epoch) {
		return false
	}
	return !origin.After(c.epoch.Add(c.opts.GracePeriod + c.opts.PongSlack))
}

// handleDisconnect removes an agent that announced its departure.
func (c *Coordinator) handleDisconnect(ctx context.Context, m protocol.Disconnect) {
	if !c.mu.TryLock() {
		c.metrics.Dropped(protocol.ActionDisconnect)
		c.logger.Debug("membership busy, dropping disconnect", "identity", m.Identity)
		return
	}

	g, ok := c.byChannel[m.Channel]
	removed := ok && g.members.Remove(m.Identity)
	var label string
	if removed {
		label = g.label
		c.metrics.SetMembers(label, g.members.Len())
	}
	c.mu.Unlock()

	if !removed {
		return
	}
	c.metrics.Departed(label)
	c.logger.Info("agent disconnected", "identity", m.Identity, "group", label)
	c.audit(ctx, store.EventDisconnected, label, m.Identity, "")
}
