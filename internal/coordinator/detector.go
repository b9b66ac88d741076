// ABOUTME: Mark/ping/sweep failure detector covering every group.
// ABOUTME: Each cycle marks members inactive, pings non-empty groups, waits the grace period, then sweeps.

package coordinator

import (
	"context"
	"time"

	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/store"
)

type eviction struct {
	label      string
	identities []string
	remaining  int
}

// detect runs ping rounds until ctx is cancelled. Cycles are separated by
// the ping interval, so an agent sees a PING every interval+grace.
func (c *Coordinator) detect(ctx context.Context) {
	timer := time.NewTimer(c.opts.PingInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.pingRound(ctx)
		timer.Reset(c.opts.PingInterval)
	}
}

func (c *Coordinator) pingRound(ctx context.Context) {
	started := time.Now()

	targets := c.beginRound()
	for _, ch := range targets {
		c.sendCommand(ctx, ch, protocol.Ping{})
	}

	grace := time.NewTimer(c.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	c.endRound(ctx)
	c.metrics.PingRound(time.Since(started).Seconds())
}

// beginRound marks every member inactive, advances the epoch and returns the
// channels of groups that have members to ping.
func (c *Coordinator) beginRound() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, g := range c.groups {
		g.members.MarkAllInactive()
	}
	if now := c.now(); now.After(c.epoch) {
		c.epoch = now
	}

	var targets []string
	for _, label := range c.labelsLocked() {
		if g := c.groups[label]; g.members.Len() > 0 {
			targets = append(targets, g.channel)
		}
	}

	c.logger.Debug("ping round started", "epoch", c.epoch, "groups", len(targets))
	return targets
}

// endRound sweeps every member that did not answer since beginRound.
func (c *Coordinator) endRound(ctx context.Context) []eviction {
	c.mu.Lock()
	var evictions []eviction
	for _, label := range c.labelsLocked() {
		g := c.groups[label]
		gone := g.members.Sweep()
		if len(gone) == 0 {
			continue
		}
		c.metrics.SetMembers(label, g.members.Len())
		evictions = append(evictions, eviction{label: label, identities: gone, remaining: g.members.Len()})
	}
	c.mu.Unlock()

	for _, ev := range evictions {
		c.metrics.Evicted(ev.label, len(ev.identities))
		c.logger.Info("evicted silent agents",
			"group", ev.label,
			"evicted", ev.identities,
			"remaining", ev.remaining,
		)
		for _, id := range ev.identities {
			c.audit(ctx, store.EventEvicted, ev.label, id, "no pong within grace period")
		}
	}
	return evictions
}

// Epoch returns the start of the current ping window.
func (c *Coordinator) Epoch() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}
