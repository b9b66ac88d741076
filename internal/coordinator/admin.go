// ABOUTME: Administrative operations on work groups: create, delete, clear, work toggles and disconnects.
// ABOUTME: Each operation holds the membership lock for its whole duration, so handlers shed traffic meanwhile.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/registry"
	"github.com/2389/muster/internal/store"
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// GroupInfo is a snapshot of one group.
type GroupInfo struct {
	Label       string
	Channel     string
	WorkEnabled bool
	Members     []registry.Record
}

func (g *group) info() GroupInfo {
	return GroupInfo{
		Label:       g.label,
		Channel:     g.channel,
		WorkEnabled: g.workEnabled,
		Members:     g.members.Records(),
	}
}

// Groups returns a snapshot of every group ordered by label.
func (c *Coordinator) Groups() []GroupInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]GroupInfo, 0, len(c.groups))
	for _, label := range c.labelsLocked() {
		out = append(out, c.groups[label].info())
	}
	return out
}

// Group returns a snapshot of one group.
func (c *Coordinator) Group(label string) (GroupInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return GroupInfo{}, ErrGroupNotFound
	}
	return g.info(), nil
}

// CreateGroup creates a private channel named after label and persists the group.
func (c *Coordinator) CreateGroup(ctx context.Context, label string) (GroupInfo, error) {
	if !labelPattern.MatchString(label) {
		return GroupInfo{}, fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.groups[label]; exists {
		return GroupInfo{}, ErrGroupExists
	}

	var invite []string
	if c.opts.BotUser != "" {
		invite = []string{c.opts.BotUser}
	}
	channelID, err := c.transport.Create(ctx, c.opts.RoomPrefix+label, invite)
	if err != nil {
		return GroupInfo{}, fmt.Errorf("creating channel for group %s: %w", label, err)
	}

	err = c.store.CreateGroup(ctx, &store.Group{Label: label, ChannelID: channelID})
	if err != nil {
		if leaveErr := c.transport.Leave(ctx, channelID); leaveErr != nil {
			c.logger.Warn("failed to leave orphaned channel", "channel", channelID, "error", leaveErr)
		}
		if errors.Is(err, store.ErrDuplicateGroup) {
			return GroupInfo{}, ErrGroupExists
		}
		return GroupInfo{}, fmt.Errorf("saving group %s: %w", label, err)
	}

	g := c.addGroupLocked(label, channelID, false)
	c.logger.Info("group created", "group", label, "channel", channelID)
	return g.info(), nil
}

// DeleteGroup clears the group's agents, leaves its channel and forgets it.
func (c *Coordinator) DeleteGroup(ctx context.Context, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return ErrGroupNotFound
	}

	if err := c.store.DeleteGroup(ctx, label); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting group %s: %w", label, err)
	}

	members := g.members.Records()
	c.commandGroupLocked(ctx, g, protocol.Clear{Target: protocol.TargetAll})
	g.members.Clear()
	if err := c.transport.Leave(ctx, g.channel); err != nil {
		c.logger.Warn("failed to leave group channel", "group", label, "error", err)
	}
	c.removeGroupLocked(g)

	for _, rec := range members {
		c.audit(ctx, store.EventCleared, label, rec.Identity, "group deleted")
	}
	c.logger.Info("group deleted", "group", label, "cleared", len(members))
	return nil
}

// ClearGroup tells every agent in the group to re-announce and empties its
// registry. It returns the number of agents cleared.
func (c *Coordinator) ClearGroup(ctx context.Context, label string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return 0, ErrGroupNotFound
	}
	return c.clearLocked(ctx, g)
}

func (c *Coordinator) clearLocked(ctx context.Context, g *group) (int, error) {
	members := g.members.Records()
	if err := c.commandGroupLocked(ctx, g, protocol.Clear{Target: protocol.TargetAll}); err != nil {
		return 0, err
	}
	n := g.members.Clear()
	c.metrics.SetMembers(g.label, 0)

	for _, rec := range members {
		c.audit(ctx, store.EventCleared, g.label, rec.Identity, "group cleared")
	}
	c.logger.Info("group cleared", "group", g.label, "cleared", n)
	return n, nil
}

// clearOneLocked tells a single member to re-announce and forgets it.
func (c *Coordinator) clearOneLocked(ctx context.Context, g *group, identity string) error {
	if !g.members.Contains(identity) {
		return ErrAgentNotFound
	}
	if err := c.commandGroupLocked(ctx, g, protocol.Clear{Target: identity}); err != nil {
		return err
	}
	g.members.Remove(identity)
	c.metrics.SetMembers(g.label, g.members.Len())
	c.audit(ctx, store.EventCleared, g.label, identity, "cleared by operator")
	c.logger.Info("agent cleared", "group", g.label, "identity", identity)
	return nil
}

// SetWork flips the group's work flag and tells its agents to start or stop.
func (c *Coordinator) SetWork(ctx context.Context, label string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return ErrGroupNotFound
	}
	return c.setWorkLocked(ctx, g, enabled)
}

// SetWorkAll applies SetWork to every group.
func (c *Coordinator) SetWorkAll(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.groups) == 0 {
		return ErrNoGroups
	}

	var errs []error
	for _, label := range c.labelsLocked() {
		if err := c.setWorkLocked(ctx, c.groups[label], enabled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) setWorkLocked(ctx context.Context, g *group, enabled bool) error {
	if err := c.store.SetGroupWork(ctx, g.label, enabled); err != nil {
		return fmt.Errorf("saving work flag for %s: %w", g.label, err)
	}
	g.workEnabled = enabled
	c.logger.Info("group work toggled", "group", g.label, "enabled", enabled)
	return c.commandGroupLocked(ctx, g, protocol.Payload{Start: enabled})
}

// DisconnectAgents tells one agent, or every agent when identity is empty,
// to exit, and removes them from the group.
func (c *Coordinator) DisconnectAgents(ctx context.Context, label, identity string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return 0, ErrGroupNotFound
	}
	return c.disconnectLocked(ctx, g, identity)
}

func (c *Coordinator) disconnectLocked(ctx context.Context, g *group, identity string) (int, error) {
	var targets []string
	if identity == "" {
		for _, rec := range g.members.Records() {
			targets = append(targets, rec.Identity)
		}
	} else {
		if !g.members.Contains(identity) {
			return 0, ErrAgentNotFound
		}
		targets = []string{identity}
	}

	if err := c.commandGroupLocked(ctx, g, protocol.Terminate{Target: identity}); err != nil {
		return 0, err
	}
	for _, id := range targets {
		g.members.Remove(id)
		c.audit(ctx, store.EventDisconnected, g.label, id, "ordered by operator")
	}
	c.metrics.SetMembers(g.label, g.members.Len())
	c.logger.Info("agents disconnected", "group", g.label, "count", len(targets))
	return len(targets), nil
}

// Command issues a group command to one group. Commands carry the same
// bookkeeping as the dedicated operations: PAYLOAD persists the work flag,
// CLEAR and DISCONNECT drop the addressed agents from the registry.
func (c *Coordinator) Command(ctx context.Context, label string, msg protocol.Message) error {
	if err := checkCommand(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[label]
	if !ok {
		return ErrGroupNotFound
	}
	return c.issueLocked(ctx, g, msg)
}

// Broadcast issues a group command to every group. A CLEAR or DISCONNECT
// naming one agent only reaches the group holding it.
func (c *Coordinator) Broadcast(ctx context.Context, msg protocol.Message) error {
	if err := checkCommand(msg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.groups) == 0 {
		return ErrNoGroups
	}

	target := commandTarget(msg)
	var errs []error
	reached := false
	for _, label := range c.labelsLocked() {
		g := c.groups[label]
		if target != "" && !g.members.Contains(target) {
			continue
		}
		reached = true
		if err := c.issueLocked(ctx, g, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if !reached {
		return ErrAgentNotFound
	}
	return errors.Join(errs...)
}

func (c *Coordinator) issueLocked(ctx context.Context, g *group, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Payload:
		return c.setWorkLocked(ctx, g, m.Start)
	case protocol.Clear:
		if id := commandTarget(m); id != "" {
			return c.clearOneLocked(ctx, g, id)
		}
		_, err := c.clearLocked(ctx, g)
		return err
	case protocol.Terminate:
		_, err := c.disconnectLocked(ctx, g, commandTarget(m))
		return err
	}
	return fmt.Errorf("%w: %T", ErrInvalidCommand, msg)
}

// checkCommand accepts the operator commands. PING is reserved for the
// detector, whose ping window would reject the answers.
func checkCommand(msg protocol.Message) error {
	switch msg.(type) {
	case protocol.Payload, protocol.Clear, protocol.Terminate:
		return nil
	}
	return fmt.Errorf("%w: %T", ErrInvalidCommand, msg)
}

// commandTarget returns the single identity a CLEAR or DISCONNECT addresses,
// or "" when it addresses everyone.
func commandTarget(msg protocol.Message) string {
	var target string
	switch m := msg.(type) {
	case protocol.Clear:
		target = m.Target
	case protocol.Terminate:
		target = m.Target
	}
	if target == protocol.TargetAll {
		return ""
	}
	return target
}

// Audit lists recorded membership events.
func (c *Coordinator) Audit(ctx context.Context, f store.EventFilter) ([]*store.MembershipEvent, error) {
	return c.store.ListEvents(ctx, f)
}

// commandGroupLocked sends msg to g. Sending to an empty group is a no-op.
func (c *Coordinator) commandGroupLocked(ctx context.Context, g *group, msg protocol.Message) error {
	if g.members.Len() == 0 {
		return nil
	}
	if err := c.send(ctx, g.channel, msg); err != nil {
		return fmt.Errorf("sending to group %s: %w", g.label, err)
	}
	return nil
}
