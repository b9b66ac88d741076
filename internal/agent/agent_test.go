// ABOUTME: Tests for the agent state machine against a scripted coordinator.
// ABOUTME: Covers resolve handling, pings, clears with backoff, staleness and termination.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/protocol"
)

func TestAgent_AnnouncesWhileSearching(t *testing.T) {
	h := newHarness(t, fastOptions)

	require.Eventually(t, func() bool { return len(h.seen.withPrefix("CONNECT:")) >= 3 }, time.Second, 2*time.Millisecond)

	msg, err := protocol.Parse(h.seen.withPrefix("CONNECT:")[0])
	require.NoError(t, err)
	meta := msg.(protocol.Connect).Meta
	assert.Equal(t, "agent-1", meta.Identity)
	assert.Equal(t, protocol.Unknown, meta.Hostname)
	assert.Equal(t, Searching, h.agent.State())
}

func TestAgent_ResolveJoinsGroupAndStartsTask(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")

	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: room}.Encode())

	h.waitState(t, Assigned)
	assert.Equal(t, room, h.agent.Group())
	assert.Contains(t, h.hub.Members(room), "agent")
	starts, _ := h.task.counts()
	assert.Equal(t, 1, starts)

	// No more announcements once assigned.
	n := len(h.seen.withPrefix("CONNECT:"))
	time.Sleep(5 * fastOptions.AnnounceInterval)
	assert.LessOrEqual(t, len(h.seen.withPrefix("CONNECT:")), n+1)
}

func TestAgent_ResolveWithWorkDisabledStopsTask(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")

	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: false, Channel: room}.Encode())

	h.waitState(t, Assigned)
	starts, stops := h.task.counts()
	assert.Equal(t, 0, starts)
	assert.Equal(t, 1, stops)
}

func TestAgent_DuplicateResolveStartsTaskOnce(t *testing.T) {
	h := newHarness(t, fastOptions)
	first, _ := h.room(t, "cmd_a")
	second, _ := h.room(t, "cmd_b")

	resolve := protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: first}.Encode()
	h.say(t, h.broadcast, resolve)
	h.say(t, h.broadcast, resolve)
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: second}.Encode())

	h.waitState(t, Assigned)
	time.Sleep(30 * time.Millisecond)

	starts, _ := h.task.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, first, h.agent.Group())
	assert.NotContains(t, h.hub.Members(second), "agent")
}

func TestAgent_IgnoresResolveForOthers(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")

	h.say(t, h.broadcast, protocol.Resolve{Identity: "someone-else", WorkEnabled: true, Channel: room}.Encode())

	assert.Never(t, func() bool { return h.agent.State() != Searching }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAgent_AnswersPing(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	before := time.Now()
	h.say(t, room, protocol.Ping{}.Encode())

	require.Eventually(t, func() bool { return len(h.seen.withPrefix("PONG:")) == 1 }, time.Second, 2*time.Millisecond)
	after := time.Now()

	msg, err := protocol.Parse(h.seen.withPrefix("PONG:")[0])
	require.NoError(t, err)
	pong := msg.(protocol.Pong)
	assert.Equal(t, room, pong.Channel)
	assert.Equal(t, "agent-1", pong.Identity)
	assert.False(t, pong.Origin.Before(before.Truncate(time.Microsecond)))
	assert.False(t, pong.Origin.After(after))
}

func TestAgent_ClearAllLeavesAndReannounces(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	connectsBefore := len(h.seen.withPrefix("CONNECT:"))
	h.say(t, room, protocol.Clear{Target: protocol.TargetAll}.Encode())

	require.Eventually(t, func() bool {
		for _, m := range h.hub.Members(room) {
			if m == "agent" {
				return false
			}
		}
		return true
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, h.agent.Group())

	h.waitState(t, Searching)
	require.Eventually(t, func() bool {
		return len(h.seen.withPrefix("CONNECT:")) > connectsBefore
	}, time.Second, 2*time.Millisecond)

	// A fresh RESOLVE is honoured again.
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)
}

func TestAgent_ClearForOtherIdentityIgnored(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	h.say(t, room, protocol.Clear{Target: "agent-2"}.Encode())

	assert.Never(t, func() bool { return h.agent.State() != Assigned }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAgent_StaleAssignmentIsAbandoned(t *testing.T) {
	opts := fastOptions
	opts.PingPeriod = 10 * time.Millisecond
	h := newHarness(t, opts)
	room, _ := h.room(t, "cmd_a")

	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	// No PINGs arrive; after three ping periods the agent gives up.
	require.Eventually(t, func() bool { return h.agent.Group() == "" }, time.Second, 2*time.Millisecond)
	h.waitState(t, Searching)
	assert.NotContains(t, h.hub.Members(room), "agent")
}

func TestAgent_PingsKeepAssignmentFresh(t *testing.T) {
	opts := fastOptions
	opts.PingPeriod = 20 * time.Millisecond
	h := newHarness(t, opts)
	room, _ := h.room(t, "cmd_a")

	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		h.say(t, room, protocol.Ping{}.Encode())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, Assigned, h.agent.State())
}

func TestAgent_PayloadControlsTask(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	h.say(t, room, protocol.Payload{Start: true}.Encode())
	require.Eventually(t, h.task.Running, time.Second, 2*time.Millisecond)

	h.say(t, room, protocol.Payload{Start: false}.Encode())
	require.Eventually(t, func() bool { return !h.task.Running() }, time.Second, 2*time.Millisecond)
}

func TestAgent_NilTaskIsTolerated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, fastOptions)
	a := New(Options{BroadcastRoom: "#muster", Identity: "bare"}, h.hub.Endpoint("bare"), nil, testLogger())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "bare", WorkEnabled: true, Channel: room}.Encode())
	require.Eventually(t, func() bool { return a.State() == Assigned }, time.Second, 2*time.Millisecond)
	h.say(t, room, protocol.Payload{Start: true}.Encode())

	cancel()
	assert.NoError(t, <-done)
}

func TestAgent_TerminateEndsRun(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: room}.Encode())
	h.waitState(t, Assigned)

	h.say(t, room, protocol.Terminate{Target: "agent-1"}.Encode())

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not terminate")
	}
	assert.Equal(t, Terminated, h.agent.State())
	assert.False(t, h.task.Running())
	assert.Empty(t, h.seen.withPrefix("DISCONNECT:"))
}

func TestAgent_TerminateForOtherIdentityIgnored(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	h.say(t, room, protocol.Terminate{Target: "agent-2"}.Encode())

	assert.Never(t, func() bool { return h.agent.State() != Assigned }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestAgent_SlowJoinDoesNotBlockAgent(t *testing.T) {
	var gate *gatedJoin
	h := newHarnessWith(t, fastOptions, func(e *channel.Endpoint) channel.Transport {
		gate = newGatedJoin(e)
		return gate
	})
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: room}.Encode())

	select {
	case <-gate.waiting:
	case <-time.After(time.Second):
		t.Fatal("agent never tried to join")
	}

	states := make(chan State, 1)
	go func() { states <- h.agent.State() }()
	select {
	case st := <-states:
		assert.Equal(t, Joining, st)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("agent state blocked behind a pending join")
	}
	close(gate.release)
	h.waitState(t, Assigned)
	require.Eventually(t, h.task.Running, time.Second, 2*time.Millisecond)
}

func TestAgent_JoinTimeoutReturnsToSearching(t *testing.T) {
	opts := fastOptions
	opts.JoinTimeout = 20 * time.Millisecond
	var gate *gatedJoin
	h := newHarnessWith(t, opts, func(e *channel.Endpoint) channel.Transport {
		gate = newGatedJoin(e)
		return gate
	})
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: room}.Encode())

	select {
	case <-gate.waiting:
	case <-time.After(time.Second):
		t.Fatal("agent never tried to join")
	}
	h.waitState(t, Searching)

	before := len(h.seen.withPrefix("CONNECT:"))
	require.Eventually(t, func() bool {
		return len(h.seen.withPrefix("CONNECT:")) > before
	}, time.Second, 2*time.Millisecond, "agent stopped announcing after a failed join")
	starts, _ := h.task.counts()
	assert.Zero(t, starts)
}

func TestAgent_IgnoresCommandsFromPreviousGroup(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", Channel: room}.Encode())
	h.waitState(t, Assigned)

	ctx := context.Background()
	stale := "!gone:hub.local"
	h.agent.handleGroup(ctx, channel.Message{Channel: stale, Body: protocol.Payload{Start: true}.Encode()})
	h.agent.handleGroup(ctx, channel.Message{Channel: stale, Body: protocol.Terminate{Target: "agent-1"}.Encode()})
	h.agent.handleGroup(ctx, channel.Message{Channel: stale, Body: protocol.Clear{Target: protocol.TargetAll}.Encode()})

	assert.False(t, h.task.Running())
	assert.Equal(t, Assigned, h.agent.State())
	assert.Equal(t, room, h.agent.Group())
	select {
	case err := <-h.done:
		t.Fatalf("agent exited on a stale command: %v", err)
	default:
	}
}

func TestAgent_ShutdownAnnouncesDeparture(t *testing.T) {
	h := newHarness(t, fastOptions)
	room, _ := h.room(t, "cmd_a")
	h.say(t, h.broadcast, protocol.Resolve{Identity: "agent-1", WorkEnabled: true, Channel: room}.Encode())
	h.waitState(t, Assigned)

	require.NoError(t, h.stop(t))

	require.Eventually(t, func() bool {
		return len(h.seen.withPrefix("DISCONNECT:")) == 1
	}, time.Second, 2*time.Millisecond)
	msg, err := protocol.Parse(h.seen.withPrefix("DISCONNECT:")[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.Disconnect{Channel: room, Identity: "agent-1"}, msg)
	assert.False(t, h.task.Running())
}

func TestAgent_ShutdownWhileSearchingSendsNothing(t *testing.T) {
	h := newHarness(t, fastOptions)
	require.Eventually(t, func() bool { return len(h.seen.withPrefix("CONNECT:")) > 0 }, time.Second, 2*time.Millisecond)

	require.NoError(t, h.stop(t))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.seen.withPrefix("DISCONNECT:"))
}

func TestOptions_Defaults(t *testing.T) {
	var o Options
	o.applyDefaults()
	assert.Equal(t, 5*time.Second, o.AnnounceInterval)
	assert.Equal(t, 45*time.Second, o.PingPeriod)
	assert.Equal(t, 3, o.StaleAfter)
	assert.Equal(t, time.Second, o.BackoffMin)
	assert.Equal(t, 3*time.Second, o.BackoffMax)
	assert.Equal(t, 30*time.Second, o.JoinTimeout)
	assert.NotEmpty(t, o.Identity)

	o = Options{BackoffMin: 5 * time.Second, BackoffMax: time.Second}
	o.applyDefaults()
	assert.Equal(t, 5*time.Second, o.BackoffMax)
}

func TestUniformBackoff(t *testing.T) {
	for range 1000 {
		d := uniform(time.Second, 3*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Equal(t, time.Second, uniform(time.Second, time.Second))
}
