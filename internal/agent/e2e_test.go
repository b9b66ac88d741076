// ABOUTME: End-to-end rendezvous tests running a real coordinator and agents on one Hub.
// ABOUTME: Covers assignment, liveness across ping rounds, clears and ordered termination.

package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/channel"
	"github.com/2389/muster/internal/coordinator"
	"github.com/2389/muster/internal/store"
)

type cluster struct {
	hub    *channel.Hub
	coord  *coordinator.Coordinator
	agents []*Agent
	tasks  []*fakeTask
	errs   []chan error
	cancel context.CancelFunc
}

func newCluster(t *testing.T, agents int, labels ...string) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := channel.NewHub(testLogger())
	coord := coordinator.New(coordinator.Options{
		BroadcastRoom: "#muster",
		PingInterval:  20 * time.Millisecond,
		GracePeriod:   40 * time.Millisecond,
		PongSlack:     20 * time.Millisecond,
	}, hub.Endpoint("coordinator"), store.NewMockStore(), nil, testLogger())

	require.NoError(t, coord.Start(ctx))
	for _, l := range labels {
		_, err := coord.CreateGroup(ctx, l)
		require.NoError(t, err)
	}
	go func() { _ = coord.Run(ctx) }()

	c := &cluster{hub: hub, coord: coord, cancel: cancel}
	for i := range agents {
		opts := fastOptions
		opts.Identity = fmt.Sprintf("agent-%d", i)
		opts.PingPeriod = 60 * time.Millisecond
		tk := &fakeTask{}
		a := New(opts, hub.Endpoint(opts.Identity), tk, testLogger())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()

		c.agents = append(c.agents, a)
		c.tasks = append(c.tasks, tk)
		c.errs = append(c.errs, done)
	}
	return c
}

// membership maps identity to the channel of the group holding it.
func (c *cluster) membership() map[string]string {
	out := map[string]string{}
	for _, g := range c.coord.Groups() {
		for _, rec := range g.Members {
			out[rec.Identity] = g.Channel
		}
	}
	return out
}

// converged reports whether every agent is assigned and the coordinator
// agrees on where.
func (c *cluster) converged() bool {
	m := c.membership()
	if len(m) != len(c.agents) {
		return false
	}
	for _, a := range c.agents {
		if a.State() != Assigned || m[a.Identity()] != a.Group() {
			return false
		}
	}
	return true
}

func TestE2E_AgentsAssignedAndSurvivePingRounds(t *testing.T) {
	c := newCluster(t, 4, "A", "B")

	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)

	// Several ping rounds later everyone is still assigned.
	time.Sleep(200 * time.Millisecond)
	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)
}

func TestE2E_WorkEnabledGroupStartsTasks(t *testing.T) {
	c := newCluster(t, 0, "A")
	require.NoError(t, c.coord.SetWork(context.Background(), "A", true))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := fastOptions
	opts.Identity = "worker"
	opts.PingPeriod = 60 * time.Millisecond
	tk := &fakeTask{}
	a := New(opts, c.hub.Endpoint("worker"), tk, testLogger())
	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, tk.Running, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, c.coord.SetWork(context.Background(), "A", false))
	require.Eventually(t, func() bool { return !tk.Running() }, 3*time.Second, 5*time.Millisecond)
}

func TestE2E_ClearGroupReassigns(t *testing.T) {
	c := newCluster(t, 3, "A")
	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)

	n, err := c.coord.ClearGroup(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Agents back off, re-announce and are assigned again.
	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)
}

func TestE2E_ShutdownRemovesAgentFromRegistry(t *testing.T) {
	c := newCluster(t, 0, "A")

	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOptions
	opts.Identity = "leaver"
	opts.PingPeriod = 60 * time.Millisecond
	a := New(opts, c.hub.Endpoint("leaver"), nil, testLogger())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return c.membership()["leaver"] != "" }, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return c.membership()["leaver"] == "" }, 3*time.Second, 5*time.Millisecond)
}

func TestE2E_DisconnectTerminatesAgents(t *testing.T) {
	c := newCluster(t, 3, "A")
	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)

	_, err := c.coord.DisconnectAgents(context.Background(), "A", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i, done := range c.errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrTerminated, "agent %d", i)
			case <-time.After(3 * time.Second):
				t.Errorf("agent %d did not terminate", i)
			}
		}()
	}
	wg.Wait()
	assert.Empty(t, c.membership())
}

func TestE2E_LostAgentIsEvicted(t *testing.T) {
	c := newCluster(t, 2, "A")
	require.Eventually(t, c.converged, 3*time.Second, 5*time.Millisecond)

	// Drop every PONG from agent-0, as if it had lost connectivity.
	c.hub.SetFilter(func(m channel.Message) bool {
		return !(m.Sender == "agent-0" && len(m.Body) > 5 && m.Body[:5] == "PONG:")
	})

	require.Eventually(t, func() bool {
		_, present := c.membership()["agent-0"]
		return !present
	}, 3*time.Second, 5*time.Millisecond)
}
