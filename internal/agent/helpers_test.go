package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTask records Start/Stop calls.
type fakeTask struct {
	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (f *fakeTask) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.running = true
	return nil
}

func (f *fakeTask) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeTask) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTask) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
}

func (r *recorder) handle(_ context.Context, msg channel.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, msg.Body)
}

func (r *recorder) withPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.bodies {
		if strings.HasPrefix(b, prefix) {
			out = append(out, b)
		}
	}
	return out
}

var fastOptions = Options{
	BroadcastRoom:    "#muster",
	AnnounceInterval: 10 * time.Millisecond,
	PingPeriod:       time.Hour,
	StaleAfter:       3,
	BackoffMin:       5 * time.Millisecond,
	BackoffMax:       15 * time.Millisecond,
}

// harness runs one agent against a scripted coordinator endpoint.
type harness struct {
	hub       *channel.Hub
	coord     *channel.Endpoint
	broadcast string
	seen      *recorder
	agent     *Agent
	task      *fakeTask
	cancel    context.CancelFunc
	done      chan error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, func(e *channel.Endpoint) channel.Transport { return e })
}

// newHarnessWith lets a test wrap the agent's transport.
func newHarnessWith(t *testing.T, opts Options, wrap func(*channel.Endpoint) channel.Transport) *harness {
	t.Helper()
	ctx := context.Background()

	hub := channel.NewHub(testLogger())
	coord := hub.Endpoint("coordinator")
	broadcast, err := coord.Join(ctx, opts.BroadcastRoom)
	require.NoError(t, err)

	seen := &recorder{}
	coord.Subscribe(broadcast, seen.handle)

	tk := &fakeTask{}
	if opts.Identity == "" {
		opts.Identity = "agent-1"
	}
	a := New(opts, wrap(hub.Endpoint("agent")), tk, testLogger())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()
	t.Cleanup(cancel)

	return &harness{
		hub:       hub,
		coord:     coord,
		broadcast: broadcast,
		seen:      seen,
		agent:     a,
		task:      tk,
		cancel:    cancel,
		done:      done,
	}
}

// room creates a group channel owned by the scripted coordinator.
func (h *harness) room(t *testing.T, name string) (string, *recorder) {
	t.Helper()
	id, err := h.coord.Create(context.Background(), name, nil)
	require.NoError(t, err)
	rec := &recorder{}
	h.coord.Subscribe(id, rec.handle)
	return id, rec
}

func (h *harness) say(t *testing.T, channelID, body string) {
	t.Helper()
	require.NoError(t, h.coord.Send(context.Background(), channelID, body))
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.agent.State() == want }, time.Second, 2*time.Millisecond,
		"agent never reached %s", want)
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
		return nil
	}
}

// gatedJoin holds joins of group rooms (IDs starting with "!") until release
// is closed or the join's context ends.
type gatedJoin struct {
	*channel.Endpoint
	release chan struct{}
	waiting chan struct{}
}

func newGatedJoin(e *channel.Endpoint) *gatedJoin {
	return &gatedJoin{Endpoint: e, release: make(chan struct{}), waiting: make(chan struct{}, 1)}
}

func (g *gatedJoin) Join(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "!") {
		select {
		case g.waiting <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.Endpoint.Join(ctx, ref)
}
