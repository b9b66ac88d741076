package coordinator

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
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bodies...)
}

func (r *recorder) has(body string) bool {
	for _, b := range r.all() {
		if b == body {
			return true
		}
	}
	return false
}

func (r *recorder) withPrefix(prefix string) []string {
	var out []string
	for _, b := range r.all() {
		if strings.HasPrefix(b, prefix) {
			out = append(out, b)
		}
	}
	return out
}

type fixture struct {
	coord     *Coordinator
	hub       *channel.Hub
	store     *store.MockStore
	observer  *channel.Endpoint
	broadcast string
	seen      *recorder
}

var testOptions = Options{
	BroadcastRoom: "#muster",
	PingInterval:  20 * time.Millisecond,
	GracePeriod:   40 * time.Millisecond,
	PongSlack:     10 * time.Millisecond,
}

// newFixture starts a coordinator on a Hub and joins an observer endpoint
// to the broadcast channel.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithStore(t, opts, store.NewMockStore())
}

func newFixtureWithStore(t *testing.T, opts Options, s *store.MockStore) *fixture {
	t.Helper()
	ctx := context.Background()

	hub := channel.NewHub(testLogger())
	c := New(opts, hub.Endpoint("coordinator"), s, nil, testLogger())
	require.NoError(t, c.Start(ctx))

	observer := hub.Endpoint("observer")
	broadcast, err := observer.Join(ctx, opts.BroadcastRoom)
	require.NoError(t, err)
	require.Equal(t, c.BroadcastChannel(), broadcast)

	seen := &recorder{}
	observer.Subscribe(broadcast, seen.handle)

	return &fixture{
		coord:     c,
		hub:       hub,
		store:     s,
		observer:  observer,
		broadcast: broadcast,
		seen:      seen,
	}
}

// group creates a group and subscribes a recorder to its channel.
func (f *fixture) group(t *testing.T, label string) (GroupInfo, *recorder) {
	t.Helper()
	ctx := context.Background()

	g, err := f.coord.CreateGroup(ctx, label)
	require.NoError(t, err)
	_, err = f.observer.Join(ctx, g.Channel)
	require.NoError(t, err)

	rec := &recorder{}
	f.observer.Subscribe(g.Channel, rec.handle)
	return g, rec
}

// enroll registers identity directly in label's registry.
func (f *fixture) enroll(t *testing.T, label string, ids ...string) {
	t.Helper()
	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()

	g, ok := f.coord.groups[label]
	require.True(t, ok, "group %s", label)
	for _, id := range ids {
		g.members.Add(id, protocol.Metadata{Identity: id, Hostname: "host-" + id})
	}
}

func (f *fixture) members(label string) []string {
	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()

	g, ok := f.coord.groups[label]
	if !ok {
		return nil
	}
	var ids []string
	for _, rec := range g.members.Records() {
		ids = append(ids, rec.Identity)
	}
	return ids
}

func connect(id string) protocol.Connect {
	return protocol.Connect{Meta: protocol.Metadata{Identity: id, Hostname: "host-" + id}}
}

const eventually = time.Second
const tick = 5 * time.Millisecond

func clearAll() protocol.Clear {
	return protocol.Clear{Target: protocol.TargetAll}
}
