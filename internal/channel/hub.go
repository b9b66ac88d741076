// ABOUTME: In-process chat network implementing Transport for tests and local runs.
// ABOUTME: Endpoints act as separate accounts; an optional filter simulates message loss.

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Hub is an in-memory chat network. Each Endpoint is one participant.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]*hubRoom
	aliases   map[string]string
	endpoints []*Endpoint
	nextRoom  int
	nextEvent int
	filter    func(Message) bool
	logger    *slog.Logger
}

type hubRoom struct {
	name    string
	members map[*Endpoint]bool
}

// NewHub creates an empty network.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]*hubRoom),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// SetFilter installs a delivery filter. Messages for which keep returns false are lost.
// Passing nil delivers everything.
func (h *Hub) SetFilter(keep func(Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = keep
}

// Endpoint returns a new participant named user.
func (h *Hub) Endpoint(user string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep := &Endpoint{
		hub:  h,
		user: user,
		subs: newDispatcher(h.logger.With("endpoint", user)),
	}
	h.endpoints = append(h.endpoints, ep)
	return ep
}

// NewRoom creates a room without any members and returns its ID. A room name
// beginning with '#' is also registered as an alias.
func (h *Hub) NewRoom(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.newRoomLocked(name)
}

func (h *Hub) newRoomLocked(name string) string {
	h.nextRoom++
	roomID := fmt.Sprintf("!room%d:hub.local", h.nextRoom)
	h.rooms[roomID] = &hubRoom{name: name, members: make(map[*Endpoint]bool)}
	if strings.HasPrefix(name, "#") {
		h.aliases[name] = roomID
	}
	return roomID
}

// Members returns the users currently joined to roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	users := make([]string, 0, len(room.members))
	for ep := range room.members {
		users = append(users, ep.user)
	}
	return users
}

func (h *Hub) post(ctx context.Context, from *Endpoint, roomID, text string) error {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownChannel, roomID)
	}
	if !room.members[from] {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotJoined, roomID)
	}
	h.nextEvent++
	msg := Message{
		Channel: roomID,
		Sender:  from.user,
		EventID: fmt.Sprintf("$evt%d", h.nextEvent),
		Body:    text,
	}
	recipients := make([]*Endpoint, 0, len(room.members))
	for ep := range room.members {
		recipients = append(recipients, ep)
	}
	filter := h.filter
	h.mu.Unlock()

	if filter != nil && !filter(msg) {
		return nil
	}
	for _, ep := range recipients {
		ep.subs.dispatch(ctx, msg)
	}
	return nil
}

// Endpoint is one participant on a Hub. It implements Transport.
type Endpoint struct {
	hub  *Hub
	user string
	subs *dispatcher
}

var _ Transport = (*Endpoint)(nil)

// User returns the participant name.
func (e *Endpoint) User() string {
	return e.user
}

// Join joins a room by ID or alias. Unknown aliases are created.
func (e *Endpoint) Join(_ context.Context, ref string) (string, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID := ref
	if strings.HasPrefix(ref, "#") {
		var ok bool
		if roomID, ok = h.aliases[ref]; !ok {
			roomID = h.newRoomLocked(ref)
		}
	}

	room, ok := h.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannel, ref)
	}
	room.members[e] = true
	return roomID, nil
}

// Create makes a room and joins it. Invitations are implicit on a Hub.
func (e *Endpoint) Create(_ context.Context, name string, _ []string) (string, error) {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID := h.newRoomLocked(name)
	h.rooms[roomID].members[e] = true
	return roomID, nil
}

// Send posts text to channel. Every member, including the sender, receives it.
func (e *Endpoint) Send(ctx context.Context, channel, text string) error {
	return e.hub.post(context.WithoutCancel(ctx), e, channel, text)
}

// Subscribe registers h for messages on channel.
func (e *Endpoint) Subscribe(channel string, h Handler) Subscription {
	return e.subs.subscribe(channel, h)
}

// Unsubscribe removes sub.
func (e *Endpoint) Unsubscribe(sub Subscription) {
	e.subs.unsubscribe(sub)
}

// Subscribers returns the number of live subscriptions on channel.
func (e *Endpoint) Subscribers(channel string) int {
	return e.subs.count(channel)
}

// Leave removes the endpoint from channel.
func (e *Endpoint) Leave(_ context.Context, channel string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	delete(room.members, e)
	return nil
}

// Run blocks until ctx is done; Hub delivery needs no driver.
func (e *Endpoint) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
