// ABOUTME: Fan-out of received messages to subscribed handlers.
// ABOUTME: Each subscription owns a bounded mailbox drained by its own goroutine.

package channel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// mailboxSize bounds queued messages per subscription; overflow is dropped.
const mailboxSize = 256

type delivery struct {
	ctx context.Context
	msg Message
}

type mailbox struct {
	handler   Handler
	queue     chan delivery
	cancelled atomic.Bool
}

type dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*mailbox
	nextID uint64
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		subs:   make(map[string]map[uint64]*mailbox),
		logger: logger,
	}
}

func (d *dispatcher) subscribe(channel string, h Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	mb := &mailbox{
		handler: h,
		queue:   make(chan delivery, mailboxSize),
	}
	if d.subs[channel] == nil {
		d.subs[channel] = make(map[uint64]*mailbox)
	}
	d.subs[channel][d.nextID] = mb
	go mb.drain()

	return Subscription{Channel: channel, id: d.nextID}
}

func (d *dispatcher) unsubscribe(sub Subscription) {
	if !sub.Valid() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	mb, ok := d.subs[sub.Channel][sub.id]
	if !ok {
		return
	}
	// Queued messages are discarded, including any behind the one being handled now.
	mb.cancelled.Store(true)
	close(mb.queue)
	delete(d.subs[sub.Channel], sub.id)
	if len(d.subs[sub.Channel]) == 0 {
		delete(d.subs, sub.Channel)
	}
}

// dispatch queues msg for every subscription on its channel and returns how many accepted it.
func (d *dispatcher) dispatch(ctx context.Context, msg Message) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	accepted := 0
	for _, mb := range d.subs[msg.Channel] {
		select {
		case mb.queue <- delivery{ctx: ctx, msg: msg}:
			accepted++
		default:
			d.logger.Warn("subscriber mailbox full, dropping message",
				"channel", msg.Channel,
				"event_id", msg.EventID,
			)
		}
	}
	return accepted
}

func (d *dispatcher) count(channel string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[channel])
}

func (mb *mailbox) drain() {
	for dl := range mb.queue {
		if mb.cancelled.Load() {
			return
		}
		mb.handler(dl.ctx, dl.msg)
	}
}
