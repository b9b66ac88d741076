// ABOUTME: Transport interface for text channels plus the message and subscription types.
// ABOUTME: Also classifies fatal login errors into process exit statuses.

package channel

import (
	"context"
	"errors"
)

var (
	// ErrBadCredentials means the homeserver rejected the username or password.
	ErrBadCredentials = errors.New("bad username or password")
	// ErrInvalidHomeserver means the homeserver address could not be parsed.
	ErrInvalidHomeserver = errors.New("invalid homeserver address")
	// ErrHomeserver means login failed for a reason other than credentials.
	ErrHomeserver = errors.New("homeserver login failed")
	// ErrNotJoined means the operation needs membership of a channel the caller has not joined.
	ErrNotJoined = errors.New("not joined to channel")
	// ErrUnknownChannel means the referenced channel does not exist.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Message is one text message received on a channel.
type Message struct {
	Channel string
	Sender  string
	EventID string
	Body    string
}

// Handler receives messages for a subscription.
type Handler func(ctx context.Context, msg Message)

// Subscription identifies a registered handler. The zero value subscribes to nothing.
type Subscription struct {
	Channel string
	id      uint64
}

// Valid reports whether s refers to a registration.
func (s Subscription) Valid() bool {
	return s.id != 0
}

// Transport sends and receives text on channels.
type Transport interface {
	Join(ctx context.Context, ref string) (string, error)
	Create(ctx context.Context, name string, invite []string) (string, error)
	Send(ctx context.Context, channel, text string) error
	Subscribe(channel string, h Handler) Subscription
	Unsubscribe(sub Subscription)
	Leave(ctx context.Context, channel string) error
	Run(ctx context.Context) error
}

// ExitCode maps a startup error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBadCredentials):
		return 4
	case errors.Is(err, ErrInvalidHomeserver):
		return 3
	case errors.Is(err, ErrHomeserver):
		return 2
	default:
		return 1
	}
}
