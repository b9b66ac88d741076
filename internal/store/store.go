// ABOUTME: Store interface and data types for coordinator persistence.
// ABOUTME: Defines Group and MembershipEvent records and their query filters.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateGroup is returned when creating a group whose label is taken.
var ErrDuplicateGroup = errors.New("group already exists")

// Group is a persisted work group definition.
type Group struct {
	Label       string
	ChannelID   string
	WorkEnabled bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventKind classifies a membership event.
type EventKind string

const (
	EventAssigned     EventKind = "assigned"
	EventDisconnected EventKind = "disconnected"
	EventEvicted      EventKind = "evicted"
	EventCleared      EventKind = "cleared"
	EventRejectedPong EventKind = "rejected_pong"
)

// MembershipEvent is one entry in the membership audit trail.
type MembershipEvent struct {
	ID         string
	Kind       EventKind
	GroupLabel string
	Identity   string
	Detail     string
	CreatedAt  time.Time
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	GroupLabel string
	Identity   string
	Kind       EventKind
	Since      *time.Time
	Limit      int // default 100, max 1000
}

// Store defines coordinator persistence.
type Store interface {
	// Groups
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, label string) (*Group, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	SetGroupWork(ctx context.Context, label string, enabled bool) error
	DeleteGroup(ctx context.Context, label string) error

	// Membership audit
	AppendEvent(ctx context.Context, e *MembershipEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]*MembershipEvent, error)

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies the default (100) and cap (1000).
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
