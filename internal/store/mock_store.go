// ABOUTME: In-memory Store implementation for tests.
// ABOUTME: Mirrors SQLiteStore semantics including ordering and error values.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store.
type MockStore struct {
	mu     sync.Mutex
	groups map[string]*Group
	events []*MembershipEvent
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{groups: make(map[string]*Group)}
}

func (m *MockStore) CreateGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[g.Label]; ok {
		return ErrDuplicateGroup
	}
	for _, existing := range m.groups {
		if existing.ChannelID == g.ChannelID {
			return ErrDuplicateGroup
		}
	}
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	cp := *g
	m.groups[g.Label] = &cp
	return nil
}

func (m *MockStore) GetGroup(_ context.Context, label string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[label]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MockStore) ListGroups(_ context.Context) ([]*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (m *MockStore) SetGroupWork(_ context.Context, label string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[label]
	if !ok {
		return ErrNotFound
	}
	g.WorkEnabled = enabled
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) DeleteGroup(_ context.Context, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[label]; !ok {
		return ErrNotFound
	}
	delete(m.groups, label)
	return nil
}

func (m *MockStore) AppendEvent(_ context.Context, e *MembershipEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MockStore) ListEvents(_ context.Context, f EventFilter) ([]*MembershipEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := normalizeLimit(f.Limit)
	out := []*MembershipEvent{}
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if f.GroupLabel != "" && e.GroupLabel != f.GroupLabel {
			continue
		}
		if f.Identity != "" && e.Identity != f.Identity {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Close() error {
	return nil
}
