// ABOUTME: Per-group membership map of agent identity to record and liveness flag.
// ABOUTME: Implements add/remove/mark/sweep; callers provide mutual exclusion.

package registry

import (
	"log/slog"
	"sort"

	"github.com/2389/muster/internal/protocol"
)

// Record is one agent's membership entry.
type Record struct {
	Identity string
	Meta     protocol.Metadata
	Alive    bool
}

// Registry holds the members of one group. It is not safe for concurrent use.
type Registry struct {
	members map[string]*Record
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]*Record),
		logger:  logger,
	}
}

// Add inserts a live record for identity, replacing any existing one.
func (r *Registry) Add(identity string, meta protocol.Metadata) Record {
	rec := &Record{
		Identity: identity,
		Meta:     meta.Normalized(),
		Alive:    true,
	}
	r.members[identity] = rec
	return *rec
}

// Remove deletes identity and reports whether it was present.
func (r *Registry) Remove(identity string) bool {
	if _, ok := r.members[identity]; !ok {
		return false
	}
	delete(r.members, identity)
	return true
}

// MarkActive sets identity's liveness flag. It returns false for unknown identities.
func (r *Registry) MarkActive(identity string) bool {
	rec, ok := r.members[identity]
	if !ok {
		r.logger.Debug("liveness response from unknown agent", "identity", identity)
		return false
	}
	rec.Alive = true
	return true
}

// MarkAllInactive clears every member's liveness flag.
func (r *Registry) MarkAllInactive() {
	for _, rec := range r.members {
		rec.Alive = false
	}
}

// Sweep removes every member still marked inactive and returns their identities, sorted.
func (r *Registry) Sweep() []string {
	var evicted []string
	for id, rec := range r.members {
		if !rec.Alive {
			delete(r.members, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Clear removes every member and returns how many there were.
func (r *Registry) Clear() int {
	n := len(r.members)
	clear(r.members)
	return n
}

// Get returns a copy of identity's record.
func (r *Registry) Get(identity string) (Record, bool) {
	rec, ok := r.members[identity]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Contains reports whether identity is a member.
func (r *Registry) Contains(identity string) bool {
	_, ok := r.members[identity]
	return ok
}

// Len returns the number of members.
func (r *Registry) Len() int {
	return len(r.members)
}

// Records returns copies of all records ordered by identity.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.members))
	for _, rec := range r.members {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
