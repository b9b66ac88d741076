// Package store persists coordinator state that must survive restarts.
//
// Two kinds of data are stored:
//
//   - Group: the definition of a work group (label, channel handle, work flag).
//     The coordinator rejoins every stored group on start.
//   - MembershipEvent: an append-only audit trail of assignments, departures,
//     evictions, clears and rejected liveness responses.
//
// Group membership itself is never stored; a restarted coordinator starts with
// empty registries and agents re-announce.
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo) in WAL mode.
// MockStore is an in-memory implementation for tests.
package store
