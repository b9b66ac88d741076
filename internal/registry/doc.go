// Package registry tracks the membership of a single work group.
//
// A Registry maps agent identities to their metadata and a liveness flag. The
// failure detector drives it through a mark/sweep cycle:
//
//	reg.MarkAllInactive()   // ping goes out
//	reg.MarkActive(id)      // for each valid response
//	evicted := reg.Sweep()  // grace window closed
//
// Registry does no locking of its own. The coordinator guards every registry with a
// single lock so that cross-group administration serializes with membership changes.
package registry
