// Package agent implements the worker half of the rendezvous protocol.
//
// # Lifecycle
//
// An Agent joins the shared broadcast channel and announces itself with
// CONNECT every AnnounceInterval while Searching. When a RESOLVE naming its
// identity arrives it stops listening on the broadcast channel, joins the
// assigned group channel and becomes Assigned. If the group's work is
// enabled the managed task is started.
//
//	Searching --RESOLVE--> Assigned --CLEAR / silence--> Backoff --delay--> Searching
//	Assigned --DISCONNECT--> Terminated
//
// # Group Commands
//
//   - PING: answered with PONG on the broadcast channel, carrying the time the
//     ping was received
//   - CLEAR:ALL or CLEAR:<identity>: leave the group and search again after a
//     random backoff between BackoffMin and BackoffMax
//   - PAYLOAD:START / PAYLOAD:STOP: start or stop the managed task
//   - DISCONNECT or DISCONNECT:<identity>: stop, Run returns ErrTerminated
//
// # Self-Healing
//
// If no PING arrives for StaleAfter ping periods the agent abandons its
// group on its own, which recovers from a coordinator that crashed or lost
// the agent's record.
//
// # Shutdown
//
// When Run's context is cancelled an assigned agent sends
// DISCONNECT:<group>:<identity> so the coordinator drops it immediately,
// then stops the managed task.
package agent
