// Package coordinator implements the central half of the rendezvous protocol.
//
// # Groups
//
// A Coordinator owns a set of work groups. Each group has a private chat
// channel named <room_prefix><label>, a membership registry and a
// work-enabled flag. Group definitions are persisted in the store and
// rejoined on Start; membership is not, so restored groups are sent
// CLEAR:ALL and their agents re-announce.
//
// # Rendezvous
//
// Agents announce with CONNECT on the broadcast channel. The coordinator
// picks a group uniformly at random, registers the agent there and answers
// with RESOLVE. DISCONNECT removes an agent that is leaving.
//
// # Failure Detection
//
// Every ping interval the detector marks all members inactive, records the
// round epoch, sends PING to each non-empty group and waits the grace period.
// Members that answered with a PONG whose origin lies in
// [epoch, epoch+grace+slack] are marked active; the rest are swept. A PONG
// outside that window, or from an identity the group does not know, gets a
// CLEAR for that agent instead.
//
// # Locking
//
// One mutex guards every group. Message handlers TryLock it and drop the
// message when it is held; senders recover through their own retries.
// Administrative operations and the detector block on it.
//
// # Admin API
//
// Server exposes the administrative operations over HTTP:
//
//	GET    /health
//	GET    /health/ready
//	GET    /metrics
//	GET    /api/groups
//	POST   /api/groups                      {"label": "..."}
//	GET    /api/groups/{label}
//	DELETE /api/groups/{label}
//	POST   /api/groups/{label}/clear
//	POST   /api/groups/{label}/work         {"enabled": true}
//	POST   /api/groups/{label}/disconnect   {"identity": "..."} (empty for all)
//	POST   /api/work                        {"enabled": true}
//	GET    /api/audit?group=&identity=&kind=&since=&limit=
//
// /api routes require a bearer token when a verifier is configured.
package coordinator
