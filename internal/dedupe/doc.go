// Package dedupe filters repeated deliveries of the same transport event.
//
// Chat homeservers deliver at least once; a reconnecting sync can hand the same
// event to the client again. Channel implementations record every event ID they
// dispatch in a Cache and drop any ID already recorded within the TTL.
package dedupe
