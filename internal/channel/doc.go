// Package channel carries protocol text over named broadcast and group channels.
//
// # Transport
//
// Transport is the only view the coordinator and agents have of the chat network:
//
//	Join(ctx, ref)          join (or create) a channel, returning its handle
//	Create(ctx, name, inv)  create a private channel
//	Send(ctx, ch, text)     fire-and-forget text message
//	Subscribe(ch, handler)  deliver incoming messages on ch to handler
//	Unsubscribe(sub)
//	Leave(ctx, ch)
//	Run(ctx)                drive delivery until ctx is done
//
// Delivery is at-least-once and best effort. Each subscription sees its messages in
// arrival order on its own goroutine; different subscriptions run concurrently.
//
// # Implementations
//
// Matrix speaks to a Matrix homeserver through mautrix, throttles sends with a token
// bucket, and drops redelivered event IDs. Hub is an in-process network used by tests
// and local demos; its endpoints behave like separate chat accounts.
//
// # Exit statuses
//
// Login failures are classified so binaries can exit with a distinct status:
//
//	ErrBadCredentials     4
//	ErrInvalidHomeserver  3
//	ErrHomeserver         2
//	anything else         1
package channel
