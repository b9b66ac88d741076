// Package protocol defines the text messages agents and the coordinator exchange.
//
// # Wire format
//
// Every message is a single line of colon-delimited fields whose first token is an
// action tag. Broadcast-channel traffic:
//
//	CONNECT:<metadata json>                 agent -> coordinator
//	RESOLVE <identity>:<E|D>:<channel>      coordinator -> agent
//	PONG:<channel>:<identity>:<origin>      agent -> coordinator
//	DISCONNECT:<channel>:<identity>         agent -> coordinator
//
// Group-channel traffic is wrapped in a COMMAND envelope:
//
//	COMMAND:PING
//	COMMAND:CLEAR:ALL | COMMAND:CLEAR:<identity>
//	COMMAND:PAYLOAD:START | COMMAND:PAYLOAD:STOP
//	COMMAND:DISCONNECT | COMMAND:DISCONNECT:<identity>
//
// Channel handles (Matrix room IDs) contain colons themselves, so fields that carry a
// channel are always split from the side that does not.
//
// # Typed messages
//
// Text is parsed exactly once, at the channel boundary, into one of the Message
// variants. Handlers switch over the concrete types:
//
//	switch m := msg.(type) {
//	case protocol.Connect:
//	case protocol.Pong:
//	...
//	}
package protocol
