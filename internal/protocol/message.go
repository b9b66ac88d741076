// ABOUTME: Closed set of typed protocol messages with text encoding and parsing.
// ABOUTME: Broadcast and group-channel grammars are parsed separately since their tags overlap.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed indicates a message whose tag was recognised but whose fields were not.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownAction indicates a message with an unrecognised action tag.
	ErrUnknownAction = errors.New("unknown action")
)

// TargetAll addresses every agent in a group for CLEAR and DISCONNECT commands.
const TargetAll = "ALL"

// Action tags as they appear on the wire.
const (
	ActionConnect    = "CONNECT"
	ActionResolve    = "RESOLVE"
	ActionPing       = "PING"
	ActionPong       = "PONG"
	ActionClear      = "CLEAR"
	ActionDisconnect = "DISCONNECT"
	ActionPayload    = "PAYLOAD"

	commandEnvelope = "COMMAND"
)

// Work-status tokens carried by RESOLVE.
const (
	workEnabled  = "E"
	workDisabled = "D"
)

// Message is a parsed protocol message. The set of implementations is closed.
type Message interface {
	// Encode renders the message in its wire form.
	Encode() string
	isMessage()
}

// Connect is an agent's request for a group assignment.
type Connect struct {
	Meta Metadata
}

// Resolve assigns the agent with Identity to the group behind Channel.
type Resolve struct {
	Identity    string
	WorkEnabled bool
	Channel     string
}

// Ping is the coordinator's liveness check.
type Ping struct{}

// Pong answers a Ping. Origin is the time the agent received the ping.
type Pong struct {
	Channel  string
	Identity string
	Origin   time.Time
}

// Clear tells one agent (or TargetAll) to drop its assignment and search again.
type Clear struct {
	Target string
}

// Disconnect is an agent's graceful departure notice.
type Disconnect struct {
	Channel  string
	Identity string
}

// Terminate tells one agent (or TargetAll) to exit.
type Terminate struct {
	Target string
}

// Payload starts or stops the agents' managed task.
type Payload struct {
	Start bool
}

func (Connect) isMessage()    {}
func (Resolve) isMessage()    {}
func (Ping) isMessage()       {}
func (Pong) isMessage()       {}
func (Clear) isMessage()      {}
func (Disconnect) isMessage() {}
func (Terminate) isMessage()  {}
func (Payload) isMessage()    {}

func (m Connect) Encode() string {
	data, err := json.Marshal(m.Meta)
	if err != nil {
		// Metadata only holds strings; Marshal cannot fail.
		panic(fmt.Sprintf("encoding metadata: %v", err))
	}
	return ActionConnect + ":" + string(data)
}

func (m Resolve) Encode() string {
	status := workDisabled
	if m.WorkEnabled {
		status = workEnabled
	}
	return fmt.Sprintf("%s %s:%s:%s", ActionResolve, m.Identity, status, m.Channel)
}

func (Ping) Encode() string {
	return command(ActionPing)
}

func (m Pong) Encode() string {
	return fmt.Sprintf("%s:%s:%s:%s", ActionPong, m.Channel, m.Identity, FormatTimestamp(m.Origin))
}

func (m Clear) Encode() string {
	return command(ActionClear + ":" + targetOrAll(m.Target))
}

func (m Disconnect) Encode() string {
	return fmt.Sprintf("%s:%s:%s", ActionDisconnect, m.Channel, m.Identity)
}

func (m Terminate) Encode() string {
	if m.Target == "" || m.Target == TargetAll {
		return command(ActionDisconnect)
	}
	return command(ActionDisconnect + ":" + m.Target)
}

func (m Payload) Encode() string {
	if m.Start {
		return command(ActionPayload + ":START")
	}
	return command(ActionPayload + ":STOP")
}

// Addresses reports whether a Clear or Terminate target includes identity.
func Addresses(target, identity string) bool {
	return target == "" || target == TargetAll || target == identity
}

func command(body string) string {
	return commandEnvelope + ":" + body
}

func targetOrAll(target string) string {
	if target == "" {
		return TargetAll
	}
	return target
}

// Parse decodes a message seen on the shared broadcast channel.
func Parse(body string) (Message, error) {
	body = strings.TrimSpace(body)

	if rest, ok := strings.CutPrefix(body, ActionResolve+" "); ok {
		return parseResolve(rest)
	}

	action, rest, _ := strings.Cut(body, ":")
	switch action {
	case ActionConnect:
		var meta Metadata
		if err := json.Unmarshal([]byte(rest), &meta); err != nil {
			return nil, fmt.Errorf("%w: connect metadata: %v", ErrMalformed, err)
		}
		if meta.Identity == Unknown {
			return nil, fmt.Errorf("%w: connect without identity", ErrMalformed)
		}
		return Connect{Meta: meta}, nil

	case ActionPong:
		return parsePong(rest)

	case ActionDisconnect:
		channel, identity, ok := cutLast(rest)
		if !ok || channel == "" || identity == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, body)
		}
		return Disconnect{Channel: channel, Identity: identity}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// ParseCommand decodes a message seen on a group channel. The COMMAND envelope is optional.
func ParseCommand(body string) (Message, error) {
	body = strings.TrimSpace(body)
	if rest, ok := strings.CutPrefix(body, commandEnvelope+":"); ok {
		body = rest
	}

	action, arg, hasArg := strings.Cut(body, ":")
	switch action {
	case ActionPing:
		return Ping{}, nil

	case ActionClear:
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: clear without target", ErrMalformed)
		}
		return Clear{Target: arg}, nil

	case ActionPayload:
		switch arg {
		case "START":
			return Payload{Start: true}, nil
		case "STOP":
			return Payload{Start: false}, nil
		}
		return nil, fmt.Errorf("%w: payload %q", ErrMalformed, arg)

	case ActionDisconnect:
		if !hasArg || arg == "" {
			return Terminate{Target: TargetAll}, nil
		}
		return Terminate{Target: arg}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func parseResolve(rest string) (Message, error) {
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: resolve %q", ErrMalformed, rest)
	}

	var enabled bool
	switch parts[1] {
	case workEnabled:
		enabled = true
	case workDisabled:
	default:
		return nil, fmt.Errorf("%w: resolve work status %q", ErrMalformed, parts[1])
	}

	return Resolve{Identity: parts[0], WorkEnabled: enabled, Channel: parts[2]}, nil
}

func parsePong(rest string) (Message, error) {
	head, ts, ok := cutLast(rest)
	if !ok {
		return nil, fmt.Errorf("%w: pong %q", ErrMalformed, rest)
	}
	channel, identity, ok := cutLast(head)
	if !ok || channel == "" || identity == "" {
		return nil, fmt.Errorf("%w: pong %q", ErrMalformed, rest)
	}
	origin, err := ParseTimestamp(ts)
	if err != nil {
		return nil, fmt.Errorf("%w: pong origin: %v", ErrMalformed, err)
	}
	return Pong{Channel: channel, Identity: identity, Origin: origin}, nil
}

// cutLast splits s around the last colon.
func cutLast(s string) (before, after string, found bool) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// FormatTimestamp renders t as fractional Unix seconds with microsecond precision.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMicro())/1e6, 'f', 6, 64)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("timestamp out of range: %q", s)
	}
	return time.UnixMicro(int64(math.Round(f * 1e6))), nil
}
