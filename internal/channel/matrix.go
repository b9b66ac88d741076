// ABOUTME: Matrix homeserver transport built on mautrix.
// ABOUTME: Handles login, room join/create/leave, throttled sends, and sync-driven delivery.

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/muster/internal/dedupe"
)

// networkTimeout bounds individual Matrix API calls that are not given a deadline.
const networkTimeout = 30 * time.Second

// MatrixConfig holds the account and throttling settings for a Matrix transport.
type MatrixConfig struct {
	Homeserver string
	Username   string
	Password   string

	// UserID and AccessToken skip password login when both are set.
	UserID      string
	AccessToken string

	// SendRate is the sustained number of messages per second; zero means unlimited.
	SendRate  float64
	SendBurst int
}

// Matrix is a Transport backed by a Matrix homeserver.
type Matrix struct {
	cfg     MatrixConfig
	client  *mautrix.Client
	subs    *dispatcher
	seen    *dedupe.Cache
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewMatrix validates the homeserver address and creates an unauthenticated client.
func NewMatrix(cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	if err := ValidateHomeserver(cfg.Homeserver); err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHomeserver, err)
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	return &Matrix{
		cfg:     cfg,
		client:  client,
		subs:    newDispatcher(logger),
		seen:    dedupe.New(10*time.Minute, 50_000, time.Minute),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// ValidateHomeserver checks that raw is an absolute http(s) URL. Failures wrap
// ErrInvalidHomeserver so callers can map them to an exit status.
func ValidateHomeserver(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHomeserver, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https, got %q", ErrInvalidHomeserver, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidHomeserver, raw)
	}
	return nil
}

// Login authenticates with the configured access token or password.
func (m *Matrix) Login(ctx context.Context) error {
	if m.cfg.AccessToken != "" && m.cfg.UserID != "" {
		resp, err := m.client.Whoami(ctx)
		if err != nil {
			return classifyLoginError(err)
		}
		m.logger.Info("authenticated with access token", "user_id", resp.UserID.String())
		return nil
	}

	resp, err := m.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: m.cfg.Username,
		},
		Password:         m.cfg.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return classifyLoginError(err)
	}

	m.logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

func classifyLoginError(err error) error {
	if errors.Is(err, mautrix.MForbidden) || errors.Is(err, mautrix.MUnknownToken) {
		return fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return fmt.Errorf("%w: %v", ErrHomeserver, err)
}

// UserID returns the logged-in account.
func (m *Matrix) UserID() string {
	return m.client.UserID.String()
}

// Run syncs with the homeserver and delivers messages until ctx is done.
// Events from before the first sync are not delivered.
func (m *Matrix) Run(ctx context.Context) error {
	defer m.seen.Close()

	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		m.handleEvent(ctx, evt)
	})

	m.logger.Info("starting matrix sync")
	err := m.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("matrix sync failed: %w", err)
	}
	return nil
}

func (m *Matrix) handleEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	if m.seen.Seen(evt.ID.String()) {
		m.logger.Debug("dropping redelivered event", "event_id", evt.ID.String())
		return
	}

	m.subs.dispatch(ctx, Message{
		Channel: evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		EventID: evt.ID.String(),
		Body:    content.Body,
	})
}

// Join joins a room by ID or #alias and returns its room ID.
func (m *Matrix) Join(ctx context.Context, ref string) (string, error) {
	roomID := id.RoomID(ref)
	if strings.HasPrefix(ref, "#") {
		resp, err := m.client.ResolveAlias(ctx, id.RoomAlias(ref))
		if err != nil {
			return "", fmt.Errorf("resolving alias %s: %w", ref, err)
		}
		roomID = resp.RoomID
	}

	resp, err := m.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("joining %s: %w", ref, err)
	}
	return resp.RoomID.String(), nil
}

// Create makes a private room named name and invites the given users.
func (m *Matrix) Create(ctx context.Context, name string, invite []string) (string, error) {
	invitees := make([]id.UserID, 0, len(invite))
	for _, u := range invite {
		if u != "" {
			invitees = append(invitees, id.UserID(u))
		}
	}

	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Invite:     invitees,
	})
	if err != nil {
		return "", fmt.Errorf("creating room %s: %w", name, err)
	}
	return resp.RoomID.String(), nil
}

// Send posts text to channel, waiting for the send limiter first.
func (m *Matrix) Send(ctx context.Context, channel, text string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, networkTimeout)
		defer cancel()
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttled: %w", err)
	}
	if _, err := m.client.SendText(ctx, id.RoomID(channel), text); err != nil {
		return fmt.Errorf("sending to %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers text messages posted to channel to h.
func (m *Matrix) Subscribe(channel string, h Handler) Subscription {
	return m.subs.subscribe(channel, h)
}

// Unsubscribe stops delivery to sub. Messages already queued for it are discarded.
func (m *Matrix) Unsubscribe(sub Subscription) {
	m.subs.unsubscribe(sub)
}

// Leave leaves channel.
func (m *Matrix) Leave(ctx context.Context, channel string) error {
	if _, err := m.client.LeaveRoom(ctx, id.RoomID(channel)); err != nil {
		return fmt.Errorf("leaving %s: %w", channel, err)
	}
	return nil
}
