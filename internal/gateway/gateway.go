package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duetchat/backend/internal/chat"
	"github.com/duetchat/backend/internal/push"
	"github.com/duetchat/backend/internal/users"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	pushDispatchTimeout     = 10 * time.Second
	pushPreviewLimit        = 100
)

var (
	// ErrUnauthorized indicates a bad credential, or a message that arrived
	// before the connection completed its handshake.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	errMissingUsers    = errors.New("gateway: user service is required")
	errMissingMessages = errors.New("gateway: chat service is required")
	errMissingVerifier = errors.New("gateway: credential verifier is required")
	errMissingPush     = errors.New("gateway: push dispatcher is required")
)

// Verifier validates an opaque bearer credential and returns the phone
// identity it was issued for.
type Verifier interface {
	Verify(credential string) (string, error)
}

// Dispatcher performs best-effort out-of-band delivery to offline recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientPhone string, notification push.Notification)
}

// Config describes the collaborators of the gateway.
type Config struct {
	Users            *users.Service
	Messages         *chat.Service
	Verifier         Verifier
	Push             Dispatcher
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Gateway is the presence and messaging core: it tracks which identity is
// attached to which live connection, fans out messages and presence events,
// and falls back to push delivery when the recipient has no live connection.
type Gateway struct {
	registry         *ConnectionRegistry
	hub              *Hub
	users            *users.Service
	messages         *chat.Service
	verifier         Verifier
	push             Dispatcher
	handshakeTimeout time.Duration
	logger           *zap.Logger
}

// New constructs the gateway with a fresh connection registry and hub.
func New(cfg Config) (*Gateway, error) {
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Messages == nil {
		return nil, errMissingMessages
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Push == nil {
		return nil, errMissingPush
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:         NewConnectionRegistry(),
		hub:              NewHub(),
		users:            cfg.Users,
		messages:         cfg.Messages,
		verifier:         cfg.Verifier,
		push:             cfg.Push,
		handshakeTimeout: timeout,
		logger:           logger,
	}, nil
}

// Connect registers a new unauthenticated connection and returns its outbound
// event stream. The stream is closed by Disconnect.
func (g *Gateway) Connect(connectionID string) <-chan Event {
	g.registry.Register(connectionID)
	stream := g.hub.Attach(connectionID)
	g.logger.Debug("connection opened", zap.String("connection_id", connectionID))
	return stream
}

// Authenticate verifies the credential and binds the resulting identity to the
// connection. On success the user is flipped online, the connection receives
// an authenticated acknowledgement, and every live connection is told about
// the presence change. A failed verification leaves the connection open so the
// client may retry. When the authenticate overwrites a binding for a different
// identity and that identity has no other live connection, it goes through the
// same offline transition a disconnect would trigger.
func (g *Gateway) Authenticate(ctx context.Context, connectionID, credential string) error {
	phone, err := g.verifier.Verify(credential)
	if err != nil {
		g.logger.Warn("handshake rejected", zap.String("connection_id", connectionID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	displaced, displacedRemaining, err := g.registry.Authenticate(connectionID, phone)
	if err != nil {
		return err
	}
	if displaced != "" && displacedRemaining == 0 {
		g.markOffline(ctx, displaced)
	}

	user, err := g.users.SetPresence(ctx, phone, true)
	if err != nil {
		return err
	}

	g.logger.Info("connection authenticated", zap.String("connection_id", connectionID), zap.String("phone", phone))
	g.hub.Send(connectionID, Event{Name: EventAuthenticated, Data: AuthenticatedPayload{Success: true}})
	g.hub.Broadcast(Event{Name: EventUserStatusChanged, Data: StatusChangedPayload{
		Phone:    user.Phone,
		Name:     user.Name,
		IsOnline: true,
		LastSeen: nil,
	}})
	return nil
}

// SendMessage validates, persists and fans out a chat message from the
// identity bound to the connection. When the other participant is offline the
// message is additionally handed to the push dispatcher on a detached
// goroutine; push failures never surface here.
func (g *Gateway) SendMessage(ctx context.Context, connectionID, text string) error {
	senderPhone, ok := g.registry.Lookup(connectionID)
	if !ok {
		return ErrUnauthorized
	}

	message, err := g.messages.CreateMessage(ctx, senderPhone, text)
	if err != nil {
		return err
	}

	// every live connection gets the echo, including the sender's own;
	// clients de-duplicate by message id
	g.hub.Broadcast(Event{Name: EventNewMessage, Data: NewMessagePayload{
		ID:        message.ID,
		Text:      message.Text,
		Phone:     message.User.Phone,
		Name:      message.User.Name,
		CreatedAt: message.CreatedAt,
	}})

	go g.pushFallback(senderPhone, message.User.Name, message.Text)
	return nil
}

// Typing relays a typing indicator to every live connection except the
// originating one. Nothing is persisted and presence is not consulted.
func (g *Gateway) Typing(connectionID string, isTyping bool) error {
	phone, ok := g.registry.Lookup(connectionID)
	if !ok {
		return ErrUnauthorized
	}
	g.hub.BroadcastExcept(connectionID, Event{Name: EventUserTyping, Data: TypingPayload{
		Phone:    phone,
		IsTyping: isTyping,
	}})
	return nil
}

// Disconnect removes the connection from the registry and hub. When the last
// live connection of an identity goes away the identity flips offline and the
// transition is broadcast.
func (g *Gateway) Disconnect(ctx context.Context, connectionID string) {
	phone, remaining, bound := g.registry.Unregister(connectionID)
	g.hub.Detach(connectionID)
	if !bound {
		g.logger.Debug("unauthenticated connection closed", zap.String("connection_id", connectionID))
		return
	}
	g.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("phone", phone),
		zap.Int("remaining", remaining))
	if remaining > 0 {
		return
	}
	g.markOffline(ctx, phone)
}

// markOffline persists the offline transition for the identity and broadcasts
// the resulting presence record.
func (g *Gateway) markOffline(ctx context.Context, phone string) {
	user, err := g.users.SetPresence(ctx, phone, false)
	if err != nil {
		g.logger.Error("failed to persist offline transition", zap.String("phone", phone), zap.Error(err))
		return
	}
	g.hub.Broadcast(Event{Name: EventUserStatusChanged, Data: StatusChangedPayload{
		Phone:    user.Phone,
		Name:     user.Name,
		IsOnline: false,
		LastSeen: user.LastSeen,
	}})
}

// BroadcastMessageDeleted tells every live connection to drop the message.
func (g *Gateway) BroadcastMessageDeleted(messageID int64) {
	g.hub.Broadcast(Event{Name: EventMessageDeleted, Data: MessageDeletedPayload{ID: messageID}})
}

// Authenticated reports whether the connection has completed its handshake.
func (g *Gateway) Authenticated(connectionID string) bool {
	_, ok := g.registry.Lookup(connectionID)
	return ok
}

func (g *Gateway) pushFallback(senderPhone, senderName, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), pushDispatchTimeout)
	defer cancel()

	recipient, err := g.users.OtherParticipant(ctx, senderPhone)
	if err != nil {
		if !errors.Is(err, users.ErrNoOtherParticipant) {
			g.logger.Warn("recipient resolution failed", zap.String("sender", senderPhone), zap.Error(err))
		}
		return
	}
	if recipient.IsOnline {
		return
	}

	g.push.Dispatch(ctx, recipient.Phone, push.Notification{
		Title: senderName,
		Body:  previewText(text, pushPreviewLimit),
		URL:   "/chat",
	})
}

func previewText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
