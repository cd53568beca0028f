package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/duetchat/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingUsers   = errors.New("push: user service is required")
	errMissingChannel = errors.New("push: delivery channel is required")
)

// Notification is the bounded payload handed to the delivery channel.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	URL   string `json:"url,omitempty"`
}

// DispatcherConfig describes the dependencies of the push dispatcher.
type DispatcherConfig struct {
	Users   *users.Service
	Channel Channel
	Logger  *zap.Logger
}

// Dispatcher manages push subscriptions and performs best-effort out-of-band
// delivery to offline recipients. Delivery failures never propagate to the
// message sender.
type Dispatcher struct {
	users   *users.Service
	channel Channel
	logger  *zap.Logger
}

// NewDispatcher constructs the push dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		users:   cfg.Users,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

// Subscribe stores the opaque endpoint payload for the account, replacing any
// prior subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, phone, subscription string) error {
	if err := d.users.SetPushSubscription(ctx, phone, subscription); err != nil {
		return err
	}
	d.logger.Info("push subscription saved", zap.String("phone", phone))
	return nil
}

// Unsubscribe removes the stored subscription; unsubscribing an account with
// no subscription is a no-op.
func (d *Dispatcher) Unsubscribe(ctx context.Context, phone string) error {
	if err := d.users.ClearPushSubscription(ctx, phone); err != nil {
		return err
	}
	d.logger.Info("push subscription removed", zap.String("phone", phone))
	return nil
}

// Dispatch delivers the notification to the recipient's subscription. The call
// is a no-op when the recipient is online or has no subscription. When the
// channel reports the subscription as permanently invalid, the stored
// subscription is deleted. All failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientPhone string, notification Notification) {
	recipient, err := d.users.GetByPhone(ctx, recipientPhone)
	if err != nil {
		d.logger.Warn("push recipient lookup failed", zap.String("phone", recipientPhone), zap.Error(err))
		return
	}
	if recipient.IsOnline || recipient.PushSubscription == "" {
		return
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		d.logger.Warn("push payload encoding failed", zap.Error(err))
		return
	}

	if err := d.channel.Send(ctx, recipient.PushSubscription, payload); err != nil {
		if errors.Is(err, ErrSubscriptionGone) {
			if clearErr := d.users.ClearPushSubscription(ctx, recipientPhone); clearErr != nil {
				d.logger.Warn("failed to drop stale subscription", zap.String("phone", recipientPhone), zap.Error(clearErr))
			} else {
				d.logger.Info("stale push subscription removed", zap.String("phone", recipientPhone))
			}
			return
		}
		d.logger.Warn("push delivery failed", zap.String("phone", recipientPhone), zap.Error(err))
		return
	}

	d.logger.Info("push notification sent", zap.String("phone", recipientPhone))
}
