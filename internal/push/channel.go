package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
)

var (
	// ErrSubscriptionGone indicates the delivery channel reported the
	// subscription as permanently invalid; the stored subscription must be
	// discarded.
	ErrSubscriptionGone = errors.New("push: subscription gone")

	errMissingVAPIDKeys = errors.New("push: VAPID key pair is required")
)

// Channel delivers an opaque payload to a stored push subscription.
type Channel interface {
	Send(ctx context.Context, subscription string, payload []byte) error
}

// WebPushConfig configures Web Push delivery.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address reported to push services,
	// e.g. "mailto:support@duetchat.app".
	Subscriber string
	TTLSeconds int
}

// WebPushChannel sends notifications through the Web Push protocol.
type WebPushChannel struct {
	config WebPushConfig
}

// NewWebPushChannel constructs a channel from VAPID key material.
func NewWebPushChannel(cfg WebPushConfig) (*WebPushChannel, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errMissingVAPIDKeys
	}
	if cfg.TTLSeconds <= 0 {
		cfg.TTLSeconds = 60
	}
	return &WebPushChannel{config: cfg}, nil
}

// Send pushes the payload to the subscription endpoint. A 404 or 410 response
// maps to ErrSubscriptionGone; other failures are transient.
func (c *WebPushChannel) Send(ctx context.Context, subscription string, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(subscription), &sub); err != nil {
		return fmt.Errorf("%w: malformed endpoint payload: %v", ErrSubscriptionGone, err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		Subscriber:      c.config.Subscriber,
		VAPIDPublicKey:  c.config.VAPIDPublicKey,
		VAPIDPrivateKey: c.config.VAPIDPrivateKey,
		TTL:             c.config.TTLSeconds,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionGone
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("push: delivery failed with status %d", resp.StatusCode)
	}
	return nil
}

// NopChannel discards every payload. Used when no VAPID keys are configured.
type NopChannel struct{}

// Send implements Channel.
func (NopChannel) Send(context.Context, string, []byte) error {
	return nil
}
