// Package push connects platform push subscriptions and push events to
// the Furanomi notification API and the platform notification display.
package push

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// ErrNoPushManager is returned when the platform cannot subscribe to push.
var ErrNoPushManager = errors.New("push: platform has no push manager")

// Subscription is the serialised form of a platform push subscription.
// Keys are base64url encoded without padding.
type Subscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// SubscriptionKeys holds the client's encryption keys.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Record serialises a platform subscription.
func Record(sub worker.PushSubscription) *Subscription {
	return &Subscription{
		Endpoint: sub.Endpoint(),
		Keys: SubscriptionKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(sub.Key("p256dh")),
			Auth:   base64.RawURLEncoding.EncodeToString(sub.Key("auth")),
		},
	}
}

// DecodeApplicationServerKey decodes a base64url key. Padding is optional
// and standard base64 characters are accepted.
func DecodeApplicationServerKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding application server key: %w", err)
	}
	if len(b) == 0 {
		return nil, errors.New("decoding application server key: empty key")
	}
	return b, nil
}

// Bridge mirrors the platform push subscription to the server.
// Failures degrade to "not subscribed" and are logged, never raised to
// the page.
type Bridge struct {
	api    *APIClient
	push   worker.PushManager
	logger *slog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// NewBridge creates a Bridge.
func NewBridge(api *APIClient, pm worker.PushManager, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		api:    api,
		push:   pm,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "push")
	return b
}

// Subscribe creates a platform subscription with the server's key and
// registers it with the server. It returns nil on any failure.
func (b *Bridge) Subscribe(ctx context.Context) *Subscription {
	rec, err := b.subscribe(ctx)
	if err != nil {
		b.logger.Warn("push subscribe failed", "error", err)
		telemetry.RecordSubscriptionOp(ctx, "subscribe", "error")
		return nil
	}
	b.logger.Info("push subscribed", "endpoint", rec.Endpoint)
	telemetry.RecordSubscriptionOp(ctx, "subscribe", "success")
	return rec
}

func (b *Bridge) subscribe(ctx context.Context) (*Subscription, error) {
	if b.push == nil {
		return nil, ErrNoPushManager
	}
	key, err := b.api.VAPIDPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching public key: %w", err)
	}
	appKey, err := DecodeApplicationServerKey(key)
	if err != nil {
		b.api.ForgetPublicKey()
		return nil, err
	}
	sub, err := b.push.Subscribe(ctx, worker.SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: appKey,
	})
	if err != nil {
		return nil, fmt.Errorf("platform subscribe: %w", err)
	}
	rec := Record(sub)
	if err := b.api.Subscribe(ctx, rec); err != nil {
		return nil, fmt.Errorf("registering subscription: %w", err)
	}
	return rec, nil
}

// Unsubscribe cancels the platform subscription and tells the server.
// Without a subscription it does nothing. A failed server call is
// logged; the platform subscription is already gone at that point.
func (b *Bridge) Unsubscribe(ctx context.Context) error {
	if b.push == nil {
		return nil
	}
	sub, err := b.push.GetSubscription(ctx)
	if err != nil {
		telemetry.RecordSubscriptionOp(ctx, "unsubscribe", "error")
		return fmt.Errorf("looking up subscription: %w", err)
	}
	if sub == nil {
		telemetry.RecordSubscriptionOp(ctx, "unsubscribe", "none")
		return nil
	}

	endpoint := sub.Endpoint()
	if _, err := sub.Unsubscribe(ctx); err != nil {
		telemetry.RecordSubscriptionOp(ctx, "unsubscribe", "error")
		return fmt.Errorf("platform unsubscribe: %w", err)
	}
	if err := b.api.Unsubscribe(ctx, endpoint); err != nil {
		b.logger.Warn("server unsubscribe failed", "endpoint", endpoint, "error", err)
	}
	b.logger.Info("push unsubscribed", "endpoint", endpoint)
	telemetry.RecordSubscriptionOp(ctx, "unsubscribe", "success")
	return nil
}

// Status returns the current subscription record, or nil when there is
// none or it cannot be read.
func (b *Bridge) Status(ctx context.Context) *Subscription {
	if b.push == nil {
		return nil
	}
	sub, err := b.push.GetSubscription(ctx)
	if err != nil {
		b.logger.Warn("push status failed", "error", err)
		return nil
	}
	if sub == nil {
		return nil
	}
	return Record(sub)
}
