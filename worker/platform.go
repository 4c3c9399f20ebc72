// Package worker hosts the cache controller's event handlers against an
// injected platform: network access, window clients, notifications and
// push subscriptions. Handlers are registered explicitly and dispatched
// by the Worker, so routing and lifecycle logic run without a real
// browser runtime.
package worker

import (
	"context"
	"net/http"
)

// Fetcher performs network requests.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Client is a page connected to the worker.
type Client interface {
	ID() string
	URL() string
	PostMessage(ctx context.Context, msg any) error
}

// WindowClient is a client backed by a browser window.
type WindowClient interface {
	Client
	Focus(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
}

// ClientType filters MatchAll results.
type ClientType string

const (
	ClientTypeWindow ClientType = "window"
	ClientTypeAll    ClientType = "all"
)

// ClientQuery selects clients for MatchAll.
type ClientQuery struct {
	Type ClientType
	// IncludeUncontrolled also returns clients not controlled by this
	// worker version.
	IncludeUncontrolled bool
}

// Clients enumerates and opens pages.
type Clients interface {
	MatchAll(ctx context.Context, q ClientQuery) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (WindowClient, error)
	Claim(ctx context.Context) error
}

// NotificationOptions are the display fields of a notification.
type NotificationOptions struct {
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	Badge string         `json:"badge"`
	Tag   string         `json:"tag,omitempty"`
	Data  map[string]any `json:"data"`
}

// Notification is a displayed notification.
type Notification struct {
	Title string `json:"title"`
	NotificationOptions
}

// Notifications displays and dismisses notifications.
type Notifications interface {
	ShowNotification(ctx context.Context, title string, opts NotificationOptions) error
	Close(ctx context.Context, n Notification) error
}

// SubscribeOptions are passed to PushManager.Subscribe.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// PushSubscription is a platform push subscription.
type PushSubscription interface {
	Endpoint() string
	// Key returns the named key ("p256dh" or "auth") in raw form.
	Key(name string) []byte
	// Unsubscribe cancels the subscription and reports whether it was active.
	Unsubscribe(ctx context.Context) (bool, error)
}

// PushManager creates and looks up push subscriptions.
type PushManager interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (PushSubscription, error)
	// GetSubscription returns the active subscription, or nil when there
	// is none.
	GetSubscription(ctx context.Context) (PushSubscription, error)
}

// Platform bundles the capabilities a worker runs against.
type Platform struct {
	Fetcher       Fetcher
	Clients       Clients
	Notifications Notifications
	PushManager   PushManager
}
