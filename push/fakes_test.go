package push

import (
	"context"
	"errors"
	"sync"

	"github.com/furanomi/furanomi-sw/worker"
)

type fakeSubscription struct {
	endpoint     string
	p256dh, auth []byte
	unsubscribed bool
}

func (s *fakeSubscription) Endpoint() string { return s.endpoint }

func (s *fakeSubscription) Key(name string) []byte {
	switch name {
	case "p256dh":
		return s.p256dh
	case "auth":
		return s.auth
	}
	return nil
}

func (s *fakeSubscription) Unsubscribe(context.Context) (bool, error) {
	was := !s.unsubscribed
	s.unsubscribed = true
	return was, nil
}

type fakePushManager struct {
	current      *fakeSubscription
	subscribeErr error
	lastOpts     worker.SubscribeOptions
}

func (m *fakePushManager) Subscribe(_ context.Context, opts worker.SubscribeOptions) (worker.PushSubscription, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.lastOpts = opts
	m.current = &fakeSubscription{
		endpoint: "https://push.example/send/abc",
		p256dh:   []byte{0x04, 0xfb, 0xff, 0x01},
		auth:     []byte{0xde, 0xad, 0xbe, 0xef},
	}
	return m.current, nil
}

func (m *fakePushManager) GetSubscription(context.Context) (worker.PushSubscription, error) {
	if m.current == nil || m.current.unsubscribed {
		return nil, nil
	}
	return m.current, nil
}

type shown struct {
	title string
	opts  worker.NotificationOptions
}

type fakeNotifications struct {
	mu     sync.Mutex
	shown  []shown
	closed []worker.Notification
	err    error
}

func (n *fakeNotifications) ShowNotification(_ context.Context, title string, opts worker.NotificationOptions) error {
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, shown{title: title, opts: opts})
	return nil
}

func (n *fakeNotifications) Close(_ context.Context, notif worker.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, notif)
	return nil
}

type fakeWindow struct {
	id        string
	focused   bool
	navigated []string
}

func (w *fakeWindow) ID() string                             { return w.id }
func (w *fakeWindow) URL() string                            { return "https://furanomi.example/" }
func (w *fakeWindow) PostMessage(context.Context, any) error { return nil }

func (w *fakeWindow) Focus(context.Context) error {
	w.focused = true
	return nil
}

func (w *fakeWindow) Navigate(_ context.Context, url string) error {
	w.navigated = append(w.navigated, url)
	return nil
}

type fakeClients struct {
	windows []*fakeWindow
	opened  []string
	openErr error
}

func (c *fakeClients) MatchAll(context.Context, worker.ClientQuery) ([]worker.Client, error) {
	out := make([]worker.Client, 0, len(c.windows))
	for _, w := range c.windows {
		out = append(out, w)
	}
	return out, nil
}

func (c *fakeClients) OpenWindow(_ context.Context, url string) (worker.WindowClient, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opened = append(c.opened, url)
	return &fakeWindow{id: "new"}, nil
}

func (c *fakeClients) Claim(context.Context) error { return nil }

var errDenied = errors.New("permission denied")
