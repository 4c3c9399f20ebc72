package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/furanomi/furanomi-sw/worker"
)

const (
	// DefaultHeartbeat is the interval between keep-alive comments on
	// idle event streams.
	DefaultHeartbeat = 30 * time.Second

	// DefaultPendingTTL is how long a window opened by the worker waits
	// for a page to adopt it.
	DefaultPendingTTL = 5 * time.Minute

	clientBuffer = 16
)

var (
	// ErrClientGone is returned when posting to a disconnected client.
	ErrClientGone = errors.New("platform: client disconnected")

	// ErrClientBusy is returned when a client's event buffer is full.
	ErrClientBusy = errors.New("platform: client event buffer full")
)

// Event is one Server-Sent Event delivered to a page.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub tracks pages connected over Server-Sent Events and exposes them
// to the worker as window clients. It also delivers notifications to
// every connected page.
type Hub struct {
	mu         sync.Mutex
	clients    map[string]*hubClient
	order      []string
	heartbeat  time.Duration
	pendingTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithHeartbeat sets the keep-alive interval.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *Hub) {
		h.heartbeat = d
	}
}

// WithPendingTTL sets how long opened windows wait to be adopted.
func WithPendingTTL(d time.Duration) HubOption {
	return func(h *Hub) {
		h.pendingTTL = d
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[string]*hubClient),
		heartbeat:  DefaultHeartbeat,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// hubClient is a page known to the hub. A client created by OpenWindow
// has no stream until a page connects and adopts it; events queue until
// then.
type hubClient struct {
	id         string
	url        string
	controlled bool
	connected  bool
	created    time.Time
	events     chan Event
	done       chan struct{}
	once       sync.Once
}

func (c *hubClient) ID() string  { return c.id }
func (c *hubClient) URL() string { return c.url }

func (c *hubClient) send(e Event) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case c.events <- e:
		return nil
	default:
		return ErrClientBusy
	}
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *hubClient) PostMessage(_ context.Context, msg any) error {
	return c.send(Event{Type: "message", Data: msg})
}

func (c *hubClient) Focus(context.Context) error {
	return c.send(Event{Type: "focus"})
}

func (c *hubClient) Navigate(_ context.Context, url string) error {
	return c.send(Event{Type: "navigate", Data: map[string]string{"url": url}})
}

// MatchAll returns connected window clients in connection order. Windows
// from OpenWindow appear once a page adopts them. Uncontrolled clients are
// included only when q asks for them.
func (h *Hub) MatchAll(_ context.Context, q worker.ClientQuery) ([]worker.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]worker.Client, 0, len(h.order))
	for _, id := range h.order {
		c := h.clients[id]
		if !c.connected {
			continue
		}
		if !c.controlled && !q.IncludeUncontrolled {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// OpenWindow records a pending window for url. The next page connecting
// with that URL adopts it and receives anything queued for it.
func (h *Hub) OpenWindow(_ context.Context, url string) (worker.WindowClient, error) {
	c := h.newClient(url, true)
	h.logger.Info("window requested", "client", c.id, "url", url)
	return c, nil
}

// Claim makes every known client controlled.
func (h *Hub) Claim(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.controlled = true
	}
	return nil
}

// ShowNotification delivers the notification to every page.
func (h *Hub) ShowNotification(_ context.Context, title string, opts worker.NotificationOptions) error {
	h.broadcast(Event{Type: "notification", Data: worker.Notification{Title: title, NotificationOptions: opts}})
	return nil
}

// Close asks every page to dismiss the notification.
func (h *Hub) Close(_ context.Context, n worker.Notification) error {
	h.broadcast(Event{Type: "notificationclose", Data: n})
	return nil
}

func (h *Hub) broadcast(e Event) {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.order))
	for _, id := range h.order {
		clients = append(clients, h.clients[id])
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(e); err != nil {
			h.logger.Debug("dropped event", "client", c.id, "type", e.Type, "error", err)
		}
	}
}

// Len returns the number of known clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) newClient(url string, controlled bool) *hubClient {
	c := &hubClient{
		id:         uuid.NewString(),
		url:        url,
		controlled: controlled,
		created:    h.now(),
		events:     make(chan Event, clientBuffer),
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	h.prunePendingLocked()
	h.clients[c.id] = c
	h.order = append(h.order, c.id)
	h.mu.Unlock()
	return c
}

// adopt attaches a connecting page to a pending client for url, or
// registers a new one.
func (h *Hub) adopt(url string, controlled bool) *hubClient {
	h.mu.Lock()
	for _, id := range h.order {
		c := h.clients[id]
		if !c.connected && c.url == url {
			c.connected = true
			c.controlled = c.controlled || controlled
			h.mu.Unlock()
			return c
		}
	}
	h.mu.Unlock()

	c := h.newClient(url, controlled)
	h.mu.Lock()
	c.connected = true
	h.mu.Unlock()
	return c
}

// prunePendingLocked drops opened windows no page adopted in time.
func (h *Hub) prunePendingLocked() {
	cutoff := h.now().Add(-h.pendingTTL)
	h.order = slices.DeleteFunc(h.order, func(id string) bool {
		c := h.clients[id]
		if c.connected || c.created.After(cutoff) {
			return false
		}
		c.close()
		delete(h.clients, id)
		return true
	})
}

func (h *Hub) remove(c *hubClient) {
	c.close()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.order = slices.DeleteFunc(h.order, func(id string) bool { return id == c.id })
	h.mu.Unlock()
}

// ServeHTTP streams events to one page. The page identifies itself with
// the url query parameter; controlled=1 marks it as already controlled
// by the current version.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	pageURL := r.URL.Query().Get("url")
	if pageURL == "" {
		pageURL = "/"
	}
	c := h.adopt(pageURL, r.URL.Query().Get("controlled") == "1")
	defer h.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, Event{Type: "hello", Data: map[string]string{"id": c.id}}); err != nil {
		return
	}
	flusher.Flush()
	h.logger.Debug("client connected", "client", c.id, "url", pageURL)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("client disconnected", "client", c.id)
			return
		case e := <-c.events:
			if err := writeEvent(w, e); err != nil {
				h.logger.Debug("write failed", "client", c.id, "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

var (
	_ worker.Clients       = (*Hub)(nil)
	_ worker.Notifications = (*Hub)(nil)
	_ worker.WindowClient  = (*hubClient)(nil)
)
