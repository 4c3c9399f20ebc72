package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// State is the worker's lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNoFetcher is returned when a request falls through to the network
// but the platform has no Fetcher.
var ErrNoFetcher = errors.New("worker: no fetcher configured")

type (
	FetchHandler             func(ev *FetchEvent)
	ActivateHandler          func(ev *ExtendableEvent)
	PushHandler              func(ev *PushEvent)
	NotificationClickHandler func(ev *NotificationClickEvent)
)

// Worker dispatches platform events to registered handlers.
//
// Activation holds an exclusive gate: fetches arriving while activation
// handlers run wait until every piece of activation work has settled.
// Handler failures and panics are logged and never stop the worker.
type Worker struct {
	version  string
	platform Platform
	logger   *slog.Logger

	gate sync.RWMutex

	mu             sync.RWMutex
	state          State
	onFetch        []FetchHandler
	onActivate     []ActivateHandler
	onPush         []PushHandler
	onNotification []NotificationClickHandler

	// extensions tracks fetch-event work still running after a response
	// was returned.
	extensions sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// New creates a worker for version running against p.
func New(version string, p Platform, opts ...Option) *Worker {
	w := &Worker{
		version:  version,
		platform: p,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "version", version)
	return w
}

// Version returns the version tag this worker serves.
func (w *Worker) Version() string { return w.version }

// Platform returns the platform the worker runs against.
func (w *Worker) Platform() Platform { return w.platform }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// OnFetch registers a fetch handler. Handlers run in registration order
// until one calls RespondWith.
func (w *Worker) OnFetch(h FetchHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFetch = append(w.onFetch, h)
}

// OnActivate registers an activation handler.
func (w *Worker) OnActivate(h ActivateHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onActivate = append(w.onActivate, h)
}

// OnPush registers a push handler.
func (w *Worker) OnPush(h PushHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPush = append(w.onPush, h)
}

// OnNotificationClick registers a notification click handler.
func (w *Worker) OnNotificationClick(h NotificationClickHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onNotification = append(w.onNotification, h)
}

// Activate runs the activation handlers and waits for all of their work
// to settle. Fetches block for the duration. The worker is activated
// afterwards even if some work failed; the joined failures are returned
// for logging.
func (w *Worker) Activate(ctx context.Context) error {
	w.gate.Lock()
	defer w.gate.Unlock()

	w.setState(StateActivating)
	w.logger.Info("activating")

	ev := &ExtendableEvent{ctx: ctx}
	var errs []error
	for _, h := range w.activateHandlers() {
		if err := safely(func() error { h(ev); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ev.wait(); err != nil {
		errs = append(errs, err)
	}

	w.setState(StateActivated)
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Warn("activation completed with errors", "error", err)
	} else {
		w.logger.Info("activated")
	}
	return err
}

// HandleFetch services one request. Before activation, and when no
// handler responds, the request goes straight to the network.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	w.gate.RLock()
	defer w.gate.RUnlock()

	if w.State() != StateActivated {
		return w.network(ctx, req)
	}

	ev := &FetchEvent{Request: req}
	ev.ctx = withEvent(ctx, &ev.ExtendableEvent)
	for _, h := range w.fetchHandlers() {
		if err := safely(func() error { h(ev); return nil }); err != nil {
			w.logger.Error("fetch handler failed", "url", req.URL.String(), "error", err)
		}
		if ev.Responded() {
			break
		}
	}

	var resp *http.Response
	var err error
	if ev.Responded() {
		err = safely(func() error {
			var rerr error
			resp, rerr = ev.respond(ev.ctx)
			return rerr
		})
	} else {
		resp, err = w.network(ctx, req)
	}

	w.extensions.Add(1)
	go func() {
		defer w.extensions.Done()
		if err := ev.wait(); err != nil {
			w.logger.Warn("fetch event work failed", "url", req.URL.String(), "error", err)
		}
	}()

	return resp, err
}

// DispatchPush delivers a push message and waits until its handling
// settles.
func (w *Worker) DispatchPush(ctx context.Context, data []byte) error {
	ev := &PushEvent{ExtendableEvent: ExtendableEvent{ctx: ctx}, Data: data}
	var errs []error
	for _, h := range w.pushHandlers() {
		if err := safely(func() error { h(ev); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ev.wait(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Warn("push handling failed", "error", err)
	}
	return err
}

// DispatchNotificationClick delivers a notification click and waits
// until its handling settles.
func (w *Worker) DispatchNotificationClick(ctx context.Context, n Notification, action string) error {
	ev := &NotificationClickEvent{ExtendableEvent: ExtendableEvent{ctx: ctx}, Notification: n, Action: action}
	var errs []error
	for _, h := range w.notificationHandlers() {
		if err := safely(func() error { h(ev); return nil }); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ev.wait(); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		w.logger.Warn("notification click handling failed", "error", err)
	}
	return err
}

// Drain waits for fetch-event work that outlived its response.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.extensions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) network(ctx context.Context, req *http.Request) (*http.Response, error) {
	if w.platform.Fetcher == nil {
		return nil, ErrNoFetcher
	}
	return w.platform.Fetcher.Fetch(ctx, req)
}

func (w *Worker) fetchHandlers() []FetchHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.onFetch
}

func (w *Worker) activateHandlers() []ActivateHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.onActivate
}

func (w *Worker) pushHandlers() []PushHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.onPush
}

func (w *Worker) notificationHandlers() []NotificationClickHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.onNotification
}
