package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ExtendableEvent is an event whose handling may continue after the
// handler returns. Work passed to WaitUntil keeps the event open until
// it settles.
type ExtendableEvent struct {
	ctx   context.Context
	group errgroup.Group
}

// Context returns the event's context.
func (e *ExtendableEvent) Context() context.Context {
	return e.ctx
}

// WaitUntil extends the event until fn returns. Panics in fn are
// recovered and reported as errors.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.group.Go(func() error {
		return safely(func() error { return fn(e.ctx) })
	})
}

type eventKey struct{}

// withEvent returns ctx carrying e so code running on behalf of the
// event can extend it through Extend.
func withEvent(ctx context.Context, e *ExtendableEvent) context.Context {
	return context.WithValue(ctx, eventKey{}, e)
}

// Extend runs fn in the background. When ctx belongs to an event, the
// event stays open until fn returns, so Worker.Drain waits for it.
// Outside an event fn runs in a plain goroutine.
func Extend(ctx context.Context, fn func(ctx context.Context) error) {
	if e, ok := ctx.Value(eventKey{}).(*ExtendableEvent); ok {
		e.WaitUntil(fn)
		return
	}
	go func() {
		_ = safely(func() error { return fn(ctx) })
	}()
}

// wait blocks until all extension work settles and returns the first error.
func (e *ExtendableEvent) wait() error {
	return e.group.Wait()
}

// ResponseFunc produces the response for a fetch event.
type ResponseFunc func(ctx context.Context) (*http.Response, error)

// FetchEvent is dispatched for every request the worker intercepts.
type FetchEvent struct {
	ExtendableEvent
	Request *http.Request

	respond ResponseFunc
}

// RespondWith takes over the response for this request. Only the first
// call has effect. Without a call the request goes to the network.
func (e *FetchEvent) RespondWith(fn ResponseFunc) {
	if e.respond == nil {
		e.respond = fn
	}
}

// Responded reports whether a handler called RespondWith.
func (e *FetchEvent) Responded() bool {
	return e.respond != nil
}

// PushEvent is dispatched when a push message arrives.
type PushEvent struct {
	ExtendableEvent
	// Data is the message payload, or nil when the push carried none.
	Data []byte
}

// Text returns the payload as a string.
func (e *PushEvent) Text() string {
	return string(e.Data)
}

// JSON decodes the payload into v.
func (e *PushEvent) JSON(v any) error {
	return json.Unmarshal(e.Data, v)
}

// NotificationClickEvent is dispatched when the user clicks a notification.
type NotificationClickEvent struct {
	ExtendableEvent
	Notification Notification
	Action       string
}

// safely runs fn, converting a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
