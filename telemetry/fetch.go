package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchTransport records a network fetch metric for every request made
// on behalf of the cache: origin assets, external pages and the
// notification API. The metric lands when the response body is closed, so
// duration and byte count cover the whole download.
type FetchTransport struct {
	next   http.RoundTripper
	target string
}

// NewFetchTransport labels fetches through next with target. A nil next
// means http.DefaultTransport.
func NewFetchTransport(next http.RoundTripper, target string) *FetchTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &FetchTransport{next: next, target: target}
}

func (t *FetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "canceled"
		}
		RecordNetworkFetch(ctx, t.target, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &fetchBody{
		body:    resp.Body,
		ctx:     ctx,
		target:  t.target,
		start:   start,
		outcome: statusOutcome(resp.StatusCode),
	}
	return resp, nil
}

// statusOutcome buckets a response status. Redirects are counted apart
// since the origin client hands them back unfollowed.
func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "redirect"
	default:
		return "success"
	}
}

// fetchBody counts the bytes the cache pulls off the wire.
type fetchBody struct {
	body    io.ReadCloser
	ctx     context.Context
	target  string
	start   time.Time
	n       int64
	outcome string
	done    bool
}

func (b *fetchBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *fetchBody) Close() error {
	if !b.done {
		b.done = true
		RecordNetworkFetch(b.ctx, b.target, time.Since(b.start), b.n, b.outcome)
	}
	return b.body.Close()
}
