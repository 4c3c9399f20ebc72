package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/store"
)

var errOffline = errors.New("network unreachable")

// network is a scripted worker.Fetcher.
type network struct {
	mu      sync.Mutex
	calls   []*http.Request
	respond func(req *http.Request) (*http.Response, error)
}

func newNetwork(respond func(req *http.Request) (*http.Response, error)) *network {
	return &network{respond: respond}
}

func (n *network) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req)
	respond := n.respond
	n.mu.Unlock()
	return respond(req)
}

func (n *network) setRespond(fn func(req *http.Request) (*http.Response, error)) {
	n.mu.Lock()
	n.respond = fn
	n.mu.Unlock()
}

func (n *network) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *network) lastCall() *http.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[len(n.calls)-1]
}

func offline(*http.Request) (*http.Response, error) {
	return nil, errOffline
}

func serve(body string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return response(http.StatusOK, body), nil
	}
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

// clock is a settable time source safe for background fills.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// spyStorage counts every storage and bucket operation.
type spyStorage struct {
	store.Storage
	ops atomic.Int64
}

func (s *spyStorage) Open(ctx context.Context, name string) (store.Bucket, error) {
	s.ops.Add(1)
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyBucket{Bucket: b, ops: &s.ops}, nil
}

func (s *spyStorage) Has(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Has(ctx, name)
}

func (s *spyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Delete(ctx, name)
}

func (s *spyStorage) Keys(ctx context.Context) ([]string, error) {
	s.ops.Add(1)
	return s.Storage.Keys(ctx)
}

type spyBucket struct {
	store.Bucket
	ops *atomic.Int64
}

func (b *spyBucket) Match(ctx context.Context, req *http.Request) (*swcache.Snapshot, error) {
	b.ops.Add(1)
	return b.Bucket.Match(ctx, req)
}

func (b *spyBucket) Put(ctx context.Context, snap *swcache.Snapshot) error {
	b.ops.Add(1)
	return b.Bucket.Put(ctx, snap)
}

func (b *spyBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.ops.Add(1)
	return b.Bucket.Delete(ctx, key)
}

func (b *spyBucket) Entries(ctx context.Context) ([]store.Entry, error) {
	b.ops.Add(1)
	return b.Bucket.Entries(ctx)
}

// cached reads the body stored for url in the named bucket, or "" on a miss.
func cached(t *testing.T, s store.Storage, bucket, url string) string {
	t.Helper()
	b, err := s.Open(context.Background(), bucket)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	snap, err := b.Match(context.Background(), req)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	require.NoError(t, err)
	return string(snap.Body)
}
