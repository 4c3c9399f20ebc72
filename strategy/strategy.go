// Package strategy routes intercepted requests to caching policies.
//
// Each Rule pairs a predicate with a Handler. The Router evaluates rules
// in order and the first match handles the request. Non-GET requests
// never match and go to the network untouched.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/download"
	"github.com/furanomi/furanomi-sw/expiration"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// ErrNoResponse is returned when neither the network nor a bucket could
// produce a response.
var ErrNoResponse = errors.New("strategy: no response available")

// Handler applies one caching policy to a request.
type Handler interface {
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Cacheable reports whether a response may be written to a bucket.
// Only complete successful responses are kept.
func Cacheable(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.StatusCode != http.StatusPartialContent
}

// bucketWriter captures responses into one named bucket and keeps it
// within its policy.
type bucketWriter struct {
	storage   store.Storage
	cacheName string
	policy    expiration.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// snapshot captures resp and writes it to the bucket when cacheable.
// Storage failures are logged and otherwise ignored. resp remains
// readable by the caller.
func (w *bucketWriter) snapshot(ctx context.Context, req *http.Request, resp *http.Response) (*swcache.Snapshot, bool, error) {
	snap, err := swcache.SnapshotResponse(req, resp, w.now())
	if err != nil {
		return nil, false, err
	}
	if !Cacheable(resp) {
		return snap, false, nil
	}
	return snap, w.put(ctx, snap), nil
}

func (w *bucketWriter) put(ctx context.Context, snap *swcache.Snapshot) bool {
	category := string(categoryOf(w.cacheName))

	b, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.logger.Warn("cache open failed", "bucket", w.cacheName, "error", err)
		telemetry.RecordCacheWrite(ctx, category, "error", 0)
		return false
	}
	if err := b.Put(ctx, snap); err != nil {
		w.logger.Warn("cache write failed", "bucket", w.cacheName, "url", snap.URL, "error", err)
		telemetry.RecordCacheWrite(ctx, category, "error", 0)
		return false
	}
	telemetry.RecordCacheWrite(ctx, category, "stored", int64(len(snap.Body)))

	if _, err := w.policy.Enforce(ctx, b, w.now(), w.logger); err != nil {
		w.logger.Warn("cache expiration failed", "bucket", w.cacheName, "error", err)
	}
	return true
}

// match returns a fresh entry for req, deleting it if stale.
func (w *bucketWriter) match(ctx context.Context, req *http.Request) (*swcache.Snapshot, error) {
	b, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, err
	}
	snap, err := b.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	if !w.policy.Fresh(snap.CachedAt, w.now()) {
		if _, err := b.Delete(ctx, snap.Key()); err != nil {
			w.logger.Warn("failed to delete stale entry", "bucket", w.cacheName, "url", snap.URL, "error", err)
		}
		return nil, store.ErrNotFound
	}
	return snap, nil
}

func categoryOf(cacheName string) swcache.Category {
	c, _, ok := swcache.ParseCacheName(cacheName)
	if !ok {
		return ""
	}
	return c
}

// NetworkOnly always fetches from the network, bypassing HTTP caches,
// and never touches a bucket.
type NetworkOnly struct {
	Fetcher worker.Fetcher
}

func (h *NetworkOnly) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	r := req.Clone(ctx)
	r.Header.Set("Cache-Control", "no-store")
	r.Header.Set("Pragma", "no-cache")

	resp, err := h.Fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheBypass)
	return resp, nil
}

// NetworkFirst prefers the network. Successful responses are written to
// the bucket before being returned. On network failure, or when Timeout
// elapses first, the cached entry is served instead; an error is
// returned only when that also misses.
type NetworkFirst struct {
	bucketWriter
	fetcher worker.Fetcher
	timeout time.Duration
}

// NetworkFirstConfig configures a NetworkFirst handler.
type NetworkFirstConfig struct {
	Fetcher   worker.Fetcher
	Storage   store.Storage
	CacheName string
	Policy    expiration.Policy
	// Timeout bounds the network attempt. Zero waits for the network.
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewNetworkFirst creates a NetworkFirst handler.
func NewNetworkFirst(cfg NetworkFirstConfig) *NetworkFirst {
	return &NetworkFirst{
		bucketWriter: newBucketWriter(cfg.Storage, cfg.CacheName, cfg.Policy, cfg.Logger, cfg.Now),
		fetcher:      cfg.Fetcher,
		timeout:      cfg.Timeout,
	}
}

type fetchOutcome struct {
	resp *http.Response
	err  error
}

func (h *NetworkFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	// The network attempt outlives a timeout so a late response still
	// refreshes the bucket; its result is simply not used. It runs as
	// extension work of the fetch event so draining waits for the write.
	netCtx := context.WithoutCancel(ctx)
	done := make(chan fetchOutcome)
	abandoned := make(chan struct{})
	worker.Extend(ctx, func(context.Context) error {
		resp, err := h.fetcher.Fetch(netCtx, req.Clone(netCtx))
		if err == nil {
			if _, _, serr := h.snapshot(netCtx, req, resp); serr != nil {
				_ = resp.Body.Close()
				resp, err = nil, serr
			}
		}
		select {
		case done <- fetchOutcome{resp: resp, err: err}:
		case <-abandoned:
			if resp != nil {
				_ = resp.Body.Close()
			}
		}
		return nil
	})

	var timeout <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var netErr error
	select {
	case out := <-done:
		if out.err == nil {
			telemetry.SetCacheResult(ctx, telemetry.CacheNetwork)
			return out.resp, nil
		}
		netErr = out.err
	case <-timeout:
		close(abandoned)
		netErr = fmt.Errorf("network timeout after %s", h.timeout)
	case <-ctx.Done():
		close(abandoned)
		return nil, ctx.Err()
	}

	snap, err := h.match(ctx, req)
	if err != nil {
		h.logger.Debug("network failed and cache missed", "bucket", h.cacheName, "url", req.URL.String(), "error", netErr)
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, netErr)
	}
	h.logger.Debug("serving cached fallback", "bucket", h.cacheName, "url", req.URL.String(), "error", netErr)
	telemetry.SetCacheResult(ctx, telemetry.CacheFallback)
	return snap.Response(req), nil
}

// CacheFirst serves fresh bucket entries without touching the network.
// Misses are filled from the network, with concurrent misses for the
// same request sharing one fetch.
type CacheFirst struct {
	bucketWriter
	fetcher    worker.Fetcher
	downloader *download.Downloader
}

// CacheFirstConfig configures a CacheFirst handler.
type CacheFirstConfig struct {
	Fetcher    worker.Fetcher
	Storage    store.Storage
	CacheName  string
	Policy     expiration.Policy
	Downloader *download.Downloader
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewCacheFirst creates a CacheFirst handler.
func NewCacheFirst(cfg CacheFirstConfig) *CacheFirst {
	d := cfg.Downloader
	if d == nil {
		d = download.New(download.WithLogger(cfg.Logger))
	}
	return &CacheFirst{
		bucketWriter: newBucketWriter(cfg.Storage, cfg.CacheName, cfg.Policy, cfg.Logger, cfg.Now),
		fetcher:      cfg.Fetcher,
		downloader:   d,
	}
}

func (h *CacheFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	snap, err := h.match(ctx, req)
	if err == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return snap.Response(req), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("cache read failed", "bucket", h.cacheName, "url", req.URL.String(), "error", err)
	}

	key := h.cacheName + " " + swcache.RequestKey(req)
	result, shared, err := h.downloader.Do(ctx, key, func(ctx context.Context) (*download.Result, error) {
		resp, err := h.fetcher.Fetch(ctx, req.Clone(ctx))
		if err != nil {
			return nil, err
		}
		snap, stored, err := h.snapshot(ctx, req, resp)
		if err != nil {
			return nil, err
		}
		return &download.Result{Snapshot: snap, Stored: stored}, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		h.logger.Debug("joined in-flight fill", "bucket", h.cacheName, "url", req.URL.String())
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	return result.Snapshot.Response(req), nil
}

// CacheMatchFallback serves a match from any bucket, else the network.
// It never writes.
type CacheMatchFallback struct {
	Fetcher worker.Fetcher
	Storage store.Storage
}

func (h *CacheMatchFallback) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	snap, err := store.MatchAny(ctx, h.Storage, req)
	if err == nil {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		return snap.Response(req), nil
	}
	resp, err := h.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	telemetry.SetCacheResult(ctx, telemetry.CacheNetwork)
	return resp, nil
}

func newBucketWriter(s store.Storage, cacheName string, p expiration.Policy, logger *slog.Logger, now func() time.Time) bucketWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return bucketWriter{storage: s, cacheName: cacheName, policy: p, logger: logger, now: now}
}

var (
	_ Handler = (*NetworkOnly)(nil)
	_ Handler = (*NetworkFirst)(nil)
	_ Handler = (*CacheFirst)(nil)
	_ Handler = (*CacheMatchFallback)(nil)
)
