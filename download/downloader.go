// Package download deduplicates concurrent network fills. When several
// fetches miss the same bucket entry at once, only one network request is
// made and every caller receives the same snapshot.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	swcache "github.com/furanomi/furanomi-sw"
)

// Result holds the outcome of a fill.
type Result struct {
	// Snapshot is the captured network response. It is shared between all
	// callers of one fill and must not be mutated; use Snapshot.Response to
	// obtain an independent response.
	Snapshot *swcache.Snapshot

	// Stored reports whether the snapshot was written to a bucket.
	Stored bool
}

// FillFunc fetches from the network and stores the result. The context
// passed to FillFunc is detached from any single request so that one
// caller going away does not cancel the fill for other waiters.
type FillFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fills for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fill for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fills for the same key. Returns the result,
// whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fill completes, Do returns
// the context error but the fill continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FillFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// singleflight has already dropped key, so the next caller
			// starts a fresh fill.
			d.logger.Debug("fill failed", "key", key, "shared", res.Shared, "error", res.Err)
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
