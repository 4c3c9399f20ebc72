// Package expiration bounds cache buckets by entry age and entry count.
package expiration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/telemetry"
)

// Policy limits a bucket. Zero fields disable the corresponding limit.
type Policy struct {
	// MaxEntries is the number of entries kept. The oldest entries by
	// insertion are removed first; reads do not refresh position.
	MaxEntries int

	// MaxAge is how long an entry stays fresh after it was cached.
	MaxAge time.Duration
}

// DefaultPolicies holds the limits for each category bucket. HTML is
// never cached and has no policy.
var DefaultPolicies = map[swcache.Category]Policy{
	swcache.CategoryJSCSS: {MaxEntries: 30, MaxAge: 5 * time.Minute},
	swcache.CategoryAPI:   {MaxEntries: 100, MaxAge: 10 * time.Minute},
	swcache.CategoryImage: {MaxEntries: 200, MaxAge: 30 * 24 * time.Hour},
}

// ForCacheName returns the default policy for a versioned category
// bucket name.
func ForCacheName(name string) (Policy, bool) {
	c, _, ok := swcache.ParseCacheName(name)
	if !ok {
		return Policy{}, false
	}
	p, ok := DefaultPolicies[c]
	return p, ok
}

// Fresh reports whether an entry cached at cachedAt may still be served
// at now. Entries without a timestamp are treated as fresh.
func (p Policy) Fresh(cachedAt, now time.Time) bool {
	if p.MaxAge <= 0 || cachedAt.IsZero() {
		return true
	}
	return now.Sub(cachedAt) < p.MaxAge
}

// Result reports what an enforcement pass removed.
type Result struct {
	Expired int
	Evicted int
	Errors  int
}

// Enforce deletes entries of b that are stale at now, then the oldest
// remaining entries beyond MaxEntries. Individual delete failures are
// logged and counted; only a failure to list entries returns an error.
func (p Policy) Enforce(ctx context.Context, b store.Bucket, now time.Time, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result := &Result{}
	if p.MaxAge <= 0 && p.MaxEntries <= 0 {
		return result, nil
	}

	entries, err := b.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entries of %s: %w", b.Name(), err)
	}

	remaining := entries[:0:0]
	for _, e := range entries {
		if p.Fresh(e.CachedAt, now) {
			remaining = append(remaining, e)
			continue
		}
		if _, err := b.Delete(ctx, e.Key); err != nil {
			logger.Warn("failed to delete expired entry", "bucket", b.Name(), "key", e.Key, "error", err)
			result.Errors++
			remaining = append(remaining, e)
			continue
		}
		result.Expired++
	}

	if p.MaxEntries > 0 {
		for _, e := range remaining {
			if len(remaining)-result.Evicted <= p.MaxEntries {
				break
			}
			if _, err := b.Delete(ctx, e.Key); err != nil {
				logger.Warn("failed to evict entry", "bucket", b.Name(), "key", e.Key, "error", err)
				result.Errors++
				continue
			}
			result.Evicted++
		}
	}

	telemetry.RecordExpiration(ctx, b.Name(), "max_age", result.Expired)
	telemetry.RecordExpiration(ctx, b.Name(), "max_entries", result.Evicted)
	if result.Expired > 0 || result.Evicted > 0 {
		logger.Debug("bucket limits enforced",
			"bucket", b.Name(),
			"expired", result.Expired,
			"evicted", result.Evicted,
		)
	}
	return result, nil
}
