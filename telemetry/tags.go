// Package telemetry provides request tagging for structured logging and
// OpenTelemetry metrics for the cache controller.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const requestTagsKey contextKey = "request_tags"

// CacheResult is how a fetch was ultimately served.
type CacheResult string

const (
	// CacheHit means the response came from a cache bucket without a network call.
	CacheHit CacheResult = "hit"
	// CacheMiss means a cache-first lookup missed and the network filled it.
	CacheMiss CacheResult = "miss"
	// CacheNetwork means a network-first fetch succeeded.
	CacheNetwork CacheResult = "network"
	// CacheFallback means the network failed or timed out and a cached copy was served.
	CacheFallback CacheResult = "fallback"
	// CacheBypass means no bucket was consulted.
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers fill in for
// the access log and metrics.
type RequestTags struct {
	Category    string
	Rule        string
	CacheResult CacheResult
}

// InjectTags returns r with empty RequestTags attached.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(WithTags(r.Context()))
}

// WithTags returns ctx carrying a fresh RequestTags.
func WithTags(ctx context.Context) context.Context {
	tags := &RequestTags{CacheResult: CacheBypass}
	return context.WithValue(ctx, requestTagsKey, tags)
}

// GetTags retrieves the request tags, or nil outside tagged requests.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult records how the request was served.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRoute records which routing rule handled the request.
func SetRoute(ctx context.Context, category, rule string) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Category = category
		tags.Rule = rule
	}
}

// CategoryFromContext returns the category tag, or "" when unset.
func CategoryFromContext(ctx context.Context) string {
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Category
	}
	return ""
}
