// Package platform implements the worker platform for the edge runtime:
// network access to the origin, pages connected over Server-Sent Events,
// notification sinks and a local push subscription manager.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/furanomi/furanomi-sw/telemetry"
)

// DefaultFetchTimeout bounds a single upstream request.
const DefaultFetchTimeout = 30 * time.Second

// UpstreamFetcher sends application requests to the origin server.
// Requests for the public origin are rewritten to the upstream address;
// requests for other hosts are sent as-is.
type UpstreamFetcher struct {
	upstream *url.URL
	public   *url.URL
	origin   *http.Client
	external *http.Client
}

// FetcherOption configures an UpstreamFetcher.
type FetcherOption func(*fetcherConfig)

type fetcherConfig struct {
	public  *url.URL
	base    http.RoundTripper
	timeout time.Duration
}

// WithPublicOrigin sets the origin pages are served from. Requests for it
// are forwarded upstream.
func WithPublicOrigin(u *url.URL) FetcherOption {
	return func(c *fetcherConfig) {
		c.public = u
	}
}

// WithTransport sets the base transport.
func WithTransport(rt http.RoundTripper) FetcherOption {
	return func(c *fetcherConfig) {
		c.base = rt
	}
}

// WithFetchTimeout sets the per-request timeout.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(c *fetcherConfig) {
		c.timeout = d
	}
}

// NewUpstreamFetcher creates a fetcher for the origin at upstream.
func NewUpstreamFetcher(upstream string, opts ...FetcherOption) (*UpstreamFetcher, error) {
	u, err := url.Parse(strings.TrimSuffix(upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", upstream)
	}

	cfg := fetcherConfig{timeout: DefaultFetchTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &UpstreamFetcher{
		upstream: u,
		public:   cfg.public,
		origin: &http.Client{
			Transport: telemetry.NewFetchTransport(cfg.base, "origin"),
			Timeout:   cfg.timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		external: &http.Client{
			Transport: telemetry.NewFetchTransport(cfg.base, "external"),
			Timeout:   cfg.timeout,
		},
	}, nil
}

// Fetch performs req against the network.
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	// Let the transport negotiate and decode compression so cached
	// bodies are stored decoded.
	out.Header.Del("Accept-Encoding")

	client := f.external
	if f.isOrigin(req.URL) {
		client = f.origin
		u := *req.URL
		u.Scheme = f.upstream.Scheme
		u.Host = f.upstream.Host
		u.Path = f.upstream.Path + req.URL.Path
		if req.URL.RawPath != "" {
			u.RawPath = f.upstream.Path + req.URL.RawPath
		}
		out.URL = &u
		out.Host = ""
		if f.public != nil {
			out.Header.Set("X-Forwarded-Host", f.public.Host)
			out.Header.Set("X-Forwarded-Proto", f.public.Scheme)
		}
	}

	resp, err := client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL.Redacted(), err)
	}
	return resp, nil
}

func (f *UpstreamFetcher) isOrigin(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	if f.public == nil {
		return false
	}
	return strings.EqualFold(u.Host, f.public.Host)
}
