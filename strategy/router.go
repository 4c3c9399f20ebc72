package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/download"
	"github.com/furanomi/furanomi-sw/expiration"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// DefaultAPITimeout bounds the network attempt of the API rule.
const DefaultAPITimeout = 5 * time.Second

// CategoryStatic labels the catch-all same-origin rule. It has no bucket
// of its own.
const CategoryStatic = "static"

// MatchFunc reports whether a rule applies to req.
type MatchFunc func(req *http.Request) bool

// Rule pairs a predicate with the policy applied to matching requests.
type Rule struct {
	Name     string
	Category string
	Match    MatchFunc
	Handler  Handler
}

// Router applies the first matching rule to each intercepted GET
// request. Requests no rule matches are left to the network.
type Router struct {
	rules  []Rule
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router over rules, evaluated in order.
func NewRouter(rules []Rule, opts ...RouterOption) *Router {
	r := &Router{
		rules:  rules,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Rules returns the rule table.
func (r *Router) Rules() []Rule {
	return r.rules
}

// Route returns the first rule matching req. Non-GET requests never
// match.
func (r *Router) Route(req *http.Request) (Rule, bool) {
	if req.Method != "" && req.Method != http.MethodGet {
		return Rule{}, false
	}
	for _, rule := range r.rules {
		if rule.Match(req) {
			return rule, true
		}
	}
	return Rule{}, false
}

// HandleFetch is a worker.FetchHandler.
func (r *Router) HandleFetch(ev *worker.FetchEvent) {
	rule, ok := r.Route(ev.Request)
	if !ok {
		return
	}
	req := ev.Request
	ev.RespondWith(func(ctx context.Context) (*http.Response, error) {
		if telemetry.TagsFromContext(ctx) == nil {
			ctx = telemetry.WithTags(ctx)
		}
		telemetry.SetRoute(ctx, rule.Category, rule.Name)

		resp, err := rule.Handler.Handle(ctx, req)
		if err != nil {
			r.logger.Debug("rule failed", "rule", rule.Name, "url", req.URL.String(), "error", err)
			telemetry.RecordStrategyResult(ctx, rule.Name, "error")
			return nil, err
		}
		telemetry.RecordStrategyResult(ctx, rule.Name, telemetry.TagsFromContext(ctx).CacheResult)
		return resp, nil
	})
}

// Config holds the dependencies of the default rule table.
type Config struct {
	Version string
	// Origin is the application origin. Requests without a host are
	// treated as same-origin.
	Origin     *url.URL
	Fetcher    worker.Fetcher
	Storage    store.Storage
	Downloader *download.Downloader
	// APITimeout bounds API network attempts. Defaults to DefaultAPITimeout.
	APITimeout time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultRules builds the Furanomi rule table in priority order:
// documents, scripts and styles, API calls, images, then any other
// same-origin request.
func DefaultRules(cfg Config) []Rule {
	if cfg.APITimeout == 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "strategy")
	sameOrigin := func(req *http.Request) bool { return IsSameOrigin(req, cfg.Origin) }

	return []Rule{
		{
			Name:     "html",
			Category: string(swcache.CategoryHTML),
			Match:    func(req *http.Request) bool { return sameOrigin(req) && IsDocument(req.URL.Path) },
			Handler:  &NetworkOnly{Fetcher: cfg.Fetcher},
		},
		{
			Name:     "js-css",
			Category: string(swcache.CategoryJSCSS),
			Match:    func(req *http.Request) bool { return sameOrigin(req) && IsScriptOrStyle(req.URL.Path) },
			Handler: NewNetworkFirst(NetworkFirstConfig{
				Fetcher:   cfg.Fetcher,
				Storage:   cfg.Storage,
				CacheName: swcache.CacheName(swcache.CategoryJSCSS, cfg.Version),
				Policy:    expiration.DefaultPolicies[swcache.CategoryJSCSS],
				Logger:    logger,
				Now:       cfg.Now,
			}),
		},
		{
			Name:     "api",
			Category: string(swcache.CategoryAPI),
			Match:    func(req *http.Request) bool { return IsAPI(req.URL.Path) },
			Handler: NewNetworkFirst(NetworkFirstConfig{
				Fetcher:   cfg.Fetcher,
				Storage:   cfg.Storage,
				CacheName: swcache.CacheName(swcache.CategoryAPI, cfg.Version),
				Policy:    expiration.DefaultPolicies[swcache.CategoryAPI],
				Timeout:   cfg.APITimeout,
				Logger:    logger,
				Now:       cfg.Now,
			}),
		},
		{
			Name:     "images",
			Category: string(swcache.CategoryImage),
			Match:    func(req *http.Request) bool { return IsImage(req.URL.Path) },
			Handler: NewCacheFirst(CacheFirstConfig{
				Fetcher:    cfg.Fetcher,
				Storage:    cfg.Storage,
				CacheName:  swcache.CacheName(swcache.CategoryImage, cfg.Version),
				Policy:     expiration.DefaultPolicies[swcache.CategoryImage],
				Downloader: cfg.Downloader,
				Logger:     logger,
				Now:        cfg.Now,
			}),
		},
		{
			Name:     "static",
			Category: CategoryStatic,
			Match:    sameOrigin,
			Handler:  &CacheMatchFallback{Fetcher: cfg.Fetcher, Storage: cfg.Storage},
		},
	}
}

// IsSameOrigin reports whether req targets origin. Relative requests and
// a nil origin always match.
func IsSameOrigin(req *http.Request, origin *url.URL) bool {
	if origin == nil || req.URL.Host == "" {
		return true
	}
	return strings.EqualFold(req.URL.Host, origin.Host) &&
		(req.URL.Scheme == "" || strings.EqualFold(req.URL.Scheme, origin.Scheme))
}

// IsDocument reports whether p is the root document or an HTML page.
func IsDocument(p string) bool {
	return p == "/" || hasExt(p, ".html")
}

// IsScriptOrStyle reports whether p is a JavaScript or CSS asset.
func IsScriptOrStyle(p string) bool {
	return hasExt(p, ".js", ".css")
}

// IsAPI reports whether p addresses the application API.
func IsAPI(p string) bool {
	return strings.Contains(p, "/api/")
}

// IsImage reports whether p has an image extension.
func IsImage(p string) bool {
	return hasExt(p, ".png", ".jpg", ".jpeg", ".svg", ".gif", ".webp")
}

func hasExt(p string, exts ...string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
