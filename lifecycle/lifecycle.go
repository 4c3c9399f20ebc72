// Package lifecycle sweeps cache buckets when a worker version activates.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/strategy"
	"github.com/furanomi/furanomi-sw/telemetry"
	"github.com/furanomi/furanomi-sw/worker"
)

// MessageTypeActivated is the type of the message posted to pages once
// a version has activated.
const MessageTypeActivated = "activated"

// Message is posted to every window client after activation.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Reload  bool   `json:"reload"`
}

// Result reports what one activation changed. Failed steps are recorded
// in Errors and never stop the remaining steps.
type Result struct {
	Version  string
	Deleted  []string
	Purged   int
	Notified int
	Errors   []error
	Duration time.Duration
}

// Err joins the recorded errors, or returns nil.
func (r *Result) Err() error {
	return errors.Join(r.Errors...)
}

// Manager runs the activation sweep.
type Manager struct {
	storage store.Storage
	clients worker.Clients
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager. clients may be nil when no pages need telling.
func New(s store.Storage, clients worker.Clients, opts ...Option) *Manager {
	m := &Manager{
		storage: s,
		clients: clients,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// Activate makes version the only cached version:
//  1. every bucket outside the current set is deleted, except precache
//     buckets;
//  2. documents, scripts and styles are purged from the current buckets;
//  3. clients are claimed;
//  4. every window client, controlled or not, is told to reload.
func (m *Manager) Activate(ctx context.Context, version string) *Result {
	start := time.Now()
	result := &Result{Version: version}
	logger := m.logger.With("version", version)

	current := swcache.CurrentCacheNames(version)
	m.sweep(ctx, current, result, logger)
	m.purge(ctx, version, result, logger)
	m.notify(ctx, version, result, logger)

	result.Duration = time.Since(start)
	telemetry.RecordActivation(ctx, version, len(result.Deleted), result.Purged, result.Notified, len(result.Errors), result.Duration)
	logger.Info("activation sweep complete",
		"deleted", len(result.Deleted),
		"purged", result.Purged,
		"notified", result.Notified,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	return result
}

// Hook returns an activation handler that runs the sweep for version and
// holds the activation open until it settles.
func (m *Manager) Hook(version string) worker.ActivateHandler {
	return func(ev *worker.ExtendableEvent) {
		ev.WaitUntil(func(ctx context.Context) error {
			return m.Activate(ctx, version).Err()
		})
	}
}

func (m *Manager) sweep(ctx context.Context, current map[string]struct{}, result *Result, logger *slog.Logger) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		logger.Warn("failed to list buckets", "error", err)
		result.Errors = append(result.Errors, fmt.Errorf("listing buckets: %w", err))
		return
	}
	for _, name := range names {
		if _, ok := current[name]; ok || swcache.IsPrecache(name) {
			continue
		}
		if _, err := m.storage.Delete(ctx, name); err != nil {
			logger.Warn("failed to delete bucket", "bucket", name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("deleting bucket %s: %w", name, err))
			continue
		}
		logger.Debug("deleted bucket", "bucket", name)
		result.Deleted = append(result.Deleted, name)
	}
}

func (m *Manager) purge(ctx context.Context, version string, result *Result, logger *slog.Logger) {
	for _, c := range swcache.Categories {
		name := swcache.CacheName(c, version)
		ok, err := m.storage.Has(ctx, name)
		if err != nil {
			logger.Warn("failed to check bucket", "bucket", name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("checking bucket %s: %w", name, err))
			continue
		}
		if !ok {
			continue
		}
		b, err := m.storage.Open(ctx, name)
		if err != nil {
			logger.Warn("failed to open bucket", "bucket", name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("opening bucket %s: %w", name, err))
			continue
		}
		entries, err := b.Entries(ctx)
		if err != nil {
			logger.Warn("failed to list entries", "bucket", name, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("listing entries of %s: %w", name, err))
			continue
		}
		for _, e := range entries {
			if !Purgeable(e.URL) {
				continue
			}
			if _, err := b.Delete(ctx, e.Key); err != nil {
				logger.Warn("failed to purge entry", "bucket", name, "url", e.URL, "error", err)
				result.Errors = append(result.Errors, fmt.Errorf("purging %s from %s: %w", e.URL, name, err))
				continue
			}
			result.Purged++
		}
	}
}

func (m *Manager) notify(ctx context.Context, version string, result *Result, logger *slog.Logger) {
	if m.clients == nil {
		return
	}
	if err := m.clients.Claim(ctx); err != nil {
		logger.Warn("failed to claim clients", "error", err)
		result.Errors = append(result.Errors, fmt.Errorf("claiming clients: %w", err))
	}

	clients, err := m.clients.MatchAll(ctx, worker.ClientQuery{
		Type:                worker.ClientTypeWindow,
		IncludeUncontrolled: true,
	})
	if err != nil {
		logger.Warn("failed to list clients", "error", err)
		result.Errors = append(result.Errors, fmt.Errorf("listing clients: %w", err))
		return
	}

	msg := Message{Type: MessageTypeActivated, Version: version, Reload: true}
	for _, c := range clients {
		if err := c.PostMessage(ctx, msg); err != nil {
			logger.Warn("failed to notify client", "client", c.ID(), "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("notifying client %s: %w", c.ID(), err))
			continue
		}
		result.Notified++
	}
}

// Purgeable reports whether a cached URL is a document, script or style
// that must not survive an activation.
func Purgeable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strategy.IsDocument(u.Path) || strategy.IsScriptOrStyle(u.Path)
}
