package expiration

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/telemetry"
)

// PolicyFunc returns the policy for a bucket, or false to leave it alone.
type PolicyFunc func(bucket string) (Policy, bool)

// garbageCollector is implemented by storages that can drop bodies no
// entry references.
type garbageCollector interface {
	CollectGarbage(ctx context.Context) (int, error)
}

// Config holds reaper configuration.
type Config struct {
	// Interval is how often to enforce policies. Default is 5 minutes.
	Interval time.Duration

	// Policies selects the policy per bucket. Default is ForCacheName.
	Policies PolicyFunc

	Logger *slog.Logger
}

// Reaper enforces bucket policies in the background so buckets stay
// bounded even when nothing writes to them.
type Reaper struct {
	storage  store.Storage
	interval time.Duration
	policies PolicyFunc
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper over s.
func NewReaper(s store.Storage, cfg Config) *Reaper {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Policies == nil {
		cfg.Policies = ForCacheName
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		storage:  s,
		interval: cfg.Interval,
		policies: cfg.Policies,
		logger:   cfg.Logger.With("component", "reaper"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background enforcement. It is a no-op if already started
// or stopped.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts background enforcement and waits for the loop to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// CycleResult sums one reaper pass over all buckets.
type CycleResult struct {
	Buckets         int
	Expired         int
	Evicted         int
	BodiesCollected int
	Errors          int
	Duration        time.Duration
}

// RunOnce enforces policies on every bucket once.
func (r *Reaper) RunOnce(ctx context.Context) *CycleResult {
	start := time.Now()
	result := &CycleResult{}
	defer func() {
		result.Duration = time.Since(start)
		telemetry.RecordReaperCycle(ctx, result.Duration)
	}()

	names, err := r.storage.Keys(ctx)
	if err != nil {
		r.logger.Error("failed to list buckets", "error", err)
		result.Errors++
		return result
	}

	now := r.now()
	for _, name := range names {
		policy, ok := r.policies(name)
		if !ok {
			continue
		}
		// Never create buckets here: one deleted since Keys stays deleted.
		b, err := store.OpenExisting(ctx, r.storage, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("failed to open bucket", "bucket", name, "error", err)
			result.Errors++
			continue
		}
		res, err := policy.Enforce(ctx, b, now, r.logger)
		if err != nil {
			r.logger.Warn("failed to enforce policy", "bucket", name, "error", err)
			result.Errors++
			continue
		}
		result.Buckets++
		result.Expired += res.Expired
		result.Evicted += res.Evicted
		result.Errors += res.Errors
	}

	if gc, ok := r.storage.(garbageCollector); ok {
		n, err := gc.CollectGarbage(ctx)
		if err != nil {
			r.logger.Warn("failed to collect unreferenced bodies", "error", err)
			result.Errors++
		}
		result.BodiesCollected = n
	}

	if result.Expired > 0 || result.Evicted > 0 {
		r.logger.Info("reaper cycle complete",
			"buckets", result.Buckets,
			"expired", result.Expired,
			"evicted", result.Evicted,
			"duration", time.Since(start),
		)
	}
	return result
}
