// Package store defines the cache storage the strategy router and the
// lifecycle manager operate on: a set of named buckets, each mapping a
// request identity to a response snapshot.
package store

import (
	"context"
	"errors"
	"net/http"
	"time"

	swcache "github.com/furanomi/furanomi-sw"
)

var (
	// ErrNotFound is returned when a bucket holds no entry for a request.
	ErrNotFound = errors.New("store: not found")

	// ErrQuotaExceeded is returned when a write would exceed the storage quota.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrClosed is returned by operations on a closed storage.
	ErrClosed = errors.New("store: closed")
)

// Entry describes one cached request without loading its body.
type Entry struct {
	Key      string
	Method   string
	URL      string
	CachedAt time.Time
}

// Bucket is one named cache: an ordered map from request identity to
// response snapshot. Implementations must be safe for concurrent use.
type Bucket interface {
	Name() string

	// Match returns the snapshot stored for req.
	// Returns ErrNotFound on a miss.
	Match(ctx context.Context, req *http.Request) (*swcache.Snapshot, error)

	// Put stores snap under snap.Key(), replacing any previous entry. A
	// replaced entry moves to the end of the insertion order.
	Put(ctx context.Context, snap *swcache.Snapshot) error

	// Delete removes the entry with the given request key and reports
	// whether one existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Entries lists all entries in insertion order, oldest first.
	Entries(ctx context.Context) ([]Entry, error)
}

// Storage is the set of named buckets.
type Storage interface {
	// Open returns the named bucket, creating it if absent.
	Open(ctx context.Context, name string) (Bucket, error)

	// Has reports whether the named bucket exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named bucket and all of its entries. It reports
	// whether the bucket existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
}

// ExistingOpener is implemented by storages that can open a bucket
// without creating it, atomically with respect to Delete.
type ExistingOpener interface {
	// OpenExisting returns the named bucket, or ErrNotFound if absent.
	OpenExisting(ctx context.Context, name string) (Bucket, error)
}

// OpenExisting returns the named bucket without creating it. Returns
// ErrNotFound when the bucket does not exist.
func OpenExisting(ctx context.Context, s Storage, name string) (Bucket, error) {
	if eo, ok := s.(ExistingOpener); ok {
		return eo.OpenExisting(ctx, name)
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return s.Open(ctx, name)
}

// MatchAny searches every bucket in creation order and returns the first
// snapshot stored for req. Buckets that fail to open or match are skipped.
// Returns ErrNotFound when no bucket holds the request.
func MatchAny(ctx context.Context, s Storage, req *http.Request) (*swcache.Snapshot, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		b, err := s.Open(ctx, name)
		if err != nil {
			continue
		}
		snap, err := b.Match(ctx, req)
		if err == nil {
			return snap, nil
		}
	}
	return nil, ErrNotFound
}

// Stats summarises storage contents for the status endpoint.
type Stats struct {
	Buckets   int   `json:"buckets"`
	Entries   int   `json:"entries"`
	Bodies    int   `json:"bodies"`
	BodyBytes int64 `json:"body_bytes"`
}

// StatsReporter is implemented by storages that can summarise themselves.
type StatsReporter interface {
	Stats(ctx context.Context) (Stats, error)
}
