// Package memstore implements cache storage in process memory.
package memstore

import (
	"cmp"
	"context"
	"net/http"
	"slices"
	"sync"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/store"
)

// Storage is an in-memory store.Storage. Snapshots are copied on the way
// in and out so callers never share body slices with the store.
type Storage struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	order    []string
	maxBytes int64
	used     int64
	closed   bool
}

// Option configures a Storage.
type Option func(*Storage)

// WithMaxBytes caps the total body bytes held across all buckets. Puts
// beyond the cap fail with store.ErrQuotaExceeded. Zero means unlimited.
func WithMaxBytes(n int64) Option {
	return func(s *Storage) {
		s.maxBytes = n
	}
}

// New creates an empty Storage.
func New(opts ...Option) *Storage {
	s := &Storage{buckets: make(map[string]*Bucket)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns the named bucket, creating it if absent.
func (s *Storage) Open(_ context.Context, name string) (store.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &Bucket{name: name, storage: s, entries: make(map[string]*entry)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

// OpenExisting returns the named bucket, or store.ErrNotFound.
func (s *Storage) OpenExisting(_ context.Context, name string) (store.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	b, ok := s.buckets[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

// Has reports whether the named bucket exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, store.ErrClosed
	}
	_, ok := s.buckets[name]
	return ok, nil
}

// Delete removes the named bucket.
func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, store.ErrClosed
	}
	b, ok := s.buckets[name]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.buckets, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	s.mu.Unlock()

	b.mu.Lock()
	var freed int64
	for _, e := range b.entries {
		freed += int64(len(e.snap.Body))
	}
	b.entries = make(map[string]*entry)
	b.deleted = true
	b.mu.Unlock()

	_ = s.reserve(-freed)
	return true, nil
}

// Keys lists bucket names in creation order.
func (s *Storage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	return append([]string(nil), s.order...), nil
}

// Close drops all buckets. Later operations return store.ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.order = nil
	s.used = 0
	return nil
}

// reserve accounts delta body bytes against the quota.
func (s *Storage) reserve(delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if s.maxBytes > 0 && delta > 0 && s.used+delta > s.maxBytes {
		return store.ErrQuotaExceeded
	}
	s.used += delta
	return nil
}

type entry struct {
	snap *swcache.Snapshot
	seq  uint64
}

// Bucket is one in-memory cache bucket.
type Bucket struct {
	name    string
	storage *Storage

	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
	deleted bool
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Match(_ context.Context, req *http.Request) (*swcache.Snapshot, error) {
	key := swcache.RequestKey(req)
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSnapshot(e.snap), nil
}

func (b *Bucket) Put(_ context.Context, snap *swcache.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return store.ErrClosed
	}

	key := snap.Key()
	delta := int64(len(snap.Body))
	if old, ok := b.entries[key]; ok {
		delta -= int64(len(old.snap.Body))
	}
	if err := b.storage.reserve(delta); err != nil {
		return err
	}

	b.seq++
	b.entries[key] = &entry{snap: cloneSnapshot(snap), seq: b.seq}
	return nil
}

func (b *Bucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	delete(b.entries, key)
	_ = b.storage.reserve(-int64(len(e.snap.Body)))
	return true, nil
}

func (b *Bucket) Entries(_ context.Context) ([]store.Entry, error) {
	b.mu.RLock()
	all := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e)
	}
	b.mu.RUnlock()

	slices.SortFunc(all, func(x, y *entry) int { return cmp.Compare(x.seq, y.seq) })
	out := make([]store.Entry, 0, len(all))
	for _, e := range all {
		out = append(out, store.Entry{
			Key:      e.snap.Key(),
			Method:   e.snap.Method,
			URL:      e.snap.URL,
			CachedAt: e.snap.CachedAt,
		})
	}
	return out, nil
}

func cloneSnapshot(s *swcache.Snapshot) *swcache.Snapshot {
	c := *s
	c.Header = s.Header.Clone()
	c.Body = append([]byte(nil), s.Body...)
	return &c
}

var (
	_ store.Storage = (*Storage)(nil)
	_ store.Bucket  = (*Bucket)(nil)
)

// Stats summarises the storage. Bodies counts entries since memstore
// does not deduplicate.
func (s *Storage) Stats(_ context.Context) (store.Stats, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return store.Stats{}, store.ErrClosed
	}
	st := store.Stats{Buckets: len(s.buckets), BodyBytes: s.used}
	buckets := make([]*Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		buckets = append(buckets, b)
	}
	s.mu.RUnlock()

	for _, b := range buckets {
		b.mu.RLock()
		st.Entries += len(b.entries)
		b.mu.RUnlock()
	}
	st.Bodies = st.Entries
	return st, nil
}

var (
	_ store.StatsReporter  = (*Storage)(nil)
	_ store.ExistingOpener = (*Storage)(nil)
)
