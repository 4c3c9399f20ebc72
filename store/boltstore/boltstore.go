// Package boltstore implements persistent cache storage on bbolt.
//
// Layout: the top-level "caches" bucket holds one nested bucket per cache
// bucket name. Each nested bucket carries its creation sequence, an
// "entries" bucket (request key -> entry record) and an "order" bucket
// (insertion sequence -> request key). Bodies live in a backend keyed by
// BLAKE3 hash, with reference counts in the top-level "bodies" bucket.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/backend"
	"github.com/furanomi/furanomi-sw/store"
)

var (
	bucketCaches  = []byte("caches")
	bucketBodies  = []byte("bodies")
	bucketEntries = []byte("entries")
	bucketOrder   = []byte("order")
	keyCreated    = []byte("created")
)

// Storage implements store.Storage using bbolt for entry metadata and a
// backend for bodies.
type Storage struct {
	// db is nil once closed. Readers load it without taking mu.
	db     atomic.Pointer[bbolt.DB]
	bodies *bodyStore
	logger *slog.Logger
	now    func() time.Time

	compressionThreshold int
	maxBodySize          int64
	noSync               bool

	// mu serialises mutations so a body is never deleted between another
	// writer's existence check and its refcount increment.
	mu sync.Mutex
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithCompressionThreshold sets the body size at which zstd is attempted.
func WithCompressionThreshold(n int) Option {
	return func(s *Storage) {
		s.compressionThreshold = n
	}
}

// WithMaxBodySize caps a single body. Larger puts fail with
// store.ErrQuotaExceeded.
func WithMaxBodySize(n int64) Option {
	return func(s *Storage) {
		s.maxBodySize = n
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// New opens the database at path and stores bodies in b.
func New(path string, b backend.Backend, opts ...Option) (*Storage, error) {
	s := &Storage{
		logger:               slog.Default(),
		now:                  time.Now,
		compressionThreshold: DefaultCompressionThreshold,
		maxBodySize:          DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "boltstore")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCaches, bucketBodies} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := newBodyCodec(s.compressionThreshold)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s.db.Store(db)
	s.bodies = &bodyStore{backend: b, codec: codec, now: s.now}
	s.logger.Debug("opened cache storage", "path", path, "noSync", s.noSync)
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.db.Swap(nil)
	if db == nil {
		return nil
	}
	// Close waits for open read transactions.
	err := db.Close()
	s.bodies.codec.Close()
	return err
}

func (s *Storage) view(fn func(tx *bbolt.Tx) error) error {
	db := s.db.Load()
	if db == nil {
		return store.ErrClosed
	}
	err := db.View(fn)
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return store.ErrClosed
	}
	return err
}

// update runs fn in a write transaction. Callers must hold s.mu.
func (s *Storage) update(fn func(tx *bbolt.Tx) error) error {
	db := s.db.Load()
	if db == nil {
		return store.ErrClosed
	}
	return db.Update(fn)
}

// Open returns the named bucket, creating it if absent.
func (s *Storage) Open(_ context.Context, name string) (store.Bucket, error) {
	exists := false
	err := s.view(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return &Bucket{name: name, storage: s}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.update(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		if caches.Bucket([]byte(name)) != nil {
			return nil
		}
		seq, err := caches.NextSequence()
		if err != nil {
			return err
		}
		cb, err := caches.CreateBucket([]byte(name))
		if err != nil {
			return fmt.Errorf("creating cache bucket: %w", err)
		}
		if _, err := cb.CreateBucket(bucketEntries); err != nil {
			return err
		}
		if _, err := cb.CreateBucket(bucketOrder); err != nil {
			return err
		}
		return cb.Put(keyCreated, encodeSeq(seq))
	})
	if err != nil {
		return nil, err
	}
	return &Bucket{name: name, storage: s}, nil
}

// OpenExisting returns the named bucket, or store.ErrNotFound.
func (s *Storage) OpenExisting(_ context.Context, name string) (store.Bucket, error) {
	exists := false
	err := s.view(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return &Bucket{name: name, storage: s}, nil
}

// Has reports whether the named bucket exists.
func (s *Storage) Has(_ context.Context, name string) (bool, error) {
	var ok bool
	err := s.view(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketCaches).Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Delete removes the named bucket, releasing its body references.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existed bool
	var orphaned []swcache.Hash
	err := s.update(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		cb := caches.Bucket([]byte(name))
		if cb == nil {
			return nil
		}
		existed = true

		bodies := tx.Bucket(bucketBodies)
		err := cb.Bucket(bucketEntries).ForEach(func(_, v []byte) error {
			rec, err := unmarshalEntryRecord(v)
			if err != nil {
				s.logger.Warn("skipping undecodable entry", "bucket", name, "error", err)
				return nil
			}
			released, err := decrementBodyRef(bodies, rec.BodyHash)
			if err != nil {
				return err
			}
			if released {
				orphaned = append(orphaned, rec.BodyHash)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return caches.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, err
	}

	s.deleteBodies(ctx, orphaned)
	return existed, nil
}

// Keys lists bucket names in creation order.
func (s *Storage) Keys(_ context.Context) ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	var all []named
	err := s.view(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		return caches.ForEachBucket(func(k []byte) error {
			cb := caches.Bucket(k)
			all = append(all, named{name: string(k), seq: decodeSeq(cb.Get(keyCreated))})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(all, func(a, b named) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names, nil
}

// Stats summarises the storage.
func (s *Storage) Stats(_ context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.view(func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		err := caches.ForEachBucket(func(k []byte) error {
			st.Buckets++
			st.Entries += caches.Bucket(k).Bucket(bucketEntries).Stats().KeyN
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBodies).ForEach(func(_, v []byte) error {
			rec, err := unmarshalBodyRecord(v)
			if err != nil {
				return nil
			}
			st.Bodies++
			st.BodyBytes += rec.Size
			return nil
		})
	})
	return st, err
}

// CollectGarbage deletes bodies in the backend that no entry references,
// left behind by interrupted writes. Returns the number deleted.
func (s *Storage) CollectGarbage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes, err := s.bodies.list(ctx)
	if err != nil {
		return 0, err
	}

	var unreferenced []swcache.Hash
	err = s.view(func(tx *bbolt.Tx) error {
		bodies := tx.Bucket(bucketBodies)
		for _, h := range hashes {
			if bodies.Get(h[:]) == nil {
				unreferenced = append(unreferenced, h)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, h := range unreferenced {
		if err := s.bodies.delete(ctx, h); err != nil {
			s.logger.Warn("failed to delete unreferenced body", "hash", h.ShortString(), "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("unreferenced bodies collected", "deleted", deleted)
	}
	return deleted, nil
}

func (s *Storage) deleteBodies(ctx context.Context, hashes []swcache.Hash) {
	for _, h := range hashes {
		if err := s.bodies.delete(ctx, h); err != nil {
			s.logger.Warn("failed to delete body", "hash", h.ShortString(), "error", err)
		}
	}
}

// incrementBodyRef adds a reference to h, creating its record if needed.
func incrementBodyRef(bodies *bbolt.Bucket, h swcache.Hash, size int64) error {
	rec := &bodyRecord{Size: size}
	if v := bodies.Get(h[:]); v != nil {
		existing, err := unmarshalBodyRecord(v)
		if err != nil {
			return err
		}
		rec = existing
	}
	rec.RefCount++
	return bodies.Put(h[:], rec.marshal())
}

// decrementBodyRef drops a reference to h and reports whether it was the
// last one, in which case the record is removed.
func decrementBodyRef(bodies *bbolt.Bucket, h swcache.Hash) (bool, error) {
	v := bodies.Get(h[:])
	if v == nil {
		return false, nil
	}
	rec, err := unmarshalBodyRecord(v)
	if err != nil {
		return false, err
	}
	if rec.RefCount > 1 {
		rec.RefCount--
		return false, bodies.Put(h[:], rec.marshal())
	}
	return true, bodies.Delete(h[:])
}

// Bucket is a handle on one named cache bucket. Operations on a handle
// whose bucket has been deleted fail with store.ErrClosed, except Match
// and Entries which report an empty bucket.
type Bucket struct {
	name    string
	storage *Storage
}

func (b *Bucket) Name() string { return b.name }

func (b *Bucket) Match(ctx context.Context, req *http.Request) (*swcache.Snapshot, error) {
	key := []byte(swcache.RequestKey(req))

	var rec *entryRecord
	err := b.storage.view(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketCaches).Bucket([]byte(b.name))
		if cb == nil {
			return store.ErrNotFound
		}
		v := cb.Bucket(bucketEntries).Get(key)
		if v == nil {
			return store.ErrNotFound
		}
		var err error
		rec, err = unmarshalEntryRecord(v)
		return err
	})
	if err != nil {
		return nil, err
	}

	body, err := b.storage.bodies.get(ctx, rec.BodyHash)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			b.storage.logger.Warn("entry body missing", "bucket", b.name, "key", rec.key(), "hash", rec.BodyHash.ShortString())
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("loading body: %w", err)
	}

	return &swcache.Snapshot{
		Method:   rec.Method,
		URL:      rec.URL,
		Status:   rec.Status,
		Header:   rec.Header,
		Body:     body,
		CachedAt: rec.CachedAt,
	}, nil
}

func (b *Bucket) Put(ctx context.Context, snap *swcache.Snapshot) error {
	s := b.storage
	if int64(len(snap.Body)) > s.maxBodySize {
		return fmt.Errorf("body of %d bytes: %w", len(snap.Body), store.ErrQuotaExceeded)
	}
	h := swcache.HashBytes(snap.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db.Load() == nil {
		return store.ErrClosed
	}

	created, err := s.bodies.put(ctx, h, snap.Body)
	if err != nil {
		return err
	}

	var orphaned []swcache.Hash
	err = s.update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketCaches).Bucket([]byte(b.name))
		if cb == nil {
			return store.ErrClosed
		}
		entries := cb.Bucket(bucketEntries)
		order := cb.Bucket(bucketOrder)
		bodies := tx.Bucket(bucketBodies)

		if err := incrementBodyRef(bodies, h, int64(len(snap.Body))); err != nil {
			return err
		}

		key := []byte(snap.Key())
		if v := entries.Get(key); v != nil {
			old, err := unmarshalEntryRecord(v)
			if err != nil {
				return err
			}
			if err := order.Delete(encodeSeq(old.Seq)); err != nil {
				return err
			}
			released, err := decrementBodyRef(bodies, old.BodyHash)
			if err != nil {
				return err
			}
			if released {
				orphaned = append(orphaned, old.BodyHash)
			}
		}

		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		rec := &entryRecord{
			Method:   snap.Method,
			URL:      snap.URL,
			Status:   snap.Status,
			Header:   snap.Header,
			BodyHash: h,
			BodySize: int64(len(snap.Body)),
			CachedAt: snap.CachedAt,
			Seq:      seq,
		}
		if err := entries.Put(key, rec.marshal()); err != nil {
			return err
		}
		return order.Put(encodeSeq(seq), key)
	})
	if err != nil {
		if created {
			s.deleteBodies(ctx, []swcache.Hash{h})
		}
		return err
	}

	s.deleteBodies(ctx, orphaned)
	return nil
}

func (b *Bucket) Delete(ctx context.Context, key string) (bool, error) {
	s := b.storage
	s.mu.Lock()
	defer s.mu.Unlock()

	var existed bool
	var orphaned []swcache.Hash
	err := s.update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketCaches).Bucket([]byte(b.name))
		if cb == nil {
			return nil
		}
		entries := cb.Bucket(bucketEntries)
		v := entries.Get([]byte(key))
		if v == nil {
			return nil
		}
		existed = true

		rec, err := unmarshalEntryRecord(v)
		if err != nil {
			return err
		}
		if err := entries.Delete([]byte(key)); err != nil {
			return err
		}
		if err := cb.Bucket(bucketOrder).Delete(encodeSeq(rec.Seq)); err != nil {
			return err
		}
		released, err := decrementBodyRef(tx.Bucket(bucketBodies), rec.BodyHash)
		if err != nil {
			return err
		}
		if released {
			orphaned = append(orphaned, rec.BodyHash)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.deleteBodies(ctx, orphaned)
	return existed, nil
}

func (b *Bucket) Entries(_ context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := b.storage.view(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketCaches).Bucket([]byte(b.name))
		if cb == nil {
			return nil
		}
		entries := cb.Bucket(bucketEntries)
		return cb.Bucket(bucketOrder).ForEach(func(_, key []byte) error {
			v := entries.Get(key)
			if v == nil {
				return nil
			}
			rec, err := unmarshalEntryRecord(v)
			if err != nil {
				return err
			}
			out = append(out, store.Entry{
				Key:      rec.key(),
				Method:   rec.Method,
				URL:      rec.URL,
				CachedAt: rec.CachedAt,
			})
			return nil
		})
	})
	return out, err
}

var (
	_ store.Storage        = (*Storage)(nil)
	_ store.StatsReporter  = (*Storage)(nil)
	_ store.ExistingOpener = (*Storage)(nil)
	_ store.Bucket         = (*Bucket)(nil)
)
