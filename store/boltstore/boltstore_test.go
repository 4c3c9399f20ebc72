package boltstore

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/backend"
	"github.com/furanomi/furanomi-sw/store"
	"github.com/furanomi/furanomi-sw/store/storetest"
)

func newTestStorage(t *testing.T, b backend.Backend, opts ...Option) *Storage {
	t.Helper()
	opts = append([]Option{WithNoSync(true)}, opts...)
	s, err := New(filepath.Join(t.TempDir(), "cache.db"), b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorageConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage {
		return newTestStorage(t, backend.NewMemory())
	})
}

func TestStorageConformanceDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage {
		disk, err := backend.NewDisk(t.TempDir())
		require.NoError(t, err)
		return newTestStorage(t, disk)
	})
}

func TestBodiesAreDeduplicated(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem)
	now := time.Now()

	a, err := s.Open(ctx, "image-cache-v1")
	require.NoError(t, err)
	b, err := s.Open(ctx, "workbox-precache-v1")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, storetest.NewSnapshot("https://furanomi.example/logo.png", "same-bytes", now)))
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot("https://furanomi.example/logo.png", "same-bytes", now)))

	keys, err := mem.List(ctx, "bodies")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Buckets)
	require.Equal(t, 2, st.Entries)
	require.Equal(t, 1, st.Bodies)

	// Deleting one bucket keeps the shared body.
	_, err = s.Delete(ctx, "image-cache-v1")
	require.NoError(t, err)
	keys, err = mem.List(ctx, "bodies")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Deleting the last reference removes it.
	ok, err := b.Delete(ctx, "GET https://furanomi.example/logo.png")
	require.NoError(t, err)
	require.True(t, ok)
	keys, err = mem.List(ctx, "bodies")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestReplaceReleasesOldBody(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem)

	b, err := s.Open(ctx, "api-cache-v1")
	require.NoError(t, err)

	url := "https://furanomi.example/api/shops"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "v1", time.Now())))
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "v2", time.Now())))

	keys, err := mem.List(ctx, "bodies")
	require.NoError(t, err)
	require.Equal(t, []string{swcache.BodyStorageKey(swcache.HashBytes([]byte("v2")))}, keys)
}

func TestLargeBodiesAreCompressed(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem, WithCompressionThreshold(64))

	b, err := s.Open(ctx, "js-css-cache-v1")
	require.NoError(t, err)

	body := strings.Repeat("body{margin:0}", 200)
	url := "https://furanomi.example/assets/app.css"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, body, time.Now())))

	key := swcache.BodyStorageKey(swcache.HashBytes([]byte(body)))
	size, err := mem.Size(ctx, key)
	require.NoError(t, err)
	require.Less(t, size, int64(len(body)))

	rc, err := mem.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	header, _, err := backend.ReadFramed(rc)
	require.NoError(t, err)
	require.Equal(t, backend.EncodingZstd, header.Encoding)
	require.EqualValues(t, len(body), header.Size)

	snap, err := b.Match(ctx, storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, body, string(snap.Body))
}

func TestCorruptedBodyIsReported(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem)

	b, err := s.Open(ctx, "api-cache-v1")
	require.NoError(t, err)
	url := "https://furanomi.example/api/x"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "genuine", time.Now())))

	h := swcache.HashBytes([]byte("genuine"))
	var buf bytes.Buffer
	require.NoError(t, backend.WriteFramed(&buf, &backend.BodyHeader{
		ContentHash: h.String(),
		Size:        8,
		Encoding:    backend.EncodingIdentity,
	}, strings.NewReader("tampered")))
	require.NoError(t, mem.Write(ctx, swcache.BodyStorageKey(h), &buf))

	_, err = b.Match(ctx, storetest.NewRequest(t, url))
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestMissingBodyIsAMiss(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem)

	b, err := s.Open(ctx, "api-cache-v1")
	require.NoError(t, err)
	url := "https://furanomi.example/api/x"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "x", time.Now())))
	require.NoError(t, mem.Delete(ctx, swcache.BodyStorageKey(swcache.HashBytes([]byte("x")))))

	_, err = b.Match(ctx, storetest.NewRequest(t, url))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMaxBodySize(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, backend.NewMemory(), WithMaxBodySize(4))

	b, err := s.Open(ctx, "image-cache-v1")
	require.NoError(t, err)

	err = b.Put(ctx, storetest.NewSnapshot("https://furanomi.example/big.png", "12345", time.Now()))
	require.ErrorIs(t, err, store.ErrQuotaExceeded)
}

func TestCollectGarbage(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	s := newTestStorage(t, mem)

	b, err := s.Open(ctx, "api-cache-v1")
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot("https://furanomi.example/api/x", "kept", time.Now())))

	stray := swcache.HashBytes([]byte("stray"))
	require.NoError(t, mem.Write(ctx, swcache.BodyStorageKey(stray), strings.NewReader("stray")))

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	keys, err := mem.List(ctx, "bodies")
	require.NoError(t, err)
	require.Equal(t, []string{swcache.BodyStorageKey(swcache.HashBytes([]byte("kept")))}, keys)
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	disk, err := backend.NewDisk(filepath.Join(dir, "bodies"))
	require.NoError(t, err)
	path := filepath.Join(dir, "cache.db")

	s, err := New(path, disk)
	require.NoError(t, err)
	b, err := s.Open(ctx, "image-cache-v1")
	require.NoError(t, err)
	url := "https://furanomi.example/photo.jpg"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "jpeg", time.Now())))
	require.NoError(t, s.Close())

	s, err = New(path, disk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"image-cache-v1"}, keys)

	b, err = s.Open(ctx, "image-cache-v1")
	require.NoError(t, err)
	snap, err := b.Match(ctx, storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(snap.Body))
}

func TestClosedStorage(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "cache.db"), backend.NewMemory())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Keys(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Open(ctx, "api-cache-v1")
	require.ErrorIs(t, err, store.ErrClosed)
}

func TestCloseWhileReading(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, backend.NewMemory())
	b, err := s.Open(ctx, "api-cache-v1")
	require.NoError(t, err)
	url := "https://furanomi.example/api/shops"
	require.NoError(t, b.Put(ctx, storetest.NewSnapshot(url, "[]", time.Now())))

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, err := s.Has(ctx, "api-cache-v1"); err != nil {
				errCh <- err
				return
			}
			if _, err := b.Entries(ctx); err != nil {
				errCh <- err
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, s.Close())
	require.ErrorIs(t, <-errCh, store.ErrClosed)

	_, err = s.Has(ctx, "api-cache-v1")
	require.ErrorIs(t, err, store.ErrClosed)
	_, err = store.OpenExisting(ctx, s, "api-cache-v1")
	require.ErrorIs(t, err, store.ErrClosed)
}
