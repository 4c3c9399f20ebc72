// Package storetest provides a conformance suite for store.Storage
// implementations.
package storetest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	swcache "github.com/furanomi/furanomi-sw"
	"github.com/furanomi/furanomi-sw/store"
)

// NewRequest builds a GET request for url, failing the test on error.
func NewRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

// NewSnapshot builds a 200 snapshot for a GET of url.
func NewSnapshot(url, body string, cachedAt time.Time) *swcache.Snapshot {
	return &swcache.Snapshot{
		Method:   http.MethodGet,
		URL:      url,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		CachedAt: cachedAt.UTC(),
	}
}

// Run exercises the store.Storage contract against storages produced by
// newStorage. Each subtest receives a fresh, empty storage.
func Run(t *testing.T, newStorage func(t *testing.T) store.Storage) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("open creates lazily", func(t *testing.T) {
		s := newStorage(t)

		ok, err := s.Has(ctx, "image-cache-v1")
		require.NoError(t, err)
		require.False(t, ok)

		b, err := s.Open(ctx, "image-cache-v1")
		require.NoError(t, err)
		require.Equal(t, "image-cache-v1", b.Name())

		ok, err = s.Has(ctx, "image-cache-v1")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("open existing never creates", func(t *testing.T) {
		s := newStorage(t)

		_, err := store.OpenExisting(ctx, s, "js-css-cache-v1")
		require.ErrorIs(t, err, store.ErrNotFound)
		ok, err := s.Has(ctx, "js-css-cache-v1")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = s.Open(ctx, "js-css-cache-v1")
		require.NoError(t, err)
		b, err := store.OpenExisting(ctx, s, "js-css-cache-v1")
		require.NoError(t, err)
		require.Equal(t, "js-css-cache-v1", b.Name())

		_, err = s.Delete(ctx, "js-css-cache-v1")
		require.NoError(t, err)
		_, err = store.OpenExisting(ctx, s, "js-css-cache-v1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("put and match", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)

		url := "https://furanomi.example/api/shops"
		require.NoError(t, b.Put(ctx, NewSnapshot(url, `{"shops":[]}`, base)))

		snap, err := b.Match(ctx, NewRequest(t, url))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, snap.Status)
		require.Equal(t, `{"shops":[]}`, string(snap.Body))
		require.Equal(t, "text/plain", snap.Header.Get("Content-Type"))
		require.True(t, base.Equal(snap.CachedAt))
	})

	t.Run("match ignores fragment", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "js-css-cache-v1")
		require.NoError(t, err)

		require.NoError(t, b.Put(ctx, NewSnapshot("https://furanomi.example/app.js", "x", base)))

		_, err = b.Match(ctx, NewRequest(t, "https://furanomi.example/app.js#top"))
		require.NoError(t, err)
	})

	t.Run("miss returns ErrNotFound", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)

		_, err = b.Match(ctx, NewRequest(t, "https://furanomi.example/api/missing"))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("returned snapshots are independent copies", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)

		url := "https://furanomi.example/api/x"
		in := NewSnapshot(url, "original", base)
		require.NoError(t, b.Put(ctx, in))
		in.Body[0] = 'X'

		snap, err := b.Match(ctx, NewRequest(t, url))
		require.NoError(t, err)
		require.Equal(t, "original", string(snap.Body))
	})

	t.Run("entries in insertion order and replace moves to end", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "image-cache-v1")
		require.NoError(t, err)

		for i, name := range []string{"a", "b", "c"} {
			url := fmt.Sprintf("https://furanomi.example/%s.png", name)
			require.NoError(t, b.Put(ctx, NewSnapshot(url, name, base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, b.Put(ctx, NewSnapshot("https://furanomi.example/a.png", "a2", base.Add(time.Hour))))

		entries, err := b.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, "https://furanomi.example/b.png", entries[0].URL)
		require.Equal(t, "https://furanomi.example/c.png", entries[1].URL)
		require.Equal(t, "https://furanomi.example/a.png", entries[2].URL)
		require.Equal(t, "GET https://furanomi.example/a.png", entries[2].Key)
		require.True(t, base.Add(time.Hour).Equal(entries[2].CachedAt))

		snap, err := b.Match(ctx, NewRequest(t, "https://furanomi.example/a.png"))
		require.NoError(t, err)
		require.Equal(t, "a2", string(snap.Body))
	})

	t.Run("delete entry", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)

		url := "https://furanomi.example/api/x"
		require.NoError(t, b.Put(ctx, NewSnapshot(url, "x", base)))

		ok, err := b.Delete(ctx, "GET "+url)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Delete(ctx, "GET "+url)
		require.NoError(t, err)
		require.False(t, ok)

		_, err = b.Match(ctx, NewRequest(t, url))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delete bucket and keys order", func(t *testing.T) {
		s := newStorage(t)
		for _, name := range []string{"html-cache-v1", "api-cache-v2", "image-cache-v2"} {
			b, err := s.Open(ctx, name)
			require.NoError(t, err)
			require.NoError(t, b.Put(ctx, NewSnapshot("https://furanomi.example/"+name, name, base)))
		}

		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"html-cache-v1", "api-cache-v2", "image-cache-v2"}, keys)

		ok, err := s.Delete(ctx, "html-cache-v1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Delete(ctx, "html-cache-v1")
		require.NoError(t, err)
		require.False(t, ok)

		keys, err = s.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"api-cache-v2", "image-cache-v2"}, keys)

		// Reopening yields an empty bucket.
		b, err := s.Open(ctx, "html-cache-v1")
		require.NoError(t, err)
		entries, err := b.Entries(ctx)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("match any", func(t *testing.T) {
		s := newStorage(t)
		url := "https://furanomi.example/icons/icon-192x192.png"

		_, err := store.MatchAny(ctx, s, NewRequest(t, url))
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)
		b, err := s.Open(ctx, "workbox-precache-v2")
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, NewSnapshot(url, "icon", base)))

		snap, err := store.MatchAny(ctx, s, NewRequest(t, url))
		require.NoError(t, err)
		require.Equal(t, "icon", string(snap.Body))
	})

	t.Run("concurrent puts", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				url := fmt.Sprintf("https://furanomi.example/api/%d", i)
				errs <- b.Put(ctx, NewSnapshot(url, url, base))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		entries, err := b.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 20)
	})

	t.Run("empty body", func(t *testing.T) {
		s := newStorage(t)
		b, err := s.Open(ctx, "api-cache-v1")
		require.NoError(t, err)
		require.NoError(t, b.Put(ctx, NewSnapshot("https://furanomi.example/api/empty", "", base)))
		snap, err := b.Match(ctx, NewRequest(t, "https://furanomi.example/api/empty"))
		require.NoError(t, err)
		require.Empty(t, snap.Body)
	})
}
