package strategy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/furanomi/furanomi-sw/download"
	"github.com/furanomi/furanomi-sw/store/memstore"
	"github.com/furanomi/furanomi-sw/store/storetest"
	"github.com/furanomi/furanomi-sw/worker"
)

func testOrigin(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://furanomi.example")
	require.NoError(t, err)
	return u
}

// newTestWorker wires the default rules into an activated worker.
func newTestWorker(t *testing.T, net *network, s *spyStorage) *worker.Worker {
	t.Helper()
	router := NewRouter(DefaultRules(Config{
		Version:    "v1",
		Origin:     testOrigin(t),
		Fetcher:    net,
		Storage:    s,
		Downloader: download.New(),
		APITimeout: 50 * time.Millisecond,
	}))
	w := worker.New("v1", worker.Platform{Fetcher: net})
	w.OnFetch(router.HandleFetch)
	require.NoError(t, w.Activate(context.Background()))
	t.Cleanup(func() { _ = w.Drain(context.Background()) })
	return w
}

func TestDefaultRulesRouting(t *testing.T) {
	router := NewRouter(DefaultRules(Config{Version: "v1", Origin: testOrigin(t), Storage: memstore.New()}))

	tests := []struct {
		method string
		url    string
		want   string
	}{
		{http.MethodGet, "https://furanomi.example/", "html"},
		{http.MethodGet, "https://furanomi.example/index.html", "html"},
		{http.MethodGet, "https://furanomi.example/shops/42.html", "html"},
		{http.MethodGet, "https://furanomi.example/assets/index-3f2a.js", "js-css"},
		{http.MethodGet, "https://furanomi.example/assets/index.css", "js-css"},
		{http.MethodGet, "https://furanomi.example/api/shops?lat=43.3&lng=142.4", "api"},
		{http.MethodGet, "https://api.furanomi.example/v2/api/shops", "api"},
		{http.MethodGet, "https://furanomi.example/api/shops/1/photo.png", "api"},
		{http.MethodGet, "https://furanomi.example/icons/icon-192x192.png", "images"},
		{http.MethodGet, "https://furanomi.example/photo.JPEG", "images"},
		{http.MethodGet, "https://cdn.example/tiles/1.webp", "images"},
		{http.MethodGet, "https://furanomi.example/manifest.json", "static"},
		{http.MethodGet, "https://furanomi.example/shops", "static"},
		{http.MethodGet, "https://cdn.example/lib.js", ""},
		{http.MethodGet, "https://cdn.example/", ""},
		{http.MethodGet, "http://furanomi.example/app.js", ""},
		{http.MethodPost, "https://furanomi.example/api/shops", ""},
		{http.MethodPut, "https://furanomi.example/app.js", ""},
		{http.MethodDelete, "https://furanomi.example/icon.png", ""},
		{http.MethodHead, "https://furanomi.example/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.url, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			rule, ok := router.Route(req)
			if tt.want == "" {
				require.False(t, ok, "routed to %q", rule.Name)
				return
			}
			require.True(t, ok)
			require.Equal(t, tt.want, rule.Name)
		})
	}
}

func TestRouterNeverTouchesStorageForNonGET(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	net := newNetwork(serve("ok"))
	w := newTestWorker(t, net, s)

	paths := []string{"/", "/app.js", "/api/shops", "/logo.png", "/manifest.json"}
	methods := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}
	for _, m := range methods {
		for _, p := range paths {
			req, err := http.NewRequest(m, "https://furanomi.example"+p, strings.NewReader("{}"))
			require.NoError(t, err)
			resp, err := w.HandleFetch(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, "ok", readBody(t, resp))
		}
	}

	require.Zero(t, s.ops.Load())
	require.Equal(t, len(paths)*len(methods), net.callCount())
}

func TestRouterDocumentsNeverReadCache(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	for _, bucket := range []string{"html-cache-v1", jsBucket, imageBucket} {
		b, err := s.Storage.Open(context.Background(), bucket)
		require.NoError(t, err)
		require.NoError(t, b.Put(context.Background(), storetest.NewSnapshot("https://furanomi.example/", "stale", time.Now())))
		require.NoError(t, b.Put(context.Background(), storetest.NewSnapshot("https://furanomi.example/about.html", "stale", time.Now())))
	}

	net := newNetwork(serve("fresh"))
	w := newTestWorker(t, net, s)

	for _, p := range []string{"/", "/about.html"} {
		resp, err := w.HandleFetch(context.Background(), storetest.NewRequest(t, "https://furanomi.example"+p))
		require.NoError(t, err)
		require.Equal(t, "fresh", readBody(t, resp))
		require.Equal(t, "no-store", net.lastCall().Header.Get("Cache-Control"))
	}
	require.Zero(t, s.ops.Load())
}

func TestRouterScriptFreshnessAcrossRequests(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	net := newNetwork(serve("console.log(1)"))
	w := newTestWorker(t, net, s)
	url := "https://furanomi.example/assets/app.js"

	resp, err := w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "console.log(1)", readBody(t, resp))

	net.setRespond(serve("console.log(2)"))
	resp, err = w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "console.log(2)", readBody(t, resp))
}

func TestRouterImageDurableOffline(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	net := newNetwork(serve("image-bytes"))
	w := newTestWorker(t, net, s)
	url := "https://furanomi.example/images/shop-1.jpg"

	resp, err := w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "image-bytes", readBody(t, resp))

	net.setRespond(offline)
	resp, err = w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "image-bytes", readBody(t, resp))
}

func TestRouterAPIFallbackOffline(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	net := newNetwork(serve(`{"shops":[]}`))
	w := newTestWorker(t, net, s)
	url := "https://furanomi.example/api/shops"

	resp, err := w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	readBody(t, resp)

	net.setRespond(offline)
	resp, err = w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, `{"shops":[]}`, readBody(t, resp))

	_, err = w.HandleFetch(context.Background(), storetest.NewRequest(t, "https://furanomi.example/api/managers"))
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestDrainWaitsForLateAPIRefresh(t *testing.T) {
	s := &spyStorage{Storage: memstore.New()}
	net := newNetwork(serve("old"))
	w := newTestWorker(t, net, s)
	url := "https://furanomi.example/api/shops/7"

	resp, err := w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	readBody(t, resp)

	release := make(chan struct{})
	net.setRespond(func(*http.Request) (*http.Response, error) {
		<-release
		return response(http.StatusOK, "new"), nil
	})

	resp, err = w.HandleFetch(context.Background(), storetest.NewRequest(t, url))
	require.NoError(t, err)
	require.Equal(t, "old", readBody(t, resp), "timed out request serves the cache")

	drained := make(chan error, 1)
	go func() { drained <- w.Drain(context.Background()) }()

	select {
	case err := <-drained:
		t.Fatalf("drain returned before the late refresh finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-drained)
	require.Equal(t, "new", cached(t, s, "api-cache-v1", url), "late refresh written before drain returns")
}

func TestPredicates(t *testing.T) {
	require.True(t, IsDocument("/"))
	require.True(t, IsDocument("/offline.html"))
	require.False(t, IsDocument("/shops"))
	require.False(t, IsDocument("/html"))

	require.True(t, IsScriptOrStyle("/a.js"))
	require.True(t, IsScriptOrStyle("/a.CSS"))
	require.False(t, IsScriptOrStyle("/a.json"))
	require.False(t, IsScriptOrStyle("/a.mjs"))

	require.True(t, IsAPI("/api/"))
	require.True(t, IsAPI("/v1/api/shops"))
	require.False(t, IsAPI("/apis"))
	require.False(t, IsAPI("/api"))

	for _, ext := range []string{"png", "jpg", "jpeg", "svg", "gif", "webp"} {
		require.True(t, IsImage("/x."+ext), ext)
	}
	require.False(t, IsImage("/x.ico"))
}

func TestIsSameOrigin(t *testing.T) {
	origin := testOrigin(t)

	rel := &http.Request{URL: &url.URL{Path: "/a.js"}}
	require.True(t, IsSameOrigin(rel, origin))
	require.True(t, IsSameOrigin(storetest.NewRequest(t, "https://FURANOMI.example/a.js"), origin))
	require.False(t, IsSameOrigin(storetest.NewRequest(t, "https://furanomi.example:8443/a.js"), origin))
	require.False(t, IsSameOrigin(storetest.NewRequest(t, "http://furanomi.example/a.js"), origin))
	require.True(t, IsSameOrigin(storetest.NewRequest(t, "https://cdn.example/a.js"), nil))
}
