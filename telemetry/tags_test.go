package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Category)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutTags(t *testing.T) {
	ctx := context.Background()
	SetCacheResult(ctx, CacheHit)
	SetRoute(ctx, "api", "api")
	require.Empty(t, CategoryFromContext(ctx))
}

func TestTagsMutationVisibleThroughContext(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetRoute(r.Context(), "js-css", "js-css")
	SetCacheResult(r.Context(), CacheFallback)

	require.Equal(t, "js-css", tags.Category)
	require.Equal(t, "js-css", tags.Rule)
	require.Equal(t, CacheFallback, tags.CacheResult)
	require.Equal(t, "js-css", CategoryFromContext(r.Context()))
}
