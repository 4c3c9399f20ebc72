package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const apiBase = "https://api.furanomi.example"

func newMockAPI(t *testing.T, opts ...APIOption) (*APIClient, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	opts = append([]APIOption{WithHTTPClient(&http.Client{Transport: mt})}, opts...)
	return NewAPIClient(apiBase+"/", opts...), mt
}

func TestVAPIDPublicKeyIsCached(t *testing.T) {
	api, mt := newMockAPI(t)
	mt.RegisterResponder(http.MethodGet, apiBase+"/api/notifications/vapid-public-key",
		httpmock.NewStringResponder(http.StatusOK, `{"publicKey":"BPk-key"}`))

	for range 3 {
		key, err := api.VAPIDPublicKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "BPk-key", key)
	}
	require.Equal(t, 1, mt.GetTotalCallCount())

	api.ForgetPublicKey()
	_, err := api.VAPIDPublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, mt.GetTotalCallCount())
}

func TestVAPIDPublicKeyCachingDisabled(t *testing.T) {
	api, mt := newMockAPI(t, WithKeyTTL(0))
	mt.RegisterResponder(http.MethodGet, apiBase+"/api/notifications/vapid-public-key",
		httpmock.NewStringResponder(http.StatusOK, `{"publicKey":"k"}`))

	for range 2 {
		_, err := api.VAPIDPublicKey(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, mt.GetTotalCallCount())
}

func TestVAPIDPublicKeyExpires(t *testing.T) {
	api, mt := newMockAPI(t, WithKeyTTL(20*time.Millisecond))
	mt.RegisterResponder(http.MethodGet, apiBase+"/api/notifications/vapid-public-key",
		httpmock.NewStringResponder(http.StatusOK, `{"publicKey":"k"}`))

	_, err := api.VAPIDPublicKey(context.Background())
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = api.VAPIDPublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, mt.GetTotalCallCount())
}

func TestVAPIDPublicKeyErrors(t *testing.T) {
	api, mt := newMockAPI(t)
	mt.RegisterResponder(http.MethodGet, apiBase+"/api/notifications/vapid-public-key",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "push disabled"))

	_, err := api.VAPIDPublicKey(context.Background())
	require.ErrorContains(t, err, "503")
	require.ErrorContains(t, err, "push disabled")

	mt.RegisterResponder(http.MethodGet, apiBase+"/api/notifications/vapid-public-key",
		httpmock.NewStringResponder(http.StatusOK, `{}`))
	_, err = api.VAPIDPublicKey(context.Background())
	require.ErrorIs(t, err, ErrNoPublicKey)
}

func TestSubscribePostsRecord(t *testing.T) {
	api, mt := newMockAPI(t, WithBearerToken("secret"))

	var got map[string]map[string]any
	var auth, contentType string
	mt.RegisterResponder(http.MethodPost, apiBase+"/api/notifications/subscribe",
		func(req *http.Request) (*http.Response, error) {
			auth = req.Header.Get("Authorization")
			contentType = req.Header.Get("Content-Type")
			b, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(b, &got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusCreated, `{"ok":true}`), nil
		})

	sub := &Subscription{Endpoint: "https://push.example/e", Keys: SubscriptionKeys{P256dh: "p", Auth: "a"}}
	require.NoError(t, api.Subscribe(context.Background(), sub))

	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "https://push.example/e", got["subscription"]["endpoint"])
	require.Equal(t, map[string]any{"p256dh": "p", "auth": "a"}, got["subscription"]["keys"])
}

func TestUnsubscribeSendsEndpoint(t *testing.T) {
	api, mt := newMockAPI(t)

	var got map[string]string
	mt.RegisterResponder(http.MethodDelete, apiBase+"/api/notifications/unsubscribe",
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
				return nil, err
			}
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	require.NoError(t, api.Unsubscribe(context.Background(), "https://push.example/e"))
	require.Equal(t, map[string]string{"endpoint": "https://push.example/e"}, got)

	mt.RegisterResponder(http.MethodDelete, apiBase+"/api/notifications/unsubscribe",
		httpmock.NewStringResponder(http.StatusNotFound, "unknown endpoint"))
	require.ErrorContains(t, api.Unsubscribe(context.Background(), "x"), "404")
}
