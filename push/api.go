package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 10 * time.Second

	// DefaultKeyTTL is how long the server's public key is reused before
	// it is fetched again.
	DefaultKeyTTL = time.Hour

	vapidKeyCacheKey = "vapid-public-key"
)

// ErrNoPublicKey is returned when the server has no public key configured.
var ErrNoPublicKey = errors.New("push: server returned no public key")

// APIClient talks to the Furanomi notification API.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
	keyTTL  time.Duration
	keys    *cache.Cache
}

// APIOption configures an APIClient.
type APIOption func(*APIClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIClient) {
		c.client = client
	}
}

// WithBearerToken authenticates requests with token.
func WithBearerToken(token string) APIOption {
	return func(c *APIClient) {
		c.token = token
	}
}

// WithKeyTTL sets how long the public key is cached. Zero or negative
// disables caching.
func WithKeyTTL(ttl time.Duration) APIOption {
	return func(c *APIClient) {
		c.keyTTL = ttl
	}
}

// NewAPIClient creates a client for the API rooted at baseURL.
func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	c := &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: DefaultTimeout},
		keyTTL:  DefaultKeyTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	// No janitor: the cache holds a single key and Get honours expiry.
	c.keys = cache.New(c.keyTTL, 0)
	return c
}

// VAPIDPublicKey returns the server's application server key in its
// base64url form.
func (c *APIClient) VAPIDPublicKey(ctx context.Context) (string, error) {
	if c.keyTTL > 0 {
		if v, ok := c.keys.Get(vapidKeyCacheKey); ok {
			return v.(string), nil
		}
	}

	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/notifications/vapid-public-key", nil, &body); err != nil {
		return "", err
	}
	if body.PublicKey == "" {
		return "", ErrNoPublicKey
	}

	if c.keyTTL > 0 {
		c.keys.SetDefault(vapidKeyCacheKey, body.PublicKey)
	}
	return body.PublicKey, nil
}

// ForgetPublicKey drops the cached public key.
func (c *APIClient) ForgetPublicKey() {
	c.keys.Delete(vapidKeyCacheKey)
}

// Subscribe registers sub with the server.
func (c *APIClient) Subscribe(ctx context.Context, sub *Subscription) error {
	payload := struct {
		Subscription *Subscription `json:"subscription"`
	}{sub}
	return c.do(ctx, http.MethodPost, "/api/notifications/subscribe", payload, nil)
}

// Unsubscribe removes the subscription identified by endpoint.
func (c *APIClient) Unsubscribe(ctx context.Context, endpoint string) error {
	payload := struct {
		Endpoint string `json:"endpoint"`
	}{endpoint}
	return c.do(ctx, http.MethodDelete, "/api/notifications/unsubscribe", payload, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
