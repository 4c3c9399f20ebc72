package platform

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/furanomi/furanomi-sw/worker"
)

const authSecretSize = 16

var (
	// ErrUserVisibleOnly is returned when a subscription would allow
	// silent pushes.
	ErrUserVisibleOnly = errors.New("platform: push subscriptions must be user visible")

	// ErrKeyMismatch is returned when subscribing with a different server
	// key while a subscription is active.
	ErrKeyMismatch = errors.New("platform: active subscription uses a different application server key")
)

// LocalPushManager issues push subscriptions for one push service
// endpoint. Each subscription gets a fresh P-256 key pair and auth
// secret, the material a server needs to encrypt messages to it.
type LocalPushManager struct {
	endpointBase string

	mu      sync.Mutex
	current *localSubscription
}

// NewLocalPushManager creates a manager issuing endpoints under base.
func NewLocalPushManager(base string) *LocalPushManager {
	return &LocalPushManager{endpointBase: strings.TrimSuffix(base, "/")}
}

// Subscribe returns the active subscription or creates one. The server
// key must be an uncompressed P-256 public key.
func (m *LocalPushManager) Subscribe(_ context.Context, opts worker.SubscribeOptions) (worker.PushSubscription, error) {
	if !opts.UserVisibleOnly {
		return nil, ErrUserVisibleOnly
	}
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return nil, fmt.Errorf("invalid application server key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		if !bytes.Equal(m.current.serverKey, opts.ApplicationServerKey) {
			return nil, ErrKeyMismatch
		}
		return m.current, nil
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating subscription key: %w", err)
	}
	auth := make([]byte, authSecretSize)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generating auth secret: %w", err)
	}

	m.current = &localSubscription{
		manager:   m,
		endpoint:  m.endpointBase + "/" + uuid.NewString(),
		private:   priv,
		auth:      auth,
		serverKey: bytes.Clone(opts.ApplicationServerKey),
	}
	return m.current, nil
}

// GetSubscription returns the active subscription, or nil.
func (m *LocalPushManager) GetSubscription(context.Context) (worker.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, nil
	}
	return m.current, nil
}

type localSubscription struct {
	manager   *LocalPushManager
	endpoint  string
	private   *ecdh.PrivateKey
	auth      []byte
	serverKey []byte
}

func (s *localSubscription) Endpoint() string { return s.endpoint }

func (s *localSubscription) Key(name string) []byte {
	switch name {
	case "p256dh":
		return s.private.PublicKey().Bytes()
	case "auth":
		return bytes.Clone(s.auth)
	}
	return nil
}

func (s *localSubscription) Unsubscribe(context.Context) (bool, error) {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	if s.manager.current != s {
		return false, nil
	}
	s.manager.current = nil
	return true, nil
}

var _ worker.PushManager = (*LocalPushManager)(nil)
