package cache

import (
	"context"
	"time"

	"github.com/pelorusid/gatehouse/pkg/cryptox"
)

// DefaultCeremonyTTL bounds how long a WebAuthn ceremony may stay open
// between issuing options and receiving the authenticator response.
const DefaultCeremonyTTL = 5 * time.Minute

// CeremonyStore holds pending WebAuthn ceremony state keyed by an opaque
// token. State is redeemed at most once: a second redemption of the same
// token fails regardless of timing.
type CeremonyStore struct {
	cache Cache
	ttl   time.Duration
}

// NewCeremonyStore creates a ceremony store. A non-positive ttl falls back to
// DefaultCeremonyTTL.
func NewCeremonyStore(c Cache, ttl time.Duration) *CeremonyStore {
	if ttl <= 0 {
		ttl = DefaultCeremonyTTL
	}
	return &CeremonyStore{cache: c, ttl: ttl}
}

// Begin stores the serialized ceremony state and returns the token the
// client must echo back to finish the ceremony.
func (s *CeremonyStore) Begin(ctx context.Context, state []byte) (string, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", err
	}

	if err := s.cache.Set(ctx, ceremonyKey(token), state, s.ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Redeem returns the ceremony state and invalidates the token in the same
// operation. Expired, unknown, and already-redeemed tokens all return
// ErrNotFound.
func (s *CeremonyStore) Redeem(ctx context.Context, token string) ([]byte, error) {
	return s.cache.Take(ctx, ceremonyKey(token))
}

// Abandon drops pending state without redeeming it.
func (s *CeremonyStore) Abandon(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, ceremonyKey(token))
}

func ceremonyKey(token string) string { return "ceremony:" + token }
