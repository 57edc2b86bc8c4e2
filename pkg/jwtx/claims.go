package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token lifetimes. Short access tokens, long trusted-device markers.
const (
	DefaultAccessTokenTTL   = 15 * time.Minute
	DefaultTrustedDeviceTTL = 30 * 24 * time.Hour
)

// Authentication Method Reference values carried in the "amr" claim.
const (
	AMRPassword    = "pwd"
	AMRPasskey     = "webauthn"
	AMROTP         = "otp"
	AMRMFA         = "mfa"
	AMRRecoveryKey = "rcvr"
)

// SessionClaims are access-token claims minted after a completed sign-in.
type SessionClaims struct {
	jwt.RegisteredClaims

	// Stamp is the user's security stamp at mint time. A token whose stamp no
	// longer matches the stored one is dead, whatever its expiry says.
	Stamp string `json:"stamp,omitempty"`

	// AMR lists how the user authenticated, e.g. ["pwd","mfa"].
	AMR []string `json:"amr,omitempty"`
}

// DeviceClaims mark a browser as trusted after a completed second factor so
// later sign-ins may skip it. Bound to the security stamp the same way.
type DeviceClaims struct {
	jwt.RegisteredClaims

	Stamp string `json:"stamp,omitempty"`
}

// NewSessionClaims builds minimally-correct session claims.
func NewSessionClaims(subject, stamp string, amr []string, issuer string, ttl time.Duration, now time.Time) SessionClaims {
	return SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Stamp: stamp,
		AMR:   amr,
	}
}

// NewDeviceClaims builds trusted-device claims for a user.
func NewDeviceClaims(subject, stamp string, issuer string, ttl time.Duration, now time.Time) DeviceClaims {
	return DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Stamp: stamp,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ErrInvalidToken reports any token that failed signature or claim checks.
var ErrInvalidToken = errors.New("jwtx: invalid token")
