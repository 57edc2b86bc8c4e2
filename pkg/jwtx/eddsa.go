package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs and verifies tokens with a single Ed25519 keypair. The service
// mints short-lived tokens only, so one in-memory keypair per process is
// enough; losing it on restart just forces a fresh sign-in.
type Signer struct {
	kid string
	key ed25519.PrivateKey
	pub ed25519.PublicKey

	issuer string
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner(kid, issuer string) (*Signer, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: generate keypair: %w", err)
	}
	return &Signer{kid: kid, key: key, pub: pub, issuer: issuer}, nil
}

// NewSignerFromPEM loads an Ed25519 private key from PKCS8 PEM bytes, for
// deployments that must keep tokens valid across restarts.
func NewSignerFromPEM(kid, issuer string, pemKey []byte) (*Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("jwtx: invalid PEM for Ed25519 key")
	}
	if block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("jwtx: expected PRIVATE KEY, got %q (Ed25519 requires PKCS8)", block.Type)
	}

	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse PKCS8: %w", err)
	}
	key, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwtx: not Ed25519 private key")
	}

	return &Signer{
		kid:    kid,
		key:    key,
		pub:    key.Public().(ed25519.PublicKey),
		issuer: issuer,
	}, nil
}

func (s *Signer) KID() string { return s.kid }

// Issuer returns the issuer claim this signer mints and requires.
func (s *Signer) Issuer() string { return s.issuer }

// SignSession turns session claims into a signed JWT string.
func (s *Signer) SignSession(claims SessionClaims) (string, error) {
	return s.sign(claims)
}

// SignDevice turns trusted-device claims into a signed JWT string.
func (s *Signer) SignDevice(claims DeviceClaims) (string, error) {
	return s.sign(claims)
}

func (s *Signer) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// VerifySession validates a session token string and returns its claims.
func (s *Signer) VerifySession(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	if err := s.verify(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyDevice validates a trusted-device token string and returns its claims.
func (s *Signer) VerifyDevice(tokenStr string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if err := s.verify(tokenStr, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Signer) verify(tokenStr string, claims jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, fmt.Errorf("jwtx: unknown kid %q", kid)
		}
		return s.pub, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
