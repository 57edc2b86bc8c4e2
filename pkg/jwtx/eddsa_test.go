package jwtx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifySession(t *testing.T) {
	signer, err := NewSigner("test-key", "gatehouse-test")
	require.NoError(t, err)

	now := time.Now().UTC()
	claims := NewSessionClaims("user-1", "stamp-1", []string{AMRPassword, AMRMFA}, "gatehouse-test", time.Minute, now)

	token, err := signer.SignSession(claims)
	require.NoError(t, err)

	parsed, err := signer.VerifySession(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed.Subject)
	require.Equal(t, "stamp-1", parsed.Stamp)
	require.Equal(t, []string{AMRPassword, AMRMFA}, parsed.AMR)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	a, err := NewSigner("key-a", "gatehouse-test")
	require.NoError(t, err)
	b, err := NewSigner("key-a", "gatehouse-test")
	require.NoError(t, err)

	token, err := a.SignSession(NewSessionClaims("user-1", "s", nil, "gatehouse-test", time.Minute, time.Now()))
	require.NoError(t, err)

	_, err = b.VerifySession(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer, err := NewSigner("test-key", "gatehouse-test")
	require.NoError(t, err)

	stale := NewDeviceClaims("user-1", "s", "gatehouse-test", time.Minute, time.Now().Add(-time.Hour))
	token, err := signer.SignDevice(stale)
	require.NoError(t, err)

	_, err = signer.VerifyDevice(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	minter, err := NewSigner("test-key", "someone-else")
	require.NoError(t, err)

	token, err := minter.SignSession(NewSessionClaims("user-1", "s", nil, "someone-else", time.Minute, time.Now()))
	require.NoError(t, err)

	verifier := &Signer{kid: minter.kid, key: minter.key, pub: minter.pub, issuer: "gatehouse-test"}
	_, err = verifier.VerifySession(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
