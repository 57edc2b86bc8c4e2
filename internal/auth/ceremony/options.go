package ceremony

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
)

// BeginRegistration builds credential creation options for the user and
// stashes the pending state. asPasskey selects a resident (discoverable)
// credential usable for primary sign-in; otherwise a plain security key is
// requested. Every credential the user already owns is excluded so an
// authenticator cannot be enrolled twice.
func (e *Engine) BeginRegistration(ctx context.Context, user domain.User, asPasskey bool) (*protocol.CredentialCreation, string, error) {
	existing, err := e.creds.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list credentials: %w", err)
	}
	cu := newCeremonyUser(user, existing)

	residency := protocol.ResidentKeyRequirementDiscouraged
	if asPasskey {
		residency = protocol.ResidentKeyRequirementRequired
	}

	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(residency),
	}
	if len(cu.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(cu.credentials).CredentialDescriptors()))
	}

	creation, session, err := e.provider.BeginRegistration(cu, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin registration: %w", err)
	}

	token, err := e.storeSession(ctx, sessionEnvelope{
		Kind:    kindRegistration,
		UserID:  user.ID,
		Passkey: asPasskey,
		Session: *session,
	})
	if err != nil {
		return nil, "", err
	}
	return creation, token, nil
}

// BeginAssertion builds assertion options for a known user. All of the
// user's credentials are allowed; the verifier decides afterwards whether the
// one used may serve the caller's purpose.
func (e *Engine) BeginAssertion(ctx context.Context, user domain.User) (*protocol.CredentialAssertion, string, error) {
	existing, err := e.creds.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list credentials: %w", err)
	}
	cu := newCeremonyUser(user, existing)

	assertion, session, err := e.provider.BeginLogin(cu)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin assertion: %w", err)
	}

	token, err := e.storeSession(ctx, sessionEnvelope{
		Kind:    kindAssertion,
		UserID:  user.ID,
		Session: *session,
	})
	if err != nil {
		return nil, "", err
	}
	return assertion, token, nil
}

// BeginDiscoverableAssertion builds assertion options with no user named.
// The authenticator picks a resident credential and reveals the account in
// its response.
func (e *Engine) BeginDiscoverableAssertion(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	assertion, session, err := e.provider.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin assertion: %w", err)
	}

	token, err := e.storeSession(ctx, sessionEnvelope{
		Kind:    kindAssertion,
		Session: *session,
	})
	if err != nil {
		return nil, "", err
	}
	return assertion, token, nil
}

func (e *Engine) storeSession(ctx context.Context, env sessionEnvelope) (string, error) {
	env.CreatedAt = e.now().UTC()

	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode ceremony state: %w", err)
	}

	token, err := e.sessions.Begin(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("failed to store ceremony state: %w", err)
	}
	return token, nil
}

// redeemSession fetches-and-invalidates pending state, enforcing the kind.
func (e *Engine) redeemSession(ctx context.Context, token string, kind sessionKind) (*sessionEnvelope, error) {
	payload, err := e.sessions.Redeem(ctx, token)
	if err != nil {
		return nil, ErrCeremonyNotFound
	}

	var env sessionEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode ceremony state: %w", err)
	}
	if env.Kind != kind {
		return nil, ErrCeremonyNotFound
	}
	return &env, nil
}
