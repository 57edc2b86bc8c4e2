package ceremony

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
)

// FinishRegistration verifies the authenticator's creation response,
// persists the new credential under the given name, and rotates the owner's
// security stamp. The ceremony token is consumed whatever the outcome.
func (e *Engine) FinishRegistration(ctx context.Context, token, name string, responseJSON []byte) (*domain.Credential, error) {
	env, err := e.redeemSession(ctx, token, kindRegistration)
	if err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, env.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	existing, err := e.creds.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	cu := newCeremonyUser(*user, existing)

	parsed, err := e.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		e.log.Debug("registration response rejected", "error", err)
		return nil, ErrVerificationFailed
	}

	lib, err := e.provider.CreateCredential(cu, env.Session, parsed)
	if err != nil {
		e.log.Debug("registration verification failed", "user_id", user.ID, "error", err)
		return nil, ErrVerificationFailed
	}

	cred := newStoredCredential(user.ID, name, lib, env.Passkey, e.now().UTC())

	// Credential ids are globally unique: checked here first, and the
	// schema's unique constraint backstops a registration racing this read.
	if _, err := e.creds.Get(ctx, cred.ID); err == nil {
		return nil, ErrDuplicateCredential
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check credential: %w", err)
	}
	if err := e.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrDuplicateCredential
		}
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	// The account's credential set changed, so tokens minted before this
	// registration stop verifying.
	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate security stamp: %w", err)
	}
	if err := e.users.UpdateSecurityStamp(ctx, user.ID, stamp); err != nil {
		return nil, fmt.Errorf("failed to update security stamp: %w", err)
	}

	e.log.Info("credential registered",
		"user_id", user.ID,
		"credential_id", cred.ID,
		"passkey", cred.IsPasskey,
	)
	return cred, nil
}

// FinishAssertion verifies the authenticator's assertion response. On
// success it advances the signature counter and returns the owning user and
// the credential used. Unknown credentials, bad signatures, and counter
// regressions all consume the token.
func (e *Engine) FinishAssertion(ctx context.Context, token string, responseJSON []byte) (*domain.User, *domain.Credential, error) {
	env, err := e.redeemSession(ctx, token, kindAssertion)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := e.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		e.log.Debug("assertion response rejected", "error", err)
		return nil, nil, ErrVerificationFailed
	}

	var (
		cu  *ceremonyUser
		lib *webauthn.Credential
	)

	if env.UserID != "" {
		cu, err = e.loadCeremonyUser(ctx, env.UserID)
		if err != nil {
			return nil, nil, err
		}

		lib, err = e.provider.ValidateLogin(cu, env.Session, parsed)
	} else {
		var validated webauthn.User
		validated, lib, err = e.provider.ValidatePasskeyLogin(e.discoverableHandler(ctx), env.Session, parsed)
		if err == nil {
			var ok bool
			cu, ok = validated.(*ceremonyUser)
			if !ok {
				return nil, nil, fmt.Errorf("unexpected user type %T", validated)
			}
		}
	}
	if err != nil {
		e.log.Debug("assertion verification failed", "error", err)
		return nil, nil, ErrVerificationFailed
	}

	stored, ok := cu.stored(lib.ID)
	if !ok {
		return nil, nil, ErrVerificationFailed
	}

	// A counter that failed to advance means a second authenticator holds the
	// same key. The library flags it; we also compare explicitly because a
	// zero counter from authenticators that never increment is legitimate.
	if lib.Authenticator.CloneWarning {
		e.log.Warn("cloned authenticator suspected",
			"user_id", cu.user.ID,
			"credential_id", stored.ID,
			"stored_count", stored.SignCount,
			"asserted_count", lib.Authenticator.SignCount,
		)
		return nil, nil, ErrCounterRegression
	}
	if stored.SignCount > 0 && lib.Authenticator.SignCount <= stored.SignCount {
		return nil, nil, ErrCounterRegression
	}

	usedAt := e.now().UTC()
	err = e.creds.UpdateSignCount(ctx, stored.ID, stored.SignCount, lib.Authenticator.SignCount, lib.Flags.BackupState, usedAt)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone else advanced the counter between our read and write;
			// this assertion can no longer be proven fresh.
			return nil, nil, ErrCounterRegression
		}
		return nil, nil, fmt.Errorf("failed to update sign count: %w", err)
	}

	stored.SignCount = lib.Authenticator.SignCount
	stored.BackupState = lib.Flags.BackupState
	stored.LastUsedAt = &usedAt

	user := cu.user
	return &user, &stored, nil
}

func (e *Engine) loadCeremonyUser(ctx context.Context, userID string) (*ceremonyUser, error) {
	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	existing, err := e.creds.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return newCeremonyUser(*user, existing), nil
}

// discoverableHandler resolves the user handle an authenticator reported
// during a username-less assertion.
func (e *Engine) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		if len(userHandle) == 0 {
			return nil, errors.New("user handle is required")
		}
		return e.loadCeremonyUser(ctx, string(userHandle))
	}
}
