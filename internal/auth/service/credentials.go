package service

import (
	"context"
	"fmt"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// CredentialService manages a user's registered WebAuthn credentials outside
// the ceremonies themselves.
type CredentialService struct {
	Store store.Store
}

// List returns the user's credentials, oldest first.
func (s *CredentialService) List(ctx context.Context, userID string) ([]domain.Credential, error) {
	creds, err := s.Store.Credentials().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

// Rename changes the owner-chosen label.
func (s *CredentialService) Rename(ctx context.Context, userID, credentialID, name string) error {
	if err := s.Store.Credentials().Rename(ctx, credentialID, userID, name); err != nil {
		return fmt.Errorf("failed to rename credential: %w", err)
	}
	return nil
}

// Delete removes a credential and rotates the security stamp. When the last
// passkey goes, passkey primary sign-in is switched off with it; when the
// last security key goes, the security-key second factor is switched off.
func (s *CredentialService) Delete(ctx context.Context, userID, credentialID string) error {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return fmt.Errorf("failed to generate security stamp: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Credentials().Delete(ctx, credentialID, userID); err != nil {
			return err
		}

		passkeys, securityKeys, err := tx.Credentials().CountByKind(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to count credentials: %w", err)
		}

		if passkeys == 0 && user.PasskeysEnabled {
			if err := tx.Users().SetPasskeysEnabled(ctx, userID, false); err != nil {
				return fmt.Errorf("failed to disable passkeys: %w", err)
			}
		}
		if securityKeys == 0 && user.TwoFactorMethods.Has(domain.TwoFactorSecurityKey) {
			methods := user.TwoFactorMethods &^ domain.TwoFactorSecurityKey
			if err := tx.Users().SetTwoFactorMethods(ctx, userID, methods); err != nil {
				return fmt.Errorf("failed to disable security-key method: %w", err)
			}
			if methods == 0 {
				if err := tx.RecoveryCodes().DeleteAll(ctx, userID); err != nil {
					return fmt.Errorf("failed to delete recovery codes: %w", err)
				}
			}
		}

		return tx.Users().UpdateSecurityStamp(ctx, userID, stamp)
	})
	if err != nil {
		return err
	}

	slogx.FromContext(ctx).Info("credential deleted", "user_id", userID, "credential_id", credentialID)
	return nil
}
