package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/slogx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// RecoveryCodeCount is how many codes a fresh set contains.
const RecoveryCodeCount = 10

var (
	ErrInvalidTOTPCode    = errors.New("invalid TOTP code")
	ErrTOTPNotEnrolled    = errors.New("TOTP not enrolled")
	ErrTOTPAlreadyEnabled = errors.New("TOTP already enabled")
	ErrNoSecurityKey      = errors.New("no security key registered")
)

// TOTPEnrollment is handed back from EnrollTOTP so the client can render the
// QR code.
type TOTPEnrollment struct {
	Secret  string
	URL     string
	Issuer  string
	Account string
}

// MFAService manages which second-factor methods a user has enabled.
// Enabling or disabling any method bumps the security stamp so existing
// sessions and trusted-device markers die with it.
type MFAService struct {
	Store  store.Store
	Issuer string // issuer name shown in authenticator apps
}

// EnrollTOTP generates a secret and returns the otpauth URL. The method is
// not enabled until the user proves possession with VerifyTOTP.
func (s *MFAService) EnrollTOTP(ctx context.Context, userID string) (*TOTPEnrollment, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.TwoFactorMethods.Has(domain.TwoFactorAuthenticator) {
		return nil, ErrTOTPAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Issuer,
		AccountName: user.Email,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	secret := key.Secret()
	if err := s.Store.Users().UpdateTOTPSecret(ctx, userID, &secret); err != nil {
		return nil, fmt.Errorf("failed to store TOTP secret: %w", err)
	}

	return &TOTPEnrollment{
		Secret:  secret,
		URL:     key.URL(),
		Issuer:  s.Issuer,
		Account: user.Email,
	}, nil
}

// VerifyTOTP checks the code against the enrolled secret and enables the
// authenticator method. The first enabled method also gets a fresh set of
// recovery codes, returned in plaintext exactly once.
func (s *MFAService) VerifyTOTP(ctx context.Context, userID, code string) ([]string, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.TOTPSecret == nil || *user.TOTPSecret == "" {
		return nil, ErrTOTPNotEnrolled
	}
	if user.TwoFactorMethods.Has(domain.TwoFactorAuthenticator) {
		return nil, ErrTOTPAlreadyEnabled
	}

	if !totp.Validate(code, *user.TOTPSecret) {
		return nil, ErrInvalidTOTPCode
	}

	return s.enableMethod(ctx, user, domain.TwoFactorAuthenticator)
}

// EnableEmail turns on the emailed-code method. Requires a confirmed email.
func (s *MFAService) EnableEmail(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.EmailConfirmed {
		return nil, errors.New("email must be confirmed first")
	}
	if user.TwoFactorMethods.Has(domain.TwoFactorEmail) {
		return nil, nil
	}
	return s.enableMethod(ctx, user, domain.TwoFactorEmail)
}

// EnableSecurityKey turns on the security-key method. At least one
// non-passkey credential must already be registered.
func (s *MFAService) EnableSecurityKey(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.TwoFactorMethods.Has(domain.TwoFactorSecurityKey) {
		return nil, nil
	}

	_, securityKeys, err := s.Store.Credentials().CountByKind(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count credentials: %w", err)
	}
	if securityKeys == 0 {
		return nil, ErrNoSecurityKey
	}
	return s.enableMethod(ctx, user, domain.TwoFactorSecurityKey)
}

// enableMethod flips the method bit, rotates the security stamp, and, on
// the first enabled method, generates the recovery code set.
func (s *MFAService) enableMethod(ctx context.Context, user *domain.User, method domain.TwoFactorMethod) ([]string, error) {
	firstMethod := !user.TwoFactorEnabled()

	var codes []string
	var hashes []string
	if firstMethod {
		var err error
		codes, hashes, err = newRecoveryCodes(user.ID)
		if err != nil {
			return nil, err
		}
	}

	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate security stamp: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Users().SetTwoFactorMethods(ctx, user.ID, user.TwoFactorMethods|method); err != nil {
			return fmt.Errorf("failed to set two-factor methods: %w", err)
		}
		if firstMethod {
			if err := tx.RecoveryCodes().Replace(ctx, user.ID, hashes); err != nil {
				return fmt.Errorf("failed to store recovery codes: %w", err)
			}
		}
		return tx.Users().UpdateSecurityStamp(ctx, user.ID, stamp)
	})
	if err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Info("two-factor method enabled", "user_id", user.ID, "method", method.Names())
	return codes, nil
}

// DisableMethod turns a method off. Server-side secrets for that method are
// cleared, and the security stamp rotates so everything minted before the
// change is invalid. Disabling the last method also burns the recovery codes.
func (s *MFAService) DisableMethod(ctx context.Context, userID string, method domain.TwoFactorMethod) error {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if !user.TwoFactorMethods.Has(method) {
		return nil
	}

	remaining := user.TwoFactorMethods &^ method
	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return fmt.Errorf("failed to generate security stamp: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Users().SetTwoFactorMethods(ctx, userID, remaining); err != nil {
			return fmt.Errorf("failed to set two-factor methods: %w", err)
		}
		if method.Has(domain.TwoFactorAuthenticator) {
			if err := tx.Users().UpdateTOTPSecret(ctx, userID, nil); err != nil {
				return fmt.Errorf("failed to clear TOTP secret: %w", err)
			}
		}
		if remaining == 0 {
			if err := tx.RecoveryCodes().DeleteAll(ctx, userID); err != nil {
				return fmt.Errorf("failed to delete recovery codes: %w", err)
			}
		}
		return tx.Users().UpdateSecurityStamp(ctx, userID, stamp)
	})
	if err != nil {
		return err
	}

	slogx.FromContext(ctx).Info("two-factor method disabled", "user_id", userID, "method", method.Names())
	return nil
}

// SetPasskeysEnabled opts the account in or out of passkey primary sign-in.
// Either direction rotates the stamp like any other credential-surface
// change.
func (s *MFAService) SetPasskeysEnabled(ctx context.Context, userID string, enabled bool) error {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user.PasskeysEnabled == enabled {
		return nil
	}

	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return fmt.Errorf("failed to generate security stamp: %w", err)
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Users().SetPasskeysEnabled(ctx, userID, enabled); err != nil {
			return fmt.Errorf("failed to set passkeys enabled: %w", err)
		}
		return tx.Users().UpdateSecurityStamp(ctx, userID, stamp)
	})
	if err != nil {
		return err
	}

	slogx.FromContext(ctx).Info("passkey sign-in toggled", "user_id", userID, "enabled", enabled)
	return nil
}

// RegenerateRecoveryCodes replaces the user's codes with a fresh set,
// invalidating every unspent old code.
func (s *MFAService) RegenerateRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !user.TwoFactorEnabled() {
		return nil, errors.New("two-factor authentication is not enabled")
	}

	codes, hashes, err := newRecoveryCodes(userID)
	if err != nil {
		return nil, err
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		return tx.RecoveryCodes().Replace(ctx, userID, hashes)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace recovery codes: %w", err)
	}

	slogx.FromContext(ctx).Info("recovery codes regenerated", "user_id", userID)
	return codes, nil
}

// RecoveryCodesRemaining reports how many unspent codes the user holds.
func (s *MFAService) RecoveryCodesRemaining(ctx context.Context, userID string) (int, error) {
	n, err := s.Store.RecoveryCodes().Count(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count recovery codes: %w", err)
	}
	return n, nil
}

func newRecoveryCodes(userID string) (codes, hashes []string, err error) {
	codes = make([]string, RecoveryCodeCount)
	hashes = make([]string, RecoveryCodeCount)
	for i := range codes {
		code, err := cryptox.GenerateRecoveryCode()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate recovery code: %w", err)
		}
		codes[i] = code
		hashes[i] = cryptox.FingerprintRecoveryCode(userID, code)
	}
	return codes, hashes, nil
}
