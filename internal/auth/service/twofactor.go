package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/ceremony"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/jwtx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// TwoFactorSignInParams carry one second-factor attempt. Token references the
// pending session opened by the primary factor. Code is set for code-based
// methods; CeremonyToken and ResponseJSON for security keys.
type TwoFactorSignInParams struct {
	Token string
	Code  string

	CeremonyToken string
	ResponseJSON  []byte

	Client ClientInfo
}

// TwoFactorSignIn completes a pending sign-in with the given method.
func (s *SignInService) TwoFactorSignIn(ctx context.Context, method string, params TwoFactorSignInParams) (*domain.SignInResult, error) {
	now := s.now()

	// 1. Load the pending session; unknown, expired, and burned tokens are
	// indistinguishable to the caller.
	session, user, err := s.loadTwoFactorSession(ctx, params.Token, now)
	if err != nil {
		return nil, err
	}

	// 2. Lockout is re-checked here: an account locked between the factors
	// stays locked even with a correct code.
	if user.LockedOut(now) {
		return s.finish(ctx, user, method, params.Client, &domain.SignInResult{
			Status:     domain.SignInLockedOut,
			LockoutEnd: user.LockoutEnd,
		}), nil
	}

	// 3. Validate the factor.
	var verified bool
	var amr string

	switch method {
	case domain.MethodAuthenticator:
		if !user.TwoFactorMethods.Has(domain.TwoFactorAuthenticator) {
			return nil, ErrMethodNotEnabled
		}
		verified, err = s.verifyCode(ctx, method, user, params.Code)
		amr = jwtx.AMROTP

	case domain.MethodEmail:
		if !user.TwoFactorMethods.Has(domain.TwoFactorEmail) {
			return nil, ErrMethodNotEnabled
		}
		verified, err = s.verifyCode(ctx, method, user, params.Code)
		amr = jwtx.AMRMFA

	case domain.MethodRecoveryCode:
		verified, err = s.consumeRecoveryCode(ctx, user, params.Code)
		amr = jwtx.AMRRecoveryKey

	case domain.MethodSecurityKey:
		if !user.TwoFactorMethods.Has(domain.TwoFactorSecurityKey) {
			return nil, ErrMethodNotEnabled
		}
		verified, err = s.verifySecurityKey(ctx, user, params.CeremonyToken, params.ResponseJSON)
		amr = jwtx.AMRPasskey

	default:
		return nil, ErrUnsupportedMethod
	}
	if err != nil {
		return nil, err
	}

	// 4. A failed factor burns one attempt.
	if !verified {
		return s.failTwoFactor(ctx, session, user, method, params.Client)
	}

	// 5. Success: close the session and mint tokens atomically with the
	// counter reset.
	return s.completeTwoFactor(ctx, session, user, method, amr, params.Client, now)
}

// ResolveTwoFactorSession returns the pending session and its user without
// consuming anything. Used to send emailed codes and build security-key
// assertion options for a challenge that is already open.
func (s *SignInService) ResolveTwoFactorSession(ctx context.Context, token string) (*domain.TwoFactorSession, *domain.User, error) {
	return s.loadTwoFactorSession(ctx, token, s.now())
}

func (s *SignInService) loadTwoFactorSession(ctx context.Context, token string, now time.Time) (*domain.TwoFactorSession, *domain.User, error) {
	l := slogx.FromContext(ctx)

	session, err := s.Store.TwoFactorSessions().Get(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrInvalidTwoFactorToken
		}
		return nil, nil, fmt.Errorf("failed to get two-factor session: %w", err)
	}

	if session.Expired(now) {
		_ = s.Store.TwoFactorSessions().Delete(ctx, session.ID)
		return nil, nil, ErrInvalidTwoFactorToken
	}

	if session.Attempts >= MaxTwoFactorAttempts {
		_ = s.Store.TwoFactorSessions().Delete(ctx, session.ID)
		l.Warn("two-factor session exceeded max attempts", "user_id", session.UserID, "attempts", session.Attempts)
		return nil, nil, ErrTooManyAttempts
	}

	user, err := s.Store.Users().GetByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get user: %w", err)
	}
	return session, user, nil
}

func (s *SignInService) verifyCode(ctx context.Context, method string, user *domain.User, code string) (bool, error) {
	verifier, ok := s.Verifiers[method]
	if !ok {
		return false, ErrUnsupportedMethod
	}
	return verifier.VerifyCode(ctx, user, code)
}

// consumeRecoveryCode checks and burns a recovery code in one step. The
// delete-if-present in the store is what makes the code single use under
// concurrency.
func (s *SignInService) consumeRecoveryCode(ctx context.Context, user *domain.User, code string) (bool, error) {
	hash := cryptox.FingerprintRecoveryCode(user.ID, code)
	ok, err := s.Store.RecoveryCodes().Consume(ctx, user.ID, hash)
	if err != nil {
		return false, fmt.Errorf("failed to consume recovery code: %w", err)
	}
	if ok {
		if n, err := s.Store.RecoveryCodes().Count(ctx, user.ID); err == nil && n <= 2 {
			slogx.FromContext(ctx).Warn("recovery codes running low", "user_id", user.ID, "remaining", n)
		}
	}
	return ok, nil
}

// verifySecurityKey completes the assertion ceremony and checks the
// credential may serve as this user's second factor.
func (s *SignInService) verifySecurityKey(ctx context.Context, user *domain.User, ceremonyToken string, responseJSON []byte) (bool, error) {
	l := slogx.FromContext(ctx)

	assertedUser, cred, err := s.Ceremonies.FinishAssertion(ctx, ceremonyToken, responseJSON)
	if err != nil {
		switch {
		case errors.Is(err, ceremony.ErrCeremonyNotFound),
			errors.Is(err, ceremony.ErrVerificationFailed),
			errors.Is(err, ceremony.ErrCounterRegression):
			l.Warn("security key assertion rejected", "user_id", user.ID, "error", err)
			return false, nil
		}
		return false, err
	}

	// The assertion must come from the pending user's own non-resident key.
	if assertedUser.ID != user.ID || cred.IsPasskey {
		l.Warn("security key assertion does not satisfy the pending session",
			"user_id", user.ID, "asserted_user_id", assertedUser.ID, "passkey", cred.IsPasskey)
		return false, nil
	}
	return true, nil
}

func (s *SignInService) failTwoFactor(ctx context.Context, session *domain.TwoFactorSession, user *domain.User, method string, client ClientInfo) (*domain.SignInResult, error) {
	attempts, err := s.Store.TwoFactorSessions().IncrementAttempts(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment two-factor attempts: %w", err)
	}

	slogx.FromContext(ctx).Warn("two-factor validation failed",
		"user_id", user.ID, "method", method, "attempts", attempts)
	return s.finish(ctx, user, method, client, &domain.SignInResult{
		Status: domain.SignInFailed,
	}), nil
}

func (s *SignInService) completeTwoFactor(ctx context.Context, session *domain.TwoFactorSession, user *domain.User, method, amr string, client ClientInfo, now time.Time) (*domain.SignInResult, error) {
	primaryAMR := jwtx.AMRPassword
	if session.Method == domain.MethodPasskey {
		primaryAMR = jwtx.AMRPasskey
	}

	accessToken, err := s.mintAccessToken(user, []string{primaryAMR, amr}, now)
	if err != nil {
		return nil, err
	}

	var deviceToken string
	if session.Remember {
		deviceToken, err = s.mintDeviceToken(user, now)
		if err != nil {
			return nil, err
		}
	}

	err = s.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.TwoFactorSessions().Delete(ctx, session.ID); err != nil {
			return err
		}
		return tx.Users().ResetAccessFailedCount(ctx, user.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close two-factor session: %w", err)
	}

	slogx.FromContext(ctx).Info("sign-in succeeded", "user_id", user.ID, "method", method)
	return s.finish(ctx, user, method, client, &domain.SignInResult{
		Status:             domain.SignInSucceeded,
		User:               *user,
		AccessToken:        accessToken,
		TrustedDeviceToken: deviceToken,
	}), nil
}

// ForgetBrowser invalidates every trusted-device marker the user ever
// issued. Markers are stateless and bound to the security stamp, so
// rotating the stamp is the invalidation. Active sessions bound to the old
// stamp die with it.
func (s *SignInService) ForgetBrowser(ctx context.Context, userID string) error {
	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return fmt.Errorf("failed to generate security stamp: %w", err)
	}
	if err := s.Store.Users().UpdateSecurityStamp(ctx, userID, stamp); err != nil {
		return fmt.Errorf("failed to update security stamp: %w", err)
	}
	slogx.FromContext(ctx).Info("trusted devices forgotten", "user_id", userID)
	return nil
}
