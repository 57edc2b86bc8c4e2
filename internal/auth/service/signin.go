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
	"github.com/pelorusid/gatehouse/pkg/idx"
	"github.com/pelorusid/gatehouse/pkg/jwtx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

const (
	// MaxAccessFailed is the number of failed password attempts before the
	// account locks.
	MaxAccessFailed = 5

	// DefaultLockoutDuration is how long a threshold-triggered lockout lasts.
	DefaultLockoutDuration = 15 * time.Minute

	// MaxTwoFactorAttempts is the maximum number of failed second-factor
	// attempts allowed per pending session.
	MaxTwoFactorAttempts = 5

	// DefaultTwoFactorTTL bounds how long a pending second-factor challenge
	// stays open.
	DefaultTwoFactorTTL = 5 * time.Minute
)

var (
	ErrInvalidTwoFactorToken = errors.New("invalid or expired two-factor token")
	ErrTooManyAttempts       = errors.New("too many failed attempts")
	ErrUnsupportedMethod     = errors.New("unsupported sign-in method")
	ErrMethodNotEnabled      = errors.New("method not enabled for this user")
)

// ClientInfo describes where a sign-in attempt came from, for the audit
// trail.
type ClientInfo struct {
	IP        string
	UserAgent string
	Latitude  *float64
	Longitude *float64
}

// CodeVerifier checks a short second-factor code for one method.
type CodeVerifier interface {
	VerifyCode(ctx context.Context, user *domain.User, code string) (bool, error)
}

// AssertionFinisher completes a pending WebAuthn assertion ceremony.
// Satisfied by *ceremony.Engine.
type AssertionFinisher interface {
	FinishAssertion(ctx context.Context, token string, responseJSON []byte) (*domain.User, *domain.Credential, error)
}

// SignInService is the sign-in state machine: primary factor, optional
// second factor, lockout, trusted devices, and the audit trail.
type SignInService struct {
	Store      store.Store
	Signer     *jwtx.Signer
	Ceremonies AssertionFinisher
	Recorder   *AttemptRecorder

	// Verifiers maps second-factor method names to their code checkers.
	// MethodAuthenticator and MethodEmail are expected here; security keys
	// and recovery codes have dedicated paths.
	Verifiers map[string]CodeVerifier

	LockoutDuration  time.Duration // 0 means DefaultLockoutDuration; negative locks forever
	TwoFactorTTL     time.Duration // 0 means DefaultTwoFactorTTL
	AccessTokenTTL   time.Duration // 0 means jwtx.DefaultAccessTokenTTL
	TrustedDeviceTTL time.Duration // 0 means jwtx.DefaultTrustedDeviceTTL

	// Now is swapped in tests.
	Now func() time.Time
}

func (s *SignInService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PasswordSignInParams carry one password sign-in attempt.
type PasswordSignInParams struct {
	Email    string
	Password string

	// Remember asks to mark this browser trusted once the second factor
	// completes.
	Remember bool

	// TrustedDeviceToken is the marker a previously remembered browser
	// presents to skip the second factor.
	TrustedDeviceToken string

	Client ClientInfo
}

// PasswordSignIn runs the password primary factor.
func (s *SignInService) PasswordSignIn(ctx context.Context, params PasswordSignInParams) (*domain.SignInResult, error) {
	now := s.now()
	l := slogx.FromContext(ctx)

	// 1. Resolve the account. An unknown email gets the same generic failure
	// as a bad password, and there is no account to audit against.
	user, err := s.Store.Users().GetByEmail(ctx, params.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &domain.SignInResult{Status: domain.SignInFailed}, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	// 2. Lockout wins over everything, including a correct password.
	if user.LockedOut(now) {
		return s.finish(ctx, user, domain.MethodPassword, params.Client, &domain.SignInResult{
			Status:     domain.SignInLockedOut,
			LockoutEnd: user.LockoutEnd,
		}), nil
	}

	// 3. Accounts that may not sign in yet fail before the password is
	// checked, mirroring the pre-sign-in checks of the rest of the platform.
	if !user.EmailConfirmed {
		return s.finish(ctx, user, domain.MethodPassword, params.Client, &domain.SignInResult{
			Status: domain.SignInNotAllowed,
		}), nil
	}

	// 4. Verify the password. Any verification error, including a malformed
	// stored hash, counts as a failed attempt.
	if err := cryptox.VerifyPassword(params.Password, user.PasswordHash); err != nil {
		return s.registerFailure(ctx, user, domain.MethodPassword, params.Client, now)
	}

	// 5. Success clears the failure counter.
	if user.AccessFailedCount > 0 {
		if err := s.Store.Users().ResetAccessFailedCount(ctx, user.ID); err != nil {
			l.Error("failed to reset access failed count", "error", err, "user_id", user.ID)
		}
	}

	// 6. A second factor is required unless this browser is already trusted.
	if user.TwoFactorEnabled() && !s.deviceTrusted(user, params.TrustedDeviceToken) {
		return s.beginTwoFactor(ctx, user, domain.MethodPassword, params.Remember, params.Client, now)
	}

	return s.succeed(ctx, user, domain.MethodPassword, params.Client, []string{jwtx.AMRPassword}, now)
}

// PasskeySignInParams carry the completion of a passkey assertion ceremony.
type PasskeySignInParams struct {
	CeremonyToken string
	ResponseJSON  []byte
	Client        ClientInfo
}

// PasskeySignIn completes a passkey assertion as the primary factor. A valid
// assertion on a resident credential counts as both factors: possession of
// the authenticator plus its local user verification.
func (s *SignInService) PasskeySignIn(ctx context.Context, params PasskeySignInParams) (*domain.SignInResult, error) {
	now := s.now()
	l := slogx.FromContext(ctx)

	user, cred, err := s.Ceremonies.FinishAssertion(ctx, params.CeremonyToken, params.ResponseJSON)
	if err != nil {
		switch {
		case errors.Is(err, ceremony.ErrCeremonyNotFound),
			errors.Is(err, ceremony.ErrVerificationFailed),
			errors.Is(err, ceremony.ErrCounterRegression):
			l.Warn("passkey assertion rejected", "error", err)
			return &domain.SignInResult{Status: domain.SignInFailed}, nil
		}
		return nil, err
	}

	if user.LockedOut(now) {
		return s.finish(ctx, user, domain.MethodPasskey, params.Client, &domain.SignInResult{
			Status:     domain.SignInLockedOut,
			LockoutEnd: user.LockoutEnd,
		}), nil
	}

	// Only resident credentials of an account that opted in may sign in this
	// way; a plain security key proves possession but not a primary factor.
	if !cred.IsPasskey || !user.PasskeysEnabled {
		l.Warn("non-passkey credential offered for primary sign-in",
			"user_id", user.ID, "credential_id", cred.ID)
		return s.finish(ctx, user, domain.MethodPasskey, params.Client, &domain.SignInResult{
			Status: domain.SignInFailed,
		}), nil
	}

	if !user.EmailConfirmed {
		return s.finish(ctx, user, domain.MethodPasskey, params.Client, &domain.SignInResult{
			Status: domain.SignInNotAllowed,
		}), nil
	}

	if user.AccessFailedCount > 0 {
		if err := s.Store.Users().ResetAccessFailedCount(ctx, user.ID); err != nil {
			l.Error("failed to reset access failed count", "error", err, "user_id", user.ID)
		}
	}

	return s.succeed(ctx, user, domain.MethodPasskey, params.Client, []string{jwtx.AMRPasskey}, now)
}

// registerFailure counts a failed password and locks the account when the
// threshold is crossed.
func (s *SignInService) registerFailure(ctx context.Context, user *domain.User, method string, client ClientInfo, now time.Time) (*domain.SignInResult, error) {
	l := slogx.FromContext(ctx)

	count, err := s.Store.Users().IncrementAccessFailedCount(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment access failed count: %w", err)
	}

	if count >= MaxAccessFailed {
		until := s.lockoutEnd(now)
		if err := s.Store.Users().SetLockoutEnd(ctx, user.ID, &until); err != nil {
			return nil, fmt.Errorf("failed to set lockout end: %w", err)
		}
		if err := s.Store.Users().ResetAccessFailedCount(ctx, user.ID); err != nil {
			l.Error("failed to reset access failed count", "error", err, "user_id", user.ID)
		}

		l.Warn("account locked out", "user_id", user.ID, "failed_count", count, "until", until)
		return s.finish(ctx, user, method, client, &domain.SignInResult{
			Status:     domain.SignInLockedOut,
			LockoutEnd: &until,
		}), nil
	}

	return s.finish(ctx, user, method, client, &domain.SignInResult{
		Status: domain.SignInFailed,
	}), nil
}

func (s *SignInService) lockoutEnd(now time.Time) time.Time {
	switch {
	case s.LockoutDuration < 0:
		return domain.LockoutForever
	case s.LockoutDuration == 0:
		return now.Add(DefaultLockoutDuration)
	default:
		return now.Add(s.LockoutDuration)
	}
}

// deviceTrusted reports whether the presented trusted-device marker is valid
// for this user right now. A marker minted before the security stamp last
// changed is dead.
func (s *SignInService) deviceTrusted(user *domain.User, token string) bool {
	if token == "" {
		return false
	}
	claims, err := s.Signer.VerifyDevice(token)
	if err != nil {
		return false
	}
	return claims.Subject == user.ID && claims.Stamp == user.SecurityStamp
}

// beginTwoFactor opens a pending second-factor session and tells the caller
// which methods may complete it.
func (s *SignInService) beginTwoFactor(ctx context.Context, user *domain.User, method string, remember bool, client ClientInfo, now time.Time) (*domain.SignInResult, error) {
	ttl := s.TwoFactorTTL
	if ttl <= 0 {
		ttl = DefaultTwoFactorTTL
	}

	session := &domain.TwoFactorSession{
		ID:        idx.New().String(),
		UserID:    user.ID,
		Method:    method,
		Remember:  remember,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.Store.TwoFactorSessions().Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create two-factor session: %w", err)
	}

	methods := user.TwoFactorMethods.Names()
	if n, err := s.Store.RecoveryCodes().Count(ctx, user.ID); err == nil && n > 0 {
		methods = append(methods, domain.MethodRecoveryCode)
	}

	return s.finish(ctx, user, method, client, &domain.SignInResult{
		Status:         domain.SignInTwoFactorRequired,
		User:           *user,
		TwoFactorToken: session.ID,
		Methods:        methods,
	}), nil
}

// succeed mints the session token and completes the result.
func (s *SignInService) succeed(ctx context.Context, user *domain.User, method string, client ClientInfo, amr []string, now time.Time) (*domain.SignInResult, error) {
	token, err := s.mintAccessToken(user, amr, now)
	if err != nil {
		return nil, err
	}

	slogx.FromContext(ctx).Info("sign-in succeeded", "user_id", user.ID, "method", method)
	return s.finish(ctx, user, method, client, &domain.SignInResult{
		Status:      domain.SignInSucceeded,
		User:        *user,
		AccessToken: token,
	}), nil
}

func (s *SignInService) mintAccessToken(user *domain.User, amr []string, now time.Time) (string, error) {
	ttl := s.AccessTokenTTL
	if ttl <= 0 {
		ttl = jwtx.DefaultAccessTokenTTL
	}

	token, err := s.Signer.SignSession(jwtx.NewSessionClaims(user.ID, user.SecurityStamp, amr, s.Signer.Issuer(), ttl, now))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

func (s *SignInService) mintDeviceToken(user *domain.User, now time.Time) (string, error) {
	ttl := s.TrustedDeviceTTL
	if ttl <= 0 {
		ttl = jwtx.DefaultTrustedDeviceTTL
	}

	token, err := s.Signer.SignDevice(jwtx.NewDeviceClaims(user.ID, user.SecurityStamp, s.Signer.Issuer(), ttl, now))
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}
	return token, nil
}

// finish records the attempt in the audit trail and returns the result
// unchanged. Recording is best-effort and never fails the sign-in.
func (s *SignInService) finish(ctx context.Context, user *domain.User, method string, client ClientInfo, result *domain.SignInResult) *domain.SignInResult {
	if s.Recorder != nil {
		s.Recorder.Record(domain.LoginAttempt{
			ID:        idx.New().String(),
			UserID:    user.ID,
			Method:    method,
			Result:    result.Status.AttemptResult(),
			IP:        client.IP,
			UserAgent: client.UserAgent,
			Latitude:  client.Latitude,
			Longitude: client.Longitude,
			CreatedAt: s.now(),
		})
	}
	return result
}
