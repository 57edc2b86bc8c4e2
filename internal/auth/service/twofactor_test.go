package service

import (
	"context"
	"testing"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/jwtx"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

// enrollTOTP wires a TOTP secret and the authenticator method directly into
// the store, returning the secret for code generation.
func enrollTOTP(t *testing.T, st store.Store, userID string) string {
	t.Helper()
	ctx := context.Background()

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: "test@example.com"})
	require.NoError(t, err)

	secret := key.Secret()
	require.NoError(t, st.Users().UpdateTOTPSecret(ctx, userID, &secret))
	require.NoError(t, st.Users().SetTwoFactorMethods(ctx, userID, domain.TwoFactorAuthenticator))
	return secret
}

// beginPasswordSignIn runs the primary factor and returns the pending token.
func beginPasswordSignIn(t *testing.T, svc *SignInService, email string, remember bool) string {
	t.Helper()

	result, err := svc.PasswordSignIn(context.Background(), PasswordSignInParams{
		Email:    email,
		Password: testPassword,
		Remember: remember,
	})
	require.NoError(t, err)
	require.Equal(t, domain.SignInTwoFactorRequired, result.Status)
	return result.TwoFactorToken
}

func TestTwoFactorSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("authenticator code completes the sign-in", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.Equal(t, domain.SignInSucceeded, result.Status)
		require.Empty(t, result.TrustedDeviceToken)

		claims, err := svc.Signer.VerifySession(result.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMROTP}, claims.AMR)
	})

	t.Run("token is single use", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		_, err = svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)

		_, err = svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.ErrorIs(t, err, ErrInvalidTwoFactorToken)
	})

	t.Run("wrong code fails and burns an attempt", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: "000000"})
		require.NoError(t, err)
		require.Equal(t, domain.SignInFailed, result.Status)

		session, err := st.TwoFactorSessions().Get(ctx, token)
		require.NoError(t, err)
		require.Equal(t, 1, session.Attempts)
	})

	t.Run("too many wrong codes burn the session", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		for range MaxTwoFactorAttempts {
			result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: "000000"})
			require.NoError(t, err)
			require.Equal(t, domain.SignInFailed, result.Status)
		}

		_, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: "000000"})
		require.ErrorIs(t, err, ErrTooManyAttempts)

		// The session is gone now, so even the error degrades.
		_, err = svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: "000000"})
		require.ErrorIs(t, err, ErrInvalidTwoFactorToken)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		svc.Now = func() time.Time { return time.Now().Add(DefaultTwoFactorTTL + time.Minute) }
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		_, err = svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.ErrorIs(t, err, ErrInvalidTwoFactorToken)
	})

	t.Run("lockout between the factors wins", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		until := time.Now().Add(time.Hour)
		require.NoError(t, st.Users().SetLockoutEnd(ctx, user.ID, &until))

		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.Equal(t, domain.SignInLockedOut, result.Status)
	})

	t.Run("method not enabled for the user", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		_, err := svc.TwoFactorSignIn(ctx, domain.MethodEmail, TwoFactorSignInParams{Token: token, Code: "123456"})
		require.ErrorIs(t, err, ErrMethodNotEnabled)
	})

	t.Run("unsupported method", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)

		_, err := svc.TwoFactorSignIn(ctx, "carrier_pigeon", TwoFactorSignInParams{Token: token})
		require.ErrorIs(t, err, ErrUnsupportedMethod)
	})

	t.Run("unknown token", func(t *testing.T) {
		st := newTestStore(t)
		svc := newSignInService(t, st)

		_, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: "nope", Code: "123456"})
		require.ErrorIs(t, err, ErrInvalidTwoFactorToken)
	})
}

func TestTwoFactorRecoveryCode(t *testing.T) {
	ctx := context.Background()

	t.Run("recovery code completes and is single use", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		code, err := cryptox.GenerateRecoveryCode()
		require.NoError(t, err)
		hash := cryptox.FingerprintRecoveryCode(user.ID, code)
		require.NoError(t, st.RecoveryCodes().Replace(ctx, user.ID, []string{hash}))

		token := beginPasswordSignIn(t, svc, user.Email, false)
		result, err := svc.TwoFactorSignIn(ctx, domain.MethodRecoveryCode, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.Equal(t, domain.SignInSucceeded, result.Status)

		claims, err := svc.Signer.VerifySession(result.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMRRecoveryKey}, claims.AMR)

		// The same code cannot complete a second sign-in.
		token = beginPasswordSignIn(t, svc, user.Email, false)
		result, err = svc.TwoFactorSignIn(ctx, domain.MethodRecoveryCode, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.Equal(t, domain.SignInFailed, result.Status)
	})

	t.Run("unknown recovery code fails", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, false)
		result, err := svc.TwoFactorSignIn(ctx, domain.MethodRecoveryCode, TwoFactorSignInParams{Token: token, Code: "aaaa-bbbb"})
		require.NoError(t, err)
		require.Equal(t, domain.SignInFailed, result.Status)
	})
}

func TestTwoFactorSecurityKey(t *testing.T) {
	ctx := context.Background()

	securityKey := func(userID string) *domain.Credential {
		return &domain.Credential{ID: "key-" + userID, UserID: userID, Name: "yubikey"}
	}

	t.Run("own security key completes the sign-in", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		require.NoError(t, st.Users().SetTwoFactorMethods(ctx, user.ID, domain.TwoFactorSecurityKey))
		svc := newSignInService(t, st)
		svc.Ceremonies = &fakeFinisher{user: user, cred: securityKey(user.ID)}

		token := beginPasswordSignIn(t, svc, user.Email, false)
		result, err := svc.TwoFactorSignIn(ctx, domain.MethodSecurityKey, TwoFactorSignInParams{
			Token:         token,
			CeremonyToken: "ctok",
		})
		require.NoError(t, err)
		require.Equal(t, domain.SignInSucceeded, result.Status)

		claims, err := svc.Signer.VerifySession(result.AccessToken)
		require.NoError(t, err)
		require.Equal(t, []string{jwtx.AMRPassword, jwtx.AMRPasskey}, claims.AMR)
	})

	t.Run("someone else's key does not count", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		other := createUser(t, st, true)
		require.NoError(t, st.Users().SetTwoFactorMethods(ctx, user.ID, domain.TwoFactorSecurityKey))
		svc := newSignInService(t, st)
		svc.Ceremonies = &fakeFinisher{user: other, cred: securityKey(other.ID)}

		token := beginPasswordSignIn(t, svc, user.Email, false)
		result, err := svc.TwoFactorSignIn(ctx, domain.MethodSecurityKey, TwoFactorSignInParams{
			Token:         token,
			CeremonyToken: "ctok",
		})
		require.NoError(t, err)
		require.Equal(t, domain.SignInFailed, result.Status)
	})

	t.Run("passkey assertions do not satisfy the security-key method", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		require.NoError(t, st.Users().SetTwoFactorMethods(ctx, user.ID, domain.TwoFactorSecurityKey))
		svc := newSignInService(t, st)

		cred := securityKey(user.ID)
		cred.IsPasskey = true
		svc.Ceremonies = &fakeFinisher{user: user, cred: cred}

		token := beginPasswordSignIn(t, svc, user.Email, false)
		result, err := svc.TwoFactorSignIn(ctx, domain.MethodSecurityKey, TwoFactorSignInParams{
			Token:         token,
			CeremonyToken: "ctok",
		})
		require.NoError(t, err)
		require.Equal(t, domain.SignInFailed, result.Status)
	})
}

func TestTwoFactorRemember(t *testing.T) {
	ctx := context.Background()

	t.Run("remember issues a trusted-device marker that skips the next challenge", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, true)
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.Equal(t, domain.SignInSucceeded, result.Status)
		require.NotEmpty(t, result.TrustedDeviceToken)

		next, err := svc.PasswordSignIn(ctx, PasswordSignInParams{
			Email:              user.Email,
			Password:           testPassword,
			TrustedDeviceToken: result.TrustedDeviceToken,
		})
		require.NoError(t, err)
		require.Equal(t, domain.SignInSucceeded, next.Status)
	})

	t.Run("forget browser kills outstanding markers", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		secret := enrollTOTP(t, st, user.ID)
		svc := newSignInService(t, st)

		token := beginPasswordSignIn(t, svc, user.Email, true)
		code, err := totp.GenerateCode(secret, time.Now())
		require.NoError(t, err)

		result, err := svc.TwoFactorSignIn(ctx, domain.MethodAuthenticator, TwoFactorSignInParams{Token: token, Code: code})
		require.NoError(t, err)
		require.NotEmpty(t, result.TrustedDeviceToken)

		require.NoError(t, svc.ForgetBrowser(ctx, user.ID))

		next, err := svc.PasswordSignIn(ctx, PasswordSignInParams{
			Email:              user.Email,
			Password:           testPassword,
			TrustedDeviceToken: result.TrustedDeviceToken,
		})
		require.NoError(t, err)
		require.Equal(t, domain.SignInTwoFactorRequired, next.Status)
	})
}
