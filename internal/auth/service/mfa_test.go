package service

import (
	"context"
	"testing"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestMFATOTPEnrollment(t *testing.T) {
	ctx := context.Background()

	t.Run("enroll then verify enables the method", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		require.NotEmpty(t, enrollment.Secret)
		require.Contains(t, enrollment.URL, "otpauth://totp/")

		// The method is not live until possession is proven.
		got, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled())

		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)

		codes, err := svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)
		require.Len(t, codes, RecoveryCodeCount)

		got, err = st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.True(t, got.TwoFactorMethods.Has(domain.TwoFactorAuthenticator))

		n, err := st.RecoveryCodes().Count(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, RecoveryCodeCount, n)
	})

	t.Run("wrong code does not enable", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)

		_, err = svc.VerifyTOTP(ctx, user.ID, "000000")
		require.ErrorIs(t, err, ErrInvalidTOTPCode)

		got, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled())
	})

	t.Run("verify without enrollment", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.VerifyTOTP(ctx, user.ID, "000000")
		require.ErrorIs(t, err, ErrTOTPNotEnrolled)
	})

	t.Run("double enable", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		_, err = svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)

		_, err = svc.EnrollTOTP(ctx, user.ID)
		require.ErrorIs(t, err, ErrTOTPAlreadyEnabled)
	})

	t.Run("second method does not mint new recovery codes", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		first, err := svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)
		require.Len(t, first, RecoveryCodeCount)

		second, err := svc.EnableEmail(ctx, user.ID)
		require.NoError(t, err)
		require.Empty(t, second)
	})
}

func TestMFAEnableMethods(t *testing.T) {
	ctx := context.Background()

	t.Run("email method requires a confirmed address", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, false)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.EnableEmail(ctx, user.ID)
		require.Error(t, err)
	})

	t.Run("security-key method requires a registered key", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.EnableSecurityKey(ctx, user.ID)
		require.ErrorIs(t, err, ErrNoSecurityKey)

		require.NoError(t, st.Credentials().Create(ctx, &domain.Credential{
			ID:        "key-1",
			UserID:    user.ID,
			Name:      "yubikey",
			PublicKey: []byte{1},
			CreatedAt: time.Now().UTC(),
		}))

		codes, err := svc.EnableSecurityKey(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, codes, RecoveryCodeCount)
	})

	t.Run("enabling a method rotates the stamp", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.EnableEmail(ctx, user.ID)
		require.NoError(t, err)

		got, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.True(t, got.TwoFactorMethods.Has(domain.TwoFactorEmail))
		require.NotEqual(t, user.SecurityStamp, got.SecurityStamp)
	})

	t.Run("a passkey does not satisfy the security-key requirement", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		require.NoError(t, st.Credentials().Create(ctx, &domain.Credential{
			ID:        "pk-1",
			UserID:    user.ID,
			Name:      "laptop",
			PublicKey: []byte{1},
			IsPasskey: true,
			CreatedAt: time.Now().UTC(),
		}))

		_, err := svc.EnableSecurityKey(ctx, user.ID)
		require.ErrorIs(t, err, ErrNoSecurityKey)
	})
}

func TestMFADisableMethod(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*MFAService, *domain.User) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		_, err = svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)
		return svc, user
	}

	t.Run("disabling clears the secret and rotates the stamp", func(t *testing.T) {
		svc, user := setup(t)

		require.NoError(t, svc.DisableMethod(ctx, user.ID, domain.TwoFactorAuthenticator))

		got, err := svc.Store.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, got.TwoFactorEnabled())
		require.Nil(t, got.TOTPSecret)
		require.NotEqual(t, user.SecurityStamp, got.SecurityStamp)
	})

	t.Run("disabling the last method burns the recovery codes", func(t *testing.T) {
		svc, user := setup(t)

		require.NoError(t, svc.DisableMethod(ctx, user.ID, domain.TwoFactorAuthenticator))

		n, err := svc.Store.RecoveryCodes().Count(ctx, user.ID)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("disabling one of two methods keeps the codes", func(t *testing.T) {
		svc, user := setup(t)

		_, err := svc.EnableEmail(ctx, user.ID)
		require.NoError(t, err)

		require.NoError(t, svc.DisableMethod(ctx, user.ID, domain.TwoFactorAuthenticator))

		got, err := svc.Store.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.True(t, got.TwoFactorMethods.Has(domain.TwoFactorEmail))

		n, err := svc.Store.RecoveryCodes().Count(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, RecoveryCodeCount, n)
	})

	t.Run("disabling a method that is off is a no-op", func(t *testing.T) {
		svc, user := setup(t)

		stampBefore, err := svc.Store.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)

		require.NoError(t, svc.DisableMethod(ctx, user.ID, domain.TwoFactorEmail))

		got, err := svc.Store.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, stampBefore.SecurityStamp, got.SecurityStamp)
	})
}

func TestMFARecoveryCodes(t *testing.T) {
	ctx := context.Background()

	t.Run("regenerate invalidates the old set", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		oldCodes, err := svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)

		newCodes, err := svc.RegenerateRecoveryCodes(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, newCodes, RecoveryCodeCount)
		require.NotEqual(t, oldCodes, newCodes)

		signin := newSignInService(t, st)
		ok, err := signin.consumeRecoveryCode(ctx, user, oldCodes[0])
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = signin.consumeRecoveryCode(ctx, user, newCodes[0])
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("regenerate requires two-factor to be on", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		_, err := svc.RegenerateRecoveryCodes(ctx, user.ID)
		require.Error(t, err)
	})

	t.Run("remaining counts down as codes are spent", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		enrollment, err := svc.EnrollTOTP(ctx, user.ID)
		require.NoError(t, err)
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		codes, err := svc.VerifyTOTP(ctx, user.ID, code)
		require.NoError(t, err)

		signin := newSignInService(t, st)
		ok, err := signin.consumeRecoveryCode(ctx, user, codes[0])
		require.NoError(t, err)
		require.True(t, ok)

		n, err := svc.RecoveryCodesRemaining(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, RecoveryCodeCount-1, n)
	})
}

func TestMFAPasskeysToggle(t *testing.T) {
	ctx := context.Background()

	t.Run("toggling passkey sign-in rotates the stamp either way", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		require.NoError(t, svc.SetPasskeysEnabled(ctx, user.ID, true))
		afterEnable, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.True(t, afterEnable.PasskeysEnabled)
		require.NotEqual(t, user.SecurityStamp, afterEnable.SecurityStamp)

		require.NoError(t, svc.SetPasskeysEnabled(ctx, user.ID, false))
		afterDisable, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.False(t, afterDisable.PasskeysEnabled)
		require.NotEqual(t, afterEnable.SecurityStamp, afterDisable.SecurityStamp)
	})

	t.Run("toggle to the current state keeps the stamp", func(t *testing.T) {
		st := newTestStore(t)
		user := createUser(t, st, true)
		svc := &MFAService{Store: st, Issuer: "Gatehouse"}

		require.NoError(t, svc.SetPasskeysEnabled(ctx, user.ID, false))

		got, err := st.Users().GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, user.SecurityStamp, got.SecurityStamp)
	})
}
