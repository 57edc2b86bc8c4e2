package service

import (
	"context"
	"testing"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/stretchr/testify/require"
)

// fakeMailer captures outgoing mail instead of sending it.
type fakeMailer struct {
	to      []string
	subject []string
	body    []string
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.to = append(m.to, to)
	m.subject = append(m.subject, subject)
	m.body = append(m.body, body)
	return nil
}

func newEmailCodeService(t *testing.T) (*EmailCodeService, *fakeMailer) {
	t.Helper()

	mem := cache.NewMemory(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })

	mailer := &fakeMailer{}
	svc := &EmailCodeService{
		Cache:   mem,
		Limiter: cache.NewRateLimiter(mem, time.Minute, nil),
		Mailer:  mailer,
	}
	return svc, mailer
}

func TestEmailCodeService(t *testing.T) {
	ctx := context.Background()
	user := &domain.User{ID: "user-1", Email: "user@example.com"}

	t.Run("send stores and mails the code", func(t *testing.T) {
		svc, mailer := newEmailCodeService(t)

		require.NoError(t, svc.SendSignInCode(ctx, user))
		require.Equal(t, []string{user.Email}, mailer.to)

		code, err := svc.Cache.Get(ctx, emailCodeKey(user.ID))
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.Contains(t, mailer.body[0], string(code))
	})

	t.Run("repeat requests are rate limited", func(t *testing.T) {
		svc, mailer := newEmailCodeService(t)

		require.NoError(t, svc.SendSignInCode(ctx, user))
		require.ErrorIs(t, svc.SendSignInCode(ctx, user), ErrRateLimited)
		require.Len(t, mailer.to, 1)
	})

	t.Run("correct code verifies exactly once", func(t *testing.T) {
		svc, _ := newEmailCodeService(t)

		require.NoError(t, svc.SendSignInCode(ctx, user))
		code, err := svc.Cache.Get(ctx, emailCodeKey(user.ID))
		require.NoError(t, err)

		ok, err := svc.VerifyCode(ctx, user, string(code))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = svc.VerifyCode(ctx, user, string(code))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("wrong guesses do not consume the code", func(t *testing.T) {
		svc, _ := newEmailCodeService(t)

		require.NoError(t, svc.SendSignInCode(ctx, user))
		code, err := svc.Cache.Get(ctx, emailCodeKey(user.ID))
		require.NoError(t, err)

		ok, err := svc.VerifyCode(ctx, user, "000000")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = svc.VerifyCode(ctx, user, string(code))
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("no outstanding code", func(t *testing.T) {
		svc, _ := newEmailCodeService(t)

		ok, err := svc.VerifyCode(ctx, user, "123456")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("a fresh code replaces the old one", func(t *testing.T) {
		svc, _ := newEmailCodeService(t)

		require.NoError(t, svc.SendSignInCode(ctx, user))
		first, err := svc.Cache.Get(ctx, emailCodeKey(user.ID))
		require.NoError(t, err)

		require.NoError(t, svc.Limiter.Reset(ctx, user.ID, domain.MethodEmail))
		require.NoError(t, svc.SendSignInCode(ctx, user))
		second, err := svc.Cache.Get(ctx, emailCodeKey(user.ID))
		require.NoError(t, err)

		if string(first) != string(second) {
			ok, err := svc.VerifyCode(ctx, user, string(first))
			require.NoError(t, err)
			require.False(t, ok)
		}
		ok, err := svc.VerifyCode(ctx, user, string(second))
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestEmailSecondFactorEndToEnd(t *testing.T) {
	ctx := context.Background()

	st := newTestStore(t)
	user := createUser(t, st, true)
	require.NoError(t, st.Users().SetTwoFactorMethods(ctx, user.ID, domain.TwoFactorEmail))

	emailSvc, _ := newEmailCodeService(t)
	svc := newSignInService(t, st)
	svc.Verifiers[domain.MethodEmail] = emailSvc

	result, err := svc.PasswordSignIn(ctx, PasswordSignInParams{Email: user.Email, Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, domain.SignInTwoFactorRequired, result.Status)
	require.Equal(t, []string{domain.MethodEmail}, result.Methods)

	require.NoError(t, emailSvc.SendSignInCode(ctx, user))
	code, err := emailSvc.Cache.Get(ctx, emailCodeKey(user.ID))
	require.NoError(t, err)

	final, err := svc.TwoFactorSignIn(ctx, domain.MethodEmail, TwoFactorSignInParams{
		Token: result.TwoFactorToken,
		Code:  string(code),
	})
	require.NoError(t, err)
	require.Equal(t, domain.SignInSucceeded, final.Status)
}
