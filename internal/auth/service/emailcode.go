package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/mailx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

// DefaultEmailCodeTTL is how long an emailed sign-in code stays valid.
const DefaultEmailCodeTTL = 5 * time.Minute

// ErrRateLimited reports that the user must wait before requesting another
// code.
var ErrRateLimited = errors.New("rate limited")

// EmailCodeService sends and verifies emailed single-use sign-in codes. It
// implements CodeVerifier for the email method.
type EmailCodeService struct {
	Cache   cache.Cache
	Limiter *cache.RateLimiter
	Mailer  mailx.Mailer

	TTL time.Duration // 0 means DefaultEmailCodeTTL
}

func emailCodeKey(userID string) string {
	// The method name doubles as the purpose key, so codes for other
	// purposes can never be redeemed here.
	return "code:" + domain.MethodEmail + ":" + userID
}

// SendSignInCode generates a fresh code, stores it, and mails it. Requests
// inside the rate-limit window return ErrRateLimited without sending.
// Issuing a new code invalidates the previous one.
func (s *EmailCodeService) SendSignInCode(ctx context.Context, user *domain.User) error {
	l := slogx.FromContext(ctx)

	if s.Limiter != nil {
		ok, err := s.Limiter.CanRequest(ctx, user.ID, domain.MethodEmail)
		if err != nil {
			return fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !ok {
			l.Warn("sign-in code request rate limited", "user_id", user.ID)
			return ErrRateLimited
		}
	}

	code, err := cryptox.GenerateEmailCode()
	if err != nil {
		return err
	}

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultEmailCodeTTL
	}
	if err := s.Cache.Set(ctx, emailCodeKey(user.ID), []byte(code), ttl); err != nil {
		return fmt.Errorf("failed to store sign-in code: %w", err)
	}

	body := fmt.Sprintf("Your sign-in code is %s. It expires in %d minutes.", code, int(ttl.Minutes()))
	if err := s.Mailer.Send(ctx, user.Email, "Your sign-in code", body); err != nil {
		return fmt.Errorf("failed to send sign-in code: %w", err)
	}

	l.Info("sign-in code sent", "user_id", user.ID)
	return nil
}

// VerifyCode checks the submitted code. A correct code is consumed so it can
// succeed at most once; wrong guesses leave the stored code in place.
func (s *EmailCodeService) VerifyCode(ctx context.Context, user *domain.User, code string) (bool, error) {
	key := emailCodeKey(user.ID)

	stored, err := s.Cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read sign-in code: %w", err)
	}

	if subtle.ConstantTimeCompare(stored, []byte(code)) != 1 {
		return false, nil
	}

	// Take, then re-compare: of two racing submissions of the correct code
	// only the one that actually removed it wins.
	taken, err := s.Cache.Take(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume sign-in code: %w", err)
	}
	return subtle.ConstantTimeCompare(taken, []byte(code)) == 1, nil
}
