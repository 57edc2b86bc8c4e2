package service

import (
	"context"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pquerna/otp/totp"
)

// TOTPVerifier checks authenticator-app codes against the user's enrolled
// secret.
type TOTPVerifier struct{}

func (TOTPVerifier) VerifyCode(_ context.Context, user *domain.User, code string) (bool, error) {
	if user.TOTPSecret == nil || *user.TOTPSecret == "" {
		return false, nil
	}
	return totp.Validate(code, *user.TOTPSecret), nil
}
