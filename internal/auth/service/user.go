package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/cryptox"
	"github.com/pelorusid/gatehouse/pkg/idx"
	"github.com/pelorusid/gatehouse/pkg/mailx"
	"github.com/pelorusid/gatehouse/pkg/slogx"
)

const confirmEmailPurpose = "confirm_email"

var (
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidConfirmation = errors.New("invalid or expired confirmation code")
)

// UserService manages accounts: registration, email confirmation, and
// password changes.
type UserService struct {
	Store   store.Store
	Cache   cache.Cache
	Limiter *cache.RateLimiter
	Mailer  mailx.Mailer

	ConfirmTTL time.Duration // 0 means 24h
}

// Register creates an account with an unconfirmed email. The user cannot
// sign in until the email is confirmed.
func (s *UserService) Register(ctx context.Context, email, displayName, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}

	hash, err := cryptox.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return nil, fmt.Errorf("failed to generate security stamp: %w", err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:            idx.New().String(),
		Email:         email,
		DisplayName:   displayName,
		PasswordHash:  hash,
		SecurityStamp: stamp,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.Store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slogx.FromContext(ctx).Info("user registered", "user_id", user.ID)
	return user, nil
}

// Get returns the user by id.
func (s *UserService) Get(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SendConfirmationEmail mails a confirmation code. Rate limited per user.
func (s *UserService) SendConfirmationEmail(ctx context.Context, userID string) error {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user.EmailConfirmed {
		return nil
	}

	if s.Limiter != nil {
		ok, err := s.Limiter.CanRequest(ctx, userID, confirmEmailPurpose)
		if err != nil {
			return fmt.Errorf("failed to check rate limit: %w", err)
		}
		if !ok {
			return ErrRateLimited
		}
	}

	code, err := cryptox.GenerateEmailCode()
	if err != nil {
		return err
	}

	ttl := s.ConfirmTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := s.Cache.Set(ctx, confirmKey(userID), []byte(code), ttl); err != nil {
		return fmt.Errorf("failed to store confirmation code: %w", err)
	}

	body := fmt.Sprintf("Your confirmation code is %s.", code)
	if err := s.Mailer.Send(ctx, user.Email, "Confirm your email", body); err != nil {
		return fmt.Errorf("failed to send confirmation email: %w", err)
	}
	return nil
}

// ConfirmEmail redeems a confirmation code. The code is single use.
func (s *UserService) ConfirmEmail(ctx context.Context, userID, code string) error {
	stored, err := s.Cache.Get(ctx, confirmKey(userID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return ErrInvalidConfirmation
		}
		return fmt.Errorf("failed to read confirmation code: %w", err)
	}
	// Wrong guesses leave the code in place; only a correct code consumes it.
	if subtle.ConstantTimeCompare(stored, []byte(code)) != 1 {
		return ErrInvalidConfirmation
	}
	if taken, err := s.Cache.Take(ctx, confirmKey(userID)); err != nil || subtle.ConstantTimeCompare(taken, []byte(code)) != 1 {
		return ErrInvalidConfirmation
	}

	if err := s.Store.Users().SetEmailConfirmed(ctx, userID, true); err != nil {
		return fmt.Errorf("failed to confirm email: %w", err)
	}

	slogx.FromContext(ctx).Info("email confirmed", "user_id", userID)
	return nil
}

// ChangePassword verifies the current password and swaps in the new one. The
// security stamp rotates with the hash, killing existing sessions.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}

	if err := cryptox.VerifyPassword(current, user.PasswordHash); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := cryptox.HashPassword(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	stamp, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return fmt.Errorf("failed to generate security stamp: %w", err)
	}

	if err := s.Store.Users().UpdatePasswordHash(ctx, userID, hash, stamp); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	slogx.FromContext(ctx).Info("password changed", "user_id", userID)
	return nil
}

func confirmKey(userID string) string {
	return "code:" + confirmEmailPurpose + ":" + userID
}
