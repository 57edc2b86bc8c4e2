package store

import (
	"context"
	"errors"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
)

// Sentinel errors shared by every driver. Services match on these instead of
// driver-specific errors.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrConflict      = errors.New("store: conflict")
)

// Store is the persistence boundary for the auth service. Drivers implement
// it over their own schema; everything above it speaks domain types only.
type Store interface {
	Users() UserRepository
	Credentials() CredentialRepository
	TwoFactorSessions() TwoFactorSessionRepository
	RecoveryCodes() RecoveryCodeRepository
	LoginAttempts() LoginAttemptRepository

	// WithTx runs fn inside a transaction. The Store passed to fn shares the
	// transaction; returning an error rolls back, nil commits.
	WithTx(ctx context.Context, fn func(txStore Store) error) error

	Ping(ctx context.Context) error
	ApplyMigrations() error
	Close() error
}

// UserRepository persists user accounts and their sign-in security state.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	UpdatePasswordHash(ctx context.Context, id, hash, securityStamp string) error
	UpdateTOTPSecret(ctx context.Context, id string, secret *string) error
	SetTwoFactorMethods(ctx context.Context, id string, methods domain.TwoFactorMethod) error
	SetPasskeysEnabled(ctx context.Context, id string, enabled bool) error
	SetEmailConfirmed(ctx context.Context, id string, confirmed bool) error
	UpdateSecurityStamp(ctx context.Context, id, stamp string) error

	// IncrementAccessFailedCount bumps the failure counter atomically and
	// returns the new value, so concurrent failures can't both see a
	// pre-threshold count.
	IncrementAccessFailedCount(ctx context.Context, id string) (int, error)
	ResetAccessFailedCount(ctx context.Context, id string) error
	SetLockoutEnd(ctx context.Context, id string, until *time.Time) error

	Delete(ctx context.Context, id string) error
}

// CredentialRepository persists WebAuthn credentials.
type CredentialRepository interface {
	Create(ctx context.Context, cred *domain.Credential) error
	Get(ctx context.Context, id string) (*domain.Credential, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Credential, error)

	// UpdateSignCount is a compare-and-swap on the signature counter: the row
	// is only updated when its stored counter still equals prev. A mismatch
	// returns ErrConflict so a raced assertion cannot regress the counter.
	UpdateSignCount(ctx context.Context, id string, prev, next uint32, backupState bool, usedAt time.Time) error

	Rename(ctx context.Context, id, userID, name string) error
	Delete(ctx context.Context, id, userID string) error
	CountByKind(ctx context.Context, userID string) (passkeys, securityKeys int, err error)
}

// TwoFactorSessionRepository persists pending second-factor challenges.
type TwoFactorSessionRepository interface {
	Create(ctx context.Context, session *domain.TwoFactorSession) error
	Get(ctx context.Context, id string) (*domain.TwoFactorSession, error)

	// IncrementAttempts bumps the attempt counter atomically and returns the
	// new value.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RecoveryCodeRepository persists hashed one-time recovery codes.
type RecoveryCodeRepository interface {
	// Replace deletes the user's existing codes and stores the new set in one
	// transaction.
	Replace(ctx context.Context, userID string, codeHashes []string) error

	// Consume removes the code if present. The delete doubles as the
	// at-most-once guarantee: only one caller can observe consumed == true.
	Consume(ctx context.Context, userID, codeHash string) (bool, error)

	Count(ctx context.Context, userID string) (int, error)
	DeleteAll(ctx context.Context, userID string) error
}

// LoginAttemptRepository persists the sign-in audit trail.
type LoginAttemptRepository interface {
	Create(ctx context.Context, attempt *domain.LoginAttempt) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.LoginAttempt, error)
	Delete(ctx context.Context, id, userID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
