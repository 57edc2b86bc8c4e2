package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
)

type usersRepo struct {
	db dbtx
}

const userColumns = `id, email, email_confirmed, display_name, password_hash,
	two_factor_methods, passkeys_enabled, totp_secret, lockout_end,
	access_failed_count, security_stamp, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	var totpSecret sql.NullString
	var lockoutEnd sql.NullTime

	err := row.Scan(
		&u.ID, &u.Email, &u.EmailConfirmed, &u.DisplayName, &u.PasswordHash,
		&u.TwoFactorMethods, &u.PasskeysEnabled, &totpSecret, &lockoutEnd,
		&u.AccessFailedCount, &u.SecurityStamp, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}

	u.TOTPSecret = mapNullStringPtr(totpSecret)
	u.LockoutEnd = mapNullTimePtr(lockoutEnd)
	return &u, nil
}

func (r *usersRepo) Create(ctx context.Context, user *domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, email_confirmed, display_name, password_hash,
			two_factor_methods, passkeys_enabled, totp_secret, lockout_end,
			access_failed_count, security_stamp, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.EmailConfirmed, user.DisplayName, user.PasswordHash,
		user.TwoFactorMethods, user.PasskeysEnabled, mapOptionalString(user.TOTPSecret),
		mapOptionalTime(user.LockoutEnd), user.AccessFailedCount, user.SecurityStamp,
		user.CreatedAt, user.UpdatedAt,
	)
	return mapConstraint(err)
}

func (r *usersRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *usersRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

func (r *usersRepo) UpdatePasswordHash(ctx context.Context, id, hash, securityStamp string) error {
	return r.exec(ctx, `
		UPDATE users SET password_hash = ?, security_stamp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, hash, securityStamp, id)
}

func (r *usersRepo) UpdateTOTPSecret(ctx context.Context, id string, secret *string) error {
	return r.exec(ctx, `
		UPDATE users SET totp_secret = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, mapOptionalString(secret), id)
}

func (r *usersRepo) SetTwoFactorMethods(ctx context.Context, id string, methods domain.TwoFactorMethod) error {
	return r.exec(ctx, `
		UPDATE users SET two_factor_methods = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, methods, id)
}

func (r *usersRepo) SetPasskeysEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, `
		UPDATE users SET passkeys_enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, enabled, id)
}

func (r *usersRepo) SetEmailConfirmed(ctx context.Context, id string, confirmed bool) error {
	return r.exec(ctx, `
		UPDATE users SET email_confirmed = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, confirmed, id)
}

func (r *usersRepo) UpdateSecurityStamp(ctx context.Context, id, stamp string) error {
	return r.exec(ctx, `
		UPDATE users SET security_stamp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, stamp, id)
}

// IncrementAccessFailedCount bumps the counter and returns the new value in a
// single statement, so two concurrent failures cannot both read the same
// pre-increment count.
func (r *usersRepo) IncrementAccessFailedCount(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET access_failed_count = access_failed_count + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING access_failed_count`, id)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, mapNotFound(err)
	}
	return count, nil
}

func (r *usersRepo) ResetAccessFailedCount(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE users SET access_failed_count = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
}

func (r *usersRepo) SetLockoutEnd(ctx context.Context, id string, until *time.Time) error {
	return r.exec(ctx, `
		UPDATE users SET lockout_end = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, mapOptionalTime(until), id)
}

func (r *usersRepo) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, `DELETE FROM users WHERE id = ?`, id)
}

// exec runs a statement that targets one user row and maps a zero-row result
// to ErrNotFound.
func (r *usersRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapConstraint(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
