package sqlite

import (
	"context"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
)

type twoFactorSessionsRepo struct {
	db dbtx
}

func (r *twoFactorSessionsRepo) Create(ctx context.Context, session *domain.TwoFactorSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO two_factor_sessions (id, user_id, method, remember, attempts, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.Method, session.Remember,
		session.Attempts, session.CreatedAt, session.ExpiresAt,
	)
	return mapConstraint(err)
}

func (r *twoFactorSessionsRepo) Get(ctx context.Context, id string) (*domain.TwoFactorSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, method, remember, attempts, created_at, expires_at
		FROM two_factor_sessions WHERE id = ?`, id)

	var s domain.TwoFactorSession
	err := row.Scan(&s.ID, &s.UserID, &s.Method, &s.Remember, &s.Attempts, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *twoFactorSessionsRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE two_factor_sessions SET attempts = attempts + 1
		WHERE id = ?
		RETURNING attempts`, id)

	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, mapNotFound(err)
	}
	return attempts, nil
}

func (r *twoFactorSessionsRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_sessions WHERE id = ?`, id)
	return err
}

func (r *twoFactorSessionsRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM two_factor_sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
