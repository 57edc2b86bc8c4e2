package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
)

type loginAttemptsRepo struct {
	db dbtx
}

func (r *loginAttemptsRepo) Create(ctx context.Context, attempt *domain.LoginAttempt) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO login_attempts (id, user_id, method, result, ip, user_agent, latitude, longitude, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID, attempt.UserID, attempt.Method, string(attempt.Result),
		attempt.IP, attempt.UserAgent,
		mapOptionalFloat(attempt.Latitude), mapOptionalFloat(attempt.Longitude),
		attempt.CreatedAt,
	)
	return mapConstraint(err)
}

func (r *loginAttemptsRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.LoginAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, method, result, ip, user_agent, latitude, longitude, created_at
		FROM login_attempts
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.LoginAttempt
	for rows.Next() {
		var a domain.LoginAttempt
		var result string
		var lat, lon sql.NullFloat64

		err := rows.Scan(&a.ID, &a.UserID, &a.Method, &result, &a.IP, &a.UserAgent, &lat, &lon, &a.CreatedAt)
		if err != nil {
			return nil, err
		}

		a.Result = domain.AttemptResult(result)
		a.Latitude = mapNullFloatPtr(lat)
		a.Longitude = mapNullFloatPtr(lon)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *loginAttemptsRepo) Delete(ctx context.Context, id, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM login_attempts WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
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

func (r *loginAttemptsRepo) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE user_id = ?`, userID)
	return err
}

func (r *loginAttemptsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
