package sqlite

import (
	"context"
)

type recoveryCodesRepo struct {
	db dbtx
}

// Replace swaps the user's full code set. Callers wrap this in WithTx when
// they need the delete and inserts to be atomic against a concurrent Consume.
func (r *recoveryCodesRepo) Replace(ctx context.Context, userID string, codeHashes []string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for _, hash := range codeHashes {
		if _, err := r.db.ExecContext(ctx, `
			INSERT INTO recovery_codes (user_id, code_hash) VALUES (?, ?)`,
			userID, hash); err != nil {
			return mapConstraint(err)
		}
	}
	return nil
}

// Consume deletes the code row. The single DELETE is the at-most-once
// guarantee: of two racing callers, only one sees a row affected.
func (r *recoveryCodesRepo) Consume(ctx context.Context, userID, codeHash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM recovery_codes WHERE user_id = ? AND code_hash = ?`,
		userID, codeHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *recoveryCodesRepo) Count(ctx context.Context, userID string) (int, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recovery_codes WHERE user_id = ?`, userID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *recoveryCodesRepo) DeleteAll(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = ?`, userID)
	return err
}
