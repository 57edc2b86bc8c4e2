package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
)

type credentialsRepo struct {
	db dbtx
}

const credentialColumns = `id, user_id, name, public_key, sign_count, transports,
	backup_eligible, backup_state, attestation_object, client_data_json, aaguid,
	is_passkey, created_at, last_used_at`

func scanCredential(row interface{ Scan(...any) error }) (*domain.Credential, error) {
	var c domain.Credential
	var transports string
	var lastUsedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.PublicKey, &c.SignCount, &transports,
		&c.BackupEligible, &c.BackupState, &c.AttestationObject, &c.ClientDataJSON,
		&c.AAGUID, &c.IsPasskey, &c.CreatedAt, &lastUsedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}

	c.Transports = splitList(transports)
	c.LastUsedAt = mapNullTimePtr(lastUsedAt)
	return &c, nil
}

func (r *credentialsRepo) Create(ctx context.Context, cred *domain.Credential) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (
			id, user_id, name, public_key, sign_count, transports,
			backup_eligible, backup_state, attestation_object, client_data_json,
			aaguid, is_passkey, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.Name, cred.PublicKey, cred.SignCount,
		joinList(cred.Transports), cred.BackupEligible, cred.BackupState,
		cred.AttestationObject, cred.ClientDataJSON, cred.AAGUID, cred.IsPasskey,
		cred.CreatedAt, mapOptionalTime(cred.LastUsedAt),
	)
	return mapConstraint(err)
}

func (r *credentialsRepo) Get(ctx context.Context, id string) (*domain.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

func (r *credentialsRepo) ListByUser(ctx context.Context, userID string) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE user_id = ?
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	return creds, rows.Err()
}

// UpdateSignCount only writes when the stored counter still equals prev. A
// raced assertion sees zero rows affected and gets ErrConflict, never a
// counter that moved backwards.
func (r *credentialsRepo) UpdateSignCount(ctx context.Context, id string, prev, next uint32, backupState bool, usedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET sign_count = ?, backup_state = ?, last_used_at = ?
		WHERE id = ? AND sign_count = ?`,
		next, backupState, usedAt, id, prev)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *credentialsRepo) Rename(ctx context.Context, id, userID, name string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials SET name = ?
		WHERE id = ? AND user_id = ?`, name, id, userID)
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

func (r *credentialsRepo) Delete(ctx context.Context, id, userID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM credentials WHERE id = ? AND user_id = ?`, id, userID)
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

func (r *credentialsRepo) CountByKind(ctx context.Context, userID string) (passkeys, securityKeys int, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN is_passkey THEN 1 END),
			COUNT(CASE WHEN NOT is_passkey THEN 1 END)
		FROM credentials WHERE user_id = ?`, userID)
	if err := row.Scan(&passkeys, &securityKeys); err != nil {
		return 0, 0, err
	}
	return passkeys, securityKeys, nil
}
