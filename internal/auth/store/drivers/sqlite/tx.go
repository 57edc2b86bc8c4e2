package sqlite

import (
	"context"
	"database/sql"

	"github.com/pelorusid/gatehouse/internal/auth/store"
)

type txStore struct {
	tx *sql.Tx
}

func newTx(tx *sql.Tx) *txStore {
	return &txStore{tx: tx}
}

func (t *txStore) Close() error { return nil } // nothing to close; outer DB stays open

// Ping is a no-op for transactions. The connection is already established
// when the transaction is created, so we just return nil.
func (t *txStore) Ping(ctx context.Context) error {
	return nil
}

func (t *txStore) WithTx(ctx context.Context, fn func(txStore store.Store) error) error {
	// Nested tx not supported; could emulate with SAVEPOINT if needed
	return sql.ErrTxDone
}

func (t *txStore) Users() store.UserRepository             { return &usersRepo{db: t.tx} }
func (t *txStore) Credentials() store.CredentialRepository { return &credentialsRepo{db: t.tx} }
func (t *txStore) RecoveryCodes() store.RecoveryCodeRepository {
	return &recoveryCodesRepo{db: t.tx}
}
func (t *txStore) TwoFactorSessions() store.TwoFactorSessionRepository {
	return &twoFactorSessionsRepo{db: t.tx}
}
func (t *txStore) LoginAttempts() store.LoginAttemptRepository {
	return &loginAttemptsRepo{db: t.tx}
}

func (t *txStore) ApplyMigrations() error { return nil } // no-op; migrations should be applied before starting a tx
