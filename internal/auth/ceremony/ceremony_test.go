package ceremony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
	"github.com/pelorusid/gatehouse/internal/auth/store"
	"github.com/pelorusid/gatehouse/pkg/idx"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts the webauthn library's answers so tests exercise the
// engine's own logic without real authenticator cryptography.
type fakeProvider struct {
	session webauthn.SessionData

	createCredential *webauthn.Credential
	createErr        error

	loginCredential *webauthn.Credential
	loginErr        error

	discoverableHandle []byte
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &f.session, nil
}

func (f *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return f.createCredential, f.createErr
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &f.session, nil
}

func (f *fakeProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	return &protocol.CredentialAssertion{}, &f.session, nil
}

func (f *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	return f.loginCredential, f.loginErr
}

func (f *fakeProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if f.loginErr != nil {
		return nil, nil, f.loginErr
	}
	user, err := handler(nil, f.discoverableHandle)
	if err != nil {
		return nil, nil, err
	}
	return user, f.loginCredential, nil
}

type fakeParser struct {
	parseErr error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return &protocol.ParsedCredentialCreationData{}, f.parseErr
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return &protocol.ParsedCredentialAssertionData{}, f.parseErr
}

// fakeUsers and fakeCreds are in-memory repositories covering only what the
// engine touches.
type fakeUsers struct {
	store.UserRepository
	users map[string]domain.User
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (f *fakeUsers) UpdateSecurityStamp(_ context.Context, id, stamp string) error {
	u, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.SecurityStamp = stamp
	f.users[id] = u
	return nil
}

type fakeCreds struct {
	store.CredentialRepository

	mu    sync.Mutex
	creds map[string]domain.Credential

	// hideFromGet makes Get miss so tests can stage a registration that
	// collides only at insert time.
	hideFromGet bool
}

func (f *fakeCreds) Get(_ context.Context, id string) (*domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || f.hideFromGet {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeCreds) Create(_ context.Context, c *domain.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.creds[c.ID]; exists {
		return store.ErrAlreadyExists
	}
	f.creds[c.ID] = *c
	return nil
}

func (f *fakeCreds) ListByUser(_ context.Context, userID string) ([]domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Credential
	for _, c := range f.creds {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCreds) UpdateSignCount(_ context.Context, id string, prev, next uint32, backupState bool, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[id]
	if !ok || c.SignCount != prev {
		return store.ErrConflict
	}
	c.SignCount = next
	c.BackupState = backupState
	c.LastUsedAt = &usedAt
	f.creds[id] = c
	return nil
}

func newTestEngine(t *testing.T, prov *fakeProvider, users map[string]domain.User, creds map[string]domain.Credential) (*Engine, *fakeCreds) {
	t.Helper()

	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { _ = mem.Close() })

	if creds == nil {
		creds = map[string]domain.Credential{}
	}
	fc := &fakeCreds{creds: creds}

	return &Engine{
		provider: prov,
		parser:   &fakeParser{},
		sessions: cache.NewCeremonyStore(mem, time.Minute),
		users:    &fakeUsers{users: users},
		creds:    fc,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
	}, fc
}

func testUser() domain.User {
	return domain.User{
		ID:              idx.New().String(),
		Email:           "user@example.com",
		DisplayName:     "User",
		PasskeysEnabled: true,
	}
}

func libCredential(id []byte, signCount uint32) *webauthn.Credential {
	return &webauthn.Credential{
		ID:        id,
		PublicKey: []byte{0xAA},
		Authenticator: webauthn.Authenticator{
			SignCount: signCount,
		},
	}
}

func TestRegistrationCeremony(t *testing.T) {
	ctx := context.Background()

	t.Run("begin then finish stores the credential", func(t *testing.T) {
		user := testUser()
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x01, 0x02}, 0),
		}
		engine, creds := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		cred, err := engine.FinishRegistration(ctx, token, "My passkey", []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, user.ID, cred.UserID)
		require.Equal(t, "My passkey", cred.Name)
		require.True(t, cred.IsPasskey)

		stored, err := creds.ListByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, stored, 1)
	})

	t.Run("security key registration is not a passkey", func(t *testing.T) {
		user := testUser()
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x03}, 0),
		}
		engine, _ := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginRegistration(ctx, user, false)
		require.NoError(t, err)

		cred, err := engine.FinishRegistration(ctx, token, "YubiKey", []byte(`{}`))
		require.NoError(t, err)
		require.False(t, cred.IsPasskey)
	})

	t.Run("registration rotates the security stamp", func(t *testing.T) {
		user := testUser()
		user.SecurityStamp = "stamp-before"
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x07}, 0),
		}
		engine, _ := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "My passkey", []byte(`{}`))
		require.NoError(t, err)

		got, err := engine.users.GetByID(ctx, user.ID)
		require.NoError(t, err)
		require.NotEmpty(t, got.SecurityStamp)
		require.NotEqual(t, "stamp-before", got.SecurityStamp)
	})

	t.Run("token is single use", func(t *testing.T) {
		user := testUser()
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x04}, 0),
		}
		engine, _ := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "first", []byte(`{}`))
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "second", []byte(`{}`))
		require.ErrorIs(t, err, ErrCeremonyNotFound)
	})

	t.Run("failed verification still consumes the token", func(t *testing.T) {
		user := testUser()
		prov := &fakeProvider{
			createErr: errors.New("bad attestation"),
		}
		engine, _ := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "x", []byte(`{}`))
		require.ErrorIs(t, err, ErrVerificationFailed)

		_, err = engine.FinishRegistration(ctx, token, "x", []byte(`{}`))
		require.ErrorIs(t, err, ErrCeremonyNotFound)
	})

	t.Run("duplicate credential id rejected", func(t *testing.T) {
		user := testUser()
		other := testUser()
		existing := domain.Credential{
			ID:     encodeCredentialID([]byte{0x05}),
			UserID: other.ID,
		}
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x05}, 0),
		}
		engine, _ := newTestEngine(t, prov,
			map[string]domain.User{user.ID: user, other.ID: other},
			map[string]domain.Credential{existing.ID: existing})

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "dup", []byte(`{}`))
		require.ErrorIs(t, err, ErrDuplicateCredential)
	})

	t.Run("duplicate landing between check and insert rejected", func(t *testing.T) {
		user := testUser()
		other := testUser()
		existing := domain.Credential{
			ID:     encodeCredentialID([]byte{0x08}),
			UserID: other.ID,
		}
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x08}, 0),
		}
		engine, creds := newTestEngine(t, prov,
			map[string]domain.User{user.ID: user, other.ID: other},
			map[string]domain.Credential{existing.ID: existing})
		creds.hideFromGet = true

		_, token, err := engine.BeginRegistration(ctx, user, true)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "dup", []byte(`{}`))
		require.ErrorIs(t, err, ErrDuplicateCredential)
	})

	t.Run("assertion token cannot finish a registration", func(t *testing.T) {
		user := testUser()
		prov := &fakeProvider{
			createCredential: libCredential([]byte{0x06}, 0),
		}
		engine, _ := newTestEngine(t, prov, map[string]domain.User{user.ID: user}, nil)

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, err = engine.FinishRegistration(ctx, token, "x", []byte(`{}`))
		require.ErrorIs(t, err, ErrCeremonyNotFound)
	})
}

func TestAssertionCeremony(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, signCount uint32) (domain.User, domain.Credential, *fakeProvider, *Engine, *fakeCreds) {
		user := testUser()
		credID := []byte{0x10, 0x11}
		stored := domain.Credential{
			ID:        encodeCredentialID(credID),
			UserID:    user.ID,
			PublicKey: []byte{0xAA},
			SignCount: signCount,
			IsPasskey: true,
		}
		prov := &fakeProvider{
			loginCredential:    libCredential(credID, signCount+1),
			discoverableHandle: []byte(user.ID),
		}
		engine, creds := newTestEngine(t, prov,
			map[string]domain.User{user.ID: user},
			map[string]domain.Credential{stored.ID: stored})
		return user, stored, prov, engine, creds
	}

	t.Run("known-user assertion advances the counter", func(t *testing.T) {
		user, stored, _, engine, creds := setup(t, 7)

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		gotUser, gotCred, err := engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, user.ID, gotUser.ID)
		require.Equal(t, stored.ID, gotCred.ID)
		require.Equal(t, uint32(8), gotCred.SignCount)
		require.NotNil(t, gotCred.LastUsedAt)

		persisted, err := creds.ListByUser(ctx, user.ID)
		require.NoError(t, err)
		require.Equal(t, uint32(8), persisted[0].SignCount)
	})

	t.Run("discoverable assertion resolves the user from its handle", func(t *testing.T) {
		user, _, _, engine, _ := setup(t, 7)

		_, token, err := engine.BeginDiscoverableAssertion(ctx)
		require.NoError(t, err)

		gotUser, _, err := engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, user.ID, gotUser.ID)
	})

	t.Run("clone warning fails the assertion", func(t *testing.T) {
		user, _, prov, engine, _ := setup(t, 7)
		prov.loginCredential.Authenticator.CloneWarning = true

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.ErrorIs(t, err, ErrCounterRegression)
	})

	t.Run("counter that does not advance fails the assertion", func(t *testing.T) {
		user, _, prov, engine, _ := setup(t, 7)
		prov.loginCredential.Authenticator.SignCount = 7

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.ErrorIs(t, err, ErrCounterRegression)
	})

	t.Run("zero counters are accepted", func(t *testing.T) {
		user, _, prov, engine, _ := setup(t, 0)
		prov.loginCredential.Authenticator.SignCount = 0

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.NoError(t, err)
	})

	t.Run("unknown credential in response fails verification", func(t *testing.T) {
		user, _, prov, engine, _ := setup(t, 7)
		prov.loginCredential = libCredential([]byte{0xFF}, 8)

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("library failure maps to verification failed", func(t *testing.T) {
		user, _, prov, engine, _ := setup(t, 7)
		prov.loginErr = errors.New("signature mismatch")

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.ErrorIs(t, err, ErrVerificationFailed)
	})

	t.Run("raced counter update fails closed", func(t *testing.T) {
		user, stored, _, engine, creds := setup(t, 7)

		_, token, err := engine.BeginAssertion(ctx, user)
		require.NoError(t, err)

		// Another assertion lands first.
		require.NoError(t, creds.UpdateSignCount(ctx, stored.ID, 7, 9, false, time.Now()))

		_, _, err = engine.FinishAssertion(ctx, token, []byte(`{}`))
		require.ErrorIs(t, err, ErrCounterRegression)
	})
}
