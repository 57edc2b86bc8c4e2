// Package ceremony runs WebAuthn registration and authentication ceremonies:
// building options, caching pending state, and verifying authenticator
// responses against stored credentials.
package ceremony

import (
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pelorusid/gatehouse/internal/auth/cache"
	"github.com/pelorusid/gatehouse/internal/auth/store"
)

// provider is the slice of the webauthn library the engine uses. Tests swap
// in a fake.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// sessionKind tags pending state so a registration token can never finish an
// assertion and vice versa.
type sessionKind string

const (
	kindRegistration sessionKind = "registration"
	kindAssertion    sessionKind = "assertion"
)

// sessionEnvelope is what the ceremony store holds between begin and finish.
type sessionEnvelope struct {
	Kind      sessionKind          `json:"kind"`
	UserID    string               `json:"user_id,omitempty"`
	Passkey   bool                 `json:"passkey,omitempty"`
	Session   webauthn.SessionData `json:"session"`
	CreatedAt time.Time            `json:"created_at"`
}

// Engine runs ceremonies end to end.
type Engine struct {
	provider provider
	parser   parser
	sessions *cache.CeremonyStore
	users    store.UserRepository
	creds    store.CredentialRepository
	log      *slog.Logger

	now func() time.Time
}

// NewEngine builds an engine backed by the real webauthn library.
func NewEngine(cfg Config, sessions *cache.CeremonyStore, users store.UserRepository, creds store.CredentialRepository, log *slog.Logger) (*Engine, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		provider: wa,
		parser:   defaultParser{},
		sessions: sessions,
		users:    users,
		creds:    creds,
		log:      log,
		now:      time.Now,
	}, nil
}
