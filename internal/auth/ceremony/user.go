package ceremony

import (
	"encoding/base64"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/pelorusid/gatehouse/internal/auth/domain"
)

// ceremonyUser adapts a domain user and its stored credentials to the
// webauthn.User interface the library verifies against.
type ceremonyUser struct {
	user        domain.User
	credentials []webauthn.Credential

	// byID maps the library credential id (base64url) back to the stored
	// record so the verifier can recover domain fields like IsPasskey.
	byID map[string]domain.Credential
}

func newCeremonyUser(user domain.User, stored []domain.Credential) *ceremonyUser {
	cu := &ceremonyUser{
		user: user,
		byID: make(map[string]domain.Credential, len(stored)),
	}
	for _, c := range stored {
		cu.credentials = append(cu.credentials, toLibraryCredential(c))
		cu.byID[c.ID] = c
	}
	return cu
}

func (u *ceremonyUser) WebAuthnID() []byte          { return []byte(u.user.ID) }
func (u *ceremonyUser) WebAuthnName() string        { return u.user.Email }
func (u *ceremonyUser) WebAuthnDisplayName() string { return u.user.DisplayName }
func (u *ceremonyUser) WebAuthnIcon() string        { return "" }

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (u *ceremonyUser) stored(libraryID []byte) (domain.Credential, bool) {
	c, ok := u.byID[encodeCredentialID(libraryID)]
	return c, ok
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// toLibraryCredential rebuilds the library's credential from stored fields so
// assertion verification sees the same key, counter, and flags it minted.
func toLibraryCredential(c domain.Credential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}

	id, err := base64.RawURLEncoding.DecodeString(c.ID)
	if err != nil {
		// Stored ids are always written by encodeCredentialID; an undecodable
		// id yields a credential that matches nothing.
		id = nil
	}

	return webauthn.Credential{
		ID:        id,
		PublicKey: c.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.SignCount,
		},
		Attestation: webauthn.CredentialAttestation{
			ClientDataJSON: c.ClientDataJSON,
			Object:         c.AttestationObject,
		},
	}
}

// newStoredCredential converts a freshly verified library credential into the
// stored form.
func newStoredCredential(userID, name string, lib *webauthn.Credential, isPasskey bool, now time.Time) *domain.Credential {
	transports := make([]string, 0, len(lib.Transport))
	for _, t := range lib.Transport {
		transports = append(transports, string(t))
	}

	return &domain.Credential{
		ID:                encodeCredentialID(lib.ID),
		UserID:            userID,
		Name:              name,
		PublicKey:         lib.PublicKey,
		SignCount:         lib.Authenticator.SignCount,
		Transports:        transports,
		BackupEligible:    lib.Flags.BackupEligible,
		BackupState:       lib.Flags.BackupState,
		AttestationObject: lib.Attestation.Object,
		ClientDataJSON:    lib.Attestation.ClientDataJSON,
		AAGUID:            lib.Authenticator.AAGUID,
		IsPasskey:         isPasskey,
		CreatedAt:         now,
	}
}
