package domain

import "time"

// Credential is a WebAuthn public-key credential owned by a user.
//
// ID is the authenticator's credential id encoded base64url (raw, no padding)
// and is unique across all users. Name is chosen by the owner and unique per
// owner. IsPasskey marks credentials created as resident (discoverable) keys:
// only those may perform primary, username-less sign-in. Everything else is a
// security key usable as a second factor only.
type Credential struct {
	ID     string
	UserID string
	Name   string

	PublicKey []byte
	SignCount uint32

	Transports     []string
	BackupEligible bool
	BackupState    bool

	// Attestation material is retained opaque for later audit or
	// authenticator-metadata lookup. Never interpreted here.
	AttestationObject []byte
	ClientDataJSON    []byte
	AAGUID            []byte

	IsPasskey bool

	CreatedAt  time.Time
	LastUsedAt *time.Time
}
