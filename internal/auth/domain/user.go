package domain

import "time"

// TwoFactorMethod is a bitset of second-factor methods a user has enabled.
// The bits are independent: a user may have any combination enabled.
type TwoFactorMethod uint8

const (
	TwoFactorAuthenticator TwoFactorMethod = 1 << iota // TOTP app
	TwoFactorEmail                                     // emailed single-use code
	TwoFactorSecurityKey                               // WebAuthn security key (non-resident)
)

// Has reports whether the given method bit is set.
func (m TwoFactorMethod) Has(method TwoFactorMethod) bool { return m&method != 0 }

// Names returns the wire names of the enabled methods, used to tell a client
// which second factors it may offer.
func (m TwoFactorMethod) Names() []string {
	var names []string
	if m.Has(TwoFactorAuthenticator) {
		names = append(names, MethodAuthenticator)
	}
	if m.Has(TwoFactorEmail) {
		names = append(names, MethodEmail)
	}
	if m.Has(TwoFactorSecurityKey) {
		names = append(names, MethodSecurityKey)
	}
	return names
}

// Wire names for authentication methods. These double as the purpose keys for
// the code-verification providers, so authenticator codes and emailed codes
// can never collide.
const (
	MethodPassword      = "password"
	MethodPasskey       = "passkey"
	MethodAuthenticator = "authenticator"
	MethodEmail         = "email"
	MethodSecurityKey   = "security_key"
	MethodRecoveryCode  = "recovery_code"
)

// LockoutForever is the sentinel lockout end meaning "locked until manually
// unlocked". Any lockout end at or beyond it never expires on its own.
var LockoutForever = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type User struct {
	ID             string
	Email          string
	EmailConfirmed bool
	DisplayName    string
	PasswordHash   string // argon2id encoded

	TwoFactorMethods TwoFactorMethod
	PasskeysEnabled  bool
	TOTPSecret       *string // base32 encoded, nil until enrolled

	LockoutEnd        *time.Time // nil = not locked; LockoutForever = manual unlock only
	AccessFailedCount int

	// SecurityStamp changes whenever credential or 2FA state changes,
	// invalidating any session or trusted-device marker minted before it.
	SecurityStamp string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TwoFactorEnabled reports whether any second-factor method is enabled.
func (u User) TwoFactorEnabled() bool { return u.TwoFactorMethods != 0 }

// LockedOut reports whether the user is locked out at the given instant.
func (u User) LockedOut(now time.Time) bool {
	return u.LockoutEnd != nil && u.LockoutEnd.After(now)
}
