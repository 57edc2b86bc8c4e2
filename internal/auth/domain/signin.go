package domain

import "time"

// SignInStatus is the outcome of a sign-in step.
type SignInStatus int

const (
	// SignInFailed is the generic terminal failure, retryable from scratch.
	SignInFailed SignInStatus = iota
	// SignInSucceeded means the user is fully authenticated.
	SignInSucceeded
	// SignInTwoFactorRequired means the primary factor passed and a second
	// factor must follow, referenced by the result's TwoFactorToken.
	SignInTwoFactorRequired
	// SignInLockedOut means the account is locked until LockoutEnd.
	SignInLockedOut
	// SignInNotAllowed means credentials were correct but the account may not
	// sign in yet (e.g. unconfirmed email).
	SignInNotAllowed
)

func (s SignInStatus) String() string {
	switch s {
	case SignInSucceeded:
		return "succeeded"
	case SignInTwoFactorRequired:
		return "two_factor_required"
	case SignInLockedOut:
		return "locked_out"
	case SignInNotAllowed:
		return "not_allowed"
	default:
		return "failed"
	}
}

// AttemptResult maps the status to its audit-log result code.
func (s SignInStatus) AttemptResult() AttemptResult {
	switch s {
	case SignInSucceeded:
		return AttemptSucceeded
	case SignInTwoFactorRequired:
		return AttemptTwoFactorRequired
	case SignInLockedOut:
		return AttemptLockedOut
	case SignInNotAllowed:
		return AttemptNotAllowed
	default:
		return AttemptBadCredential
	}
}

// SignInResult is what the orchestrator hands back to its caller.
type SignInResult struct {
	Status SignInStatus

	// User is set on SignInSucceeded and SignInTwoFactorRequired.
	User User

	// AccessToken is the signed session token, set on SignInSucceeded.
	AccessToken string

	// TwoFactorToken references the pending challenge session, set on
	// SignInTwoFactorRequired, together with the methods the user may use.
	TwoFactorToken string
	Methods        []string

	// LockoutEnd is set on SignInLockedOut so callers can show a countdown.
	// Equal to LockoutForever for manual-unlock accounts.
	LockoutEnd *time.Time

	// TrustedDeviceToken is set when the caller asked to remember the browser
	// and the second factor completed. The client stores it and presents it on
	// later sign-ins to skip the second factor.
	TrustedDeviceToken string
}
