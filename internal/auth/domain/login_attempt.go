package domain

import "time"

// AttemptResult is the outcome recorded for a single sign-in attempt.
type AttemptResult string

const (
	AttemptSucceeded         AttemptResult = "succeeded"
	AttemptBadCredential     AttemptResult = "failed_bad_credential"
	AttemptTwoFactorRequired AttemptResult = "two_factor_required"
	AttemptLockedOut         AttemptResult = "locked_out"
	AttemptNotAllowed        AttemptResult = "not_allowed"
)

// LoginAttempt is an immutable audit record of one sign-in attempt. Rows are
// owned by the user and can be deleted individually or in bulk by them; the
// record itself is never updated after creation.
type LoginAttempt struct {
	ID        string
	UserID    string
	Method    string // one of the Method* wire names
	Result    AttemptResult
	IP        string
	UserAgent string

	// Approximate geo coordinates, when enrichment resolved them.
	Latitude  *float64
	Longitude *float64

	CreatedAt time.Time
}
