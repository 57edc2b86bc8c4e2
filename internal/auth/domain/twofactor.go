package domain

import "time"

// TwoFactorSession is a pending second-factor challenge created after a
// successful primary factor. The token is handed to the client and must be
// presented with the second-factor attempt. Attempts counts failures so a
// session can be burned after too many guesses.
type TwoFactorSession struct {
	ID       string // ULID, the two-factor token
	UserID   string
	Method   string // primary method that opened the session
	Remember bool   // client asked to remember this browser
	Attempts int

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session has passed its expiry.
func (s TwoFactorSession) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }
