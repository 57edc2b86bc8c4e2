package ceremony

import "errors"

var (
	// ErrCeremonyNotFound reports an unknown, expired, or already-redeemed
	// ceremony token.
	ErrCeremonyNotFound = errors.New("ceremony: not found or expired")

	// ErrVerificationFailed reports a cryptographically invalid response. An
	// assertion against an unknown credential maps here too, so callers can't
	// distinguish the cases.
	ErrVerificationFailed = errors.New("ceremony: verification failed")

	// ErrDuplicateCredential reports registration of a credential id that is
	// already bound to an account.
	ErrDuplicateCredential = errors.New("ceremony: credential already registered")

	// ErrCounterRegression reports a signature counter that did not advance,
	// which indicates a cloned authenticator.
	ErrCounterRegression = errors.New("ceremony: signature counter regression")
)
