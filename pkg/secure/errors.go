package secure

import "errors"

// Secure command processor errors. Device-reported errors come from pkg/status.
var (
	// ErrSecurity is returned when a response signature does not verify.
	ErrSecurity = errors.New("secure: signature mismatch")

	// ErrIncorrectState is returned when the device state contradicts the
	// protocol: a stale counter echo, a session that did not open or close.
	ErrIncorrectState = errors.New("secure: system in incorrect state")

	// ErrInvalidParameter is returned for arguments rejected before any bus traffic.
	ErrInvalidParameter = errors.New("secure: invalid parameter")

	// ErrNoSession is returned when an operation needs an open session.
	ErrNoSession = errors.New("secure: no open session")

	// ErrNoKey is returned when no long-term key is available for a KID.
	ErrNoKey = errors.New("secure: no key for KID")

	// ErrNoTM is returned by NewSession without a transaction manager.
	ErrNoTM = errors.New("secure: transaction manager is required")
)
