package bus

import "errors"

// Bus errors.
var (
	// ErrClosed is returned when an exchange is attempted on a closed transport.
	ErrClosed = errors.New("bus: closed")

	// ErrInvalidFormat is returned for an unknown bus format.
	ErrInvalidFormat = errors.New("bus: invalid format")

	// ErrInvalidAddressSize is returned when the address size is not 0, 3 or 4 bytes.
	ErrInvalidAddressSize = errors.New("bus: invalid address size")

	// ErrFrameTooLarge is returned when a payload exceeds the bridge frame limits.
	ErrFrameTooLarge = errors.New("bus: frame too large")

	// ErrBadFrame is returned when a bridge frame cannot be decoded.
	ErrBadFrame = errors.New("bus: malformed frame")

	// ErrLink is returned when the far end of a bridge reports a failed exchange.
	ErrLink = errors.New("bus: link error")
)
