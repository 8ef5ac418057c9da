package tm

import "errors"

// Transaction manager errors.
var (
	// ErrNoTransport is returned by NewManager without a transport.
	ErrNoTransport = errors.New("tm: transport is required")

	// ErrNotConnected is returned when an operation runs before Connect.
	ErrNotConnected = errors.New("tm: not connected")

	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("tm: already connected")

	// ErrConnectivity is returned when the status register reads as all zeros
	// or all ones, which no powered device produces.
	ErrConnectivity = errors.New("tm: device not responding")

	// ErrLink wraps a failed transport exchange.
	ErrLink = errors.New("tm: link error")

	// ErrBusyTimeout is returned when a standard command stays busy past the poll limit.
	ErrBusyTimeout = errors.New("tm: device busy")
)
