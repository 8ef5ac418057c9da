// Package status classifies secure status register (SSR) snapshots into typed
// device errors.
//
// A mask selects which error bits an operation treats as fatal. The highest
// priority masked bit wins:
//
//	session > integrity > authentication > privilege > ignored >
//	system > flash > MC > generic > busy
//
// The generic ERR bit only counts when no categorized bit is raised, since the
// device raises it as a summary alongside every category.
package status

import (
	"errors"
	"fmt"

	"github.com/backkem/qlib/pkg/protocol"
)

// Device errors reported through the SSR.
var (
	ErrSession        = errors.New("status: device session error")
	ErrIntegrity      = errors.New("status: device integrity error")
	ErrAuthentication = errors.New("status: device authentication error")
	ErrPrivilege      = errors.New("status: device privilege error")
	ErrIgnored        = errors.New("status: command ignored")
	ErrSystem         = errors.New("status: device system error")
	ErrFlash          = errors.New("status: device flash error")
	ErrMC             = errors.New("status: device monotonic counter error")
	ErrDevice         = errors.New("status: device error")
	ErrBusy           = errors.New("status: device busy")
)

// Mask selects the SSR bits an operation treats as fatal.
type Mask protocol.SSR

// Standard masks.
const (
	// MaskAll treats every error bit and a stuck BUSY as fatal.
	MaskAll = Mask(protocol.SSRErrorBits | protocol.SSRBusy)

	// MaskOpenFullAccess tolerates integrity errors: a full-access session may be
	// opened over a section whose digest no longer matches, to repair it.
	MaskOpenFullAccess = MaskAll &^ Mask(protocol.SSRIntgErr)

	// MaskSetKey tolerates IGNORE, raised when the new key equals the stored one.
	MaskSetKey = MaskAll &^ Mask(protocol.SSRIgnoreErr)
)

// priority lists the categories in decode order.
var priority = []struct {
	bit protocol.SSR
	err error
}{
	{protocol.SSRSesErr, ErrSession},
	{protocol.SSRIntgErr, ErrIntegrity},
	{protocol.SSRAuthErr, ErrAuthentication},
	{protocol.SSRPrivErr, ErrPrivilege},
	{protocol.SSRIgnoreErr, ErrIgnored},
	{protocol.SSRSysErr, ErrSystem},
	{protocol.SSRFlashErr, ErrFlash},
	{protocol.SSRMCErr, ErrMC},
}

// DeviceError is a classified SSR error.
type DeviceError struct {
	// Err is one of the package sentinels.
	Err error

	// SSR is the snapshot that produced the error.
	SSR protocol.SSR
}

// Error implements error.
func (e *DeviceError) Error() string {
	return fmt.Sprintf("%v (ssr %s)", e.Err, e.SSR)
}

// Unwrap returns the sentinel, so errors.Is(err, ErrSession) works.
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Check classifies ssr under mask. It returns nil when no masked bit is set.
func Check(ssr protocol.SSR, mask Mask) error {
	masked := ssr & protocol.SSR(mask)

	for _, p := range priority {
		if masked&p.bit != 0 {
			return &DeviceError{Err: p.err, SSR: ssr}
		}
	}
	if masked&protocol.SSRErr != 0 && ssr&protocol.SSRCategoryErrors == 0 {
		return &DeviceError{Err: ErrDevice, SSR: ssr}
	}
	if masked&protocol.SSRBusy != 0 {
		return &DeviceError{Err: ErrBusy, SSR: ssr}
	}
	return nil
}

// NeedsResync reports whether ssr carries any raw error bit. The counter must
// be re-read after such a transaction, whatever the operation's mask.
func NeedsResync(ssr protocol.SSR) bool {
	return ssr.HasError()
}
