package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SSR is a snapshot of the 32-bit secure status register.
type SSR uint32

// SSRSize is the size of the SSR on the wire.
const SSRSize = 4

// SSR bit layout.
const (
	SSRBusy      SSR = 1 << 0
	SSRErr       SSR = 1 << 1
	SSRSesErr    SSR = 1 << 2
	SSRIntgErr   SSR = 1 << 3
	SSRAuthErr   SSR = 1 << 4
	SSRPrivErr   SSR = 1 << 5
	SSRIgnoreErr SSR = 1 << 6
	SSRSysErr    SSR = 1 << 7
	SSRFlashErr  SSR = 1 << 8
	SSRMCErr     SSR = 1 << 9
	SSRRespReady SSR = 1 << 10
	SSRSesReady  SSR = 1 << 11

	ssrStateShift = 12
	ssrStateMask  = 0x3
	ssrKIDShift   = 16
	ssrKIDMask    = 0xFF

	// SSRReservedMask covers bits that read as zero on a live device.
	SSRReservedMask SSR = 0xFF000000
)

// SSRCategoryErrors are the categorized error bits.
const SSRCategoryErrors = SSRSesErr | SSRIntgErr | SSRAuthErr | SSRPrivErr |
	SSRIgnoreErr | SSRSysErr | SSRFlashErr | SSRMCErr

// SSRErrorBits are all bits that report an error.
const SSRErrorBits = SSRErr | SSRCategoryErrors

// DeviceState is the STATE field of the SSR.
type DeviceState uint8

const (
	// DeviceStateOff never reads on a powered device.
	DeviceStateOff DeviceState = iota
	DeviceStateInit
	DeviceStateWorking
)

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateInit:
		return "Init"
	case DeviceStateWorking:
		return "Working"
	default:
		return "Off"
	}
}

// ParseSSR decodes the little-endian wire encoding.
func ParseSSR(b []byte) SSR {
	return SSR(binary.LittleEndian.Uint32(b))
}

// Bytes returns the little-endian wire encoding.
func (s SSR) Bytes() [SSRSize]byte {
	var b [SSRSize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(s))
	return b
}

// Busy reports the BUSY bit.
func (s SSR) Busy() bool { return s&SSRBusy != 0 }

// ResponseReady reports the RESP_READY bit.
func (s SSR) ResponseReady() bool { return s&SSRRespReady != 0 }

// SessionReady reports the SES_READY bit.
func (s SSR) SessionReady() bool { return s&SSRSesReady != 0 }

// HasError reports whether any error bit is set.
func (s SSR) HasError() bool { return s&SSRErrorBits != 0 }

// KID returns the key identifier field.
func (s SSR) KID() KID { return KID((s >> ssrKIDShift) & ssrKIDMask) }

// State returns the device state field.
func (s SSR) State() DeviceState { return DeviceState((s >> ssrStateShift) & ssrStateMask) }

// WithKID returns s with the KID field replaced.
func (s SSR) WithKID(kid KID) SSR {
	return s&^(ssrKIDMask<<ssrKIDShift) | SSR(kid)<<ssrKIDShift
}

// WithState returns s with the STATE field replaced.
func (s SSR) WithState(state DeviceState) SSR {
	return s&^(ssrStateMask<<ssrStateShift) | SSR(state&ssrStateMask)<<ssrStateShift
}

// Dead reports whether the value cannot come from a powered device.
func (s SSR) Dead() bool {
	return s == 0 || s == 0xFFFFFFFF
}

// String renders the set flags for logs.
func (s SSR) String() string {
	names := []struct {
		bit  SSR
		name string
	}{
		{SSRBusy, "BUSY"}, {SSRErr, "ERR"}, {SSRSesErr, "SES_ERR"}, {SSRIntgErr, "INTG_ERR"},
		{SSRAuthErr, "AUTH_ERR"}, {SSRPrivErr, "PRIV_ERR"}, {SSRIgnoreErr, "IGNORE_ERR"},
		{SSRSysErr, "SYS_ERR"}, {SSRFlashErr, "FLASH_ERR"}, {SSRMCErr, "MC_ERR"},
		{SSRRespReady, "RESP_READY"}, {SSRSesReady, "SES_READY"},
	}
	var flags []string
	for _, n := range names {
		if s&n.bit != 0 {
			flags = append(flags, n.name)
		}
	}
	return fmt.Sprintf("0x%08X[%s state=%s kid=%s]", uint32(s), strings.Join(flags, "|"), s.State(), s.KID())
}
