package sim

import (
	"errors"

	"github.com/backkem/qlib/pkg/protocol"
)

// ErrLinkDown is returned by Exchange while a link failure is injected.
var ErrLinkDown = errors.New("sim: link down")

// UnplugMode selects what a disconnected bus reads as.
type UnplugMode int

const (
	// Plugged restores normal operation.
	Plugged UnplugMode = iota
	// UnplugLow reads all zeros.
	UnplugLow
	// UnplugHigh reads all ones.
	UnplugHigh
)

type faults struct {
	injectBits    protocol.SSR
	injectCount   int
	tamperNextSig bool
	corruptEcho   bool
	unplug        UnplugMode
	linkDown      bool
	stuckBusy     bool
	skipResponse  bool
}

func (f *faults) linkError() error {
	if f.linkDown {
		return ErrLinkDown
	}
	return nil
}

func (f *faults) unplugged() (byte, bool) {
	switch f.unplug {
	case UnplugLow:
		return 0x00, true
	case UnplugHigh:
		return 0xFF, true
	default:
		return 0, false
	}
}

// takeInjected returns the error bits to force on the next command, if any.
func (f *faults) takeInjected() protocol.SSR {
	if f.injectCount == 0 {
		return 0
	}
	f.injectCount--
	bits := f.injectBits
	if f.injectCount == 0 {
		f.injectBits = 0
	}
	return bits
}

// InjectErrors makes the next count secure commands (other than GET_MC) fail
// with the given SSR error bits. The generic ERR bit is added automatically.
// The command still consumes a counter value but has no other effect.
func (d *Device) InjectErrors(bits protocol.SSR, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.injectBits = (bits & protocol.SSRErrorBits) | protocol.SSRErr
	d.faults.injectCount = count
}

// TamperNextSignature corrupts the signature of the next signed response.
func (d *Device) TamperNextSignature() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.tamperNextSig = true
}

// CorruptNextEcho makes the next response echo a wrong previous counter.
func (d *Device) CorruptNextEcho() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.corruptEcho = true
}

// SkipNextResponse makes the next response-bearing command complete without
// raising RESP_READY.
func (d *Device) SkipNextResponse() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.skipResponse = true
}

// Unplug disconnects the bus. Reads return constant bytes until Plugged.
func (d *Device) Unplug(mode UnplugMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.unplug = mode
}

// SetLinkDown makes every Exchange fail with ErrLinkDown.
func (d *Device) SetLinkDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.linkDown = down
}

// SetStuckBusy keeps BUSY raised on every status read.
func (d *Device) SetStuckBusy(stuck bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults.stuckBusy = stuck
}
