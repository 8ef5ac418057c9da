// Package sim is a behavioural model of the secure flash device. It implements
// bus.Transport so the transaction manager and the secure command processor can
// run against it without hardware.
//
// The model covers the secure command set, the monotonic counter, sessions,
// section storage with plain access and integrity checks, the standard command
// subset the driver uses, busy and response-delay timing, and fault injection.
package sim

import (
	"encoding/binary"
	"sync"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/pion/logging"
)

// DefaultJEDECID is the identifier returned by the standard JEDEC read.
var DefaultJEDECID = [protocol.JEDECIDSize]byte{0xEF, 0x70, 0x18}

// Config configures a simulated device.
type Config struct {
	// WID is the device unique identifier.
	WID [protocol.WIDSize]byte

	// HWVersion is returned by the HW_VER signed getter.
	HWVersion [protocol.HWVerSize]byte

	// JEDECID is returned by the standard JEDEC read. Default: DefaultJEDECID.
	JEDECID [protocol.JEDECIDSize]byte

	// Counter is the initial monotonic counter. Default: TC=counter.TCMin, DMC=0.
	Counter counter.Value

	// BusyPolls is how many status reads report BUSY after each command.
	BusyPolls int

	// ResponseDelayPolls is how many non-busy status reads of a CALC_SIG happen
	// before the response is ready.
	ResponseDelayPolls int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// session is the device-side session state.
type session struct {
	open bool
	kid  protocol.KID
	key  crypto.Key
}

// Device is a simulated secure flash device.
//
// Thread Safety: All methods are safe for concurrent use.
type Device struct {
	mu  sync.Mutex
	log logging.LeveledLogger

	wid   [protocol.WIDSize]byte
	hwver [protocol.HWVerSize]byte
	jedec [protocol.JEDECIDSize]byte

	tc  uint32
	dmc uint32

	keys    map[protocol.KID]crypto.Key
	session session

	flash *flash
	scr   [protocol.SectionCount]protocol.SCR
	pa    [protocol.SectionCount]bool

	suid    [protocol.SUIDSize]byte
	gmc     [protocol.GMCSize]byte
	gmt     [protocol.GMTSize]byte
	awdt    [protocol.AWDTSize]byte
	aclr    [protocol.ACLRSize]byte
	rstResp [protocol.RstRespSize]byte

	awdtTouches int

	// status
	errBits   protocol.SSR
	resp      []byte
	busyLeft  int
	delayLeft int
	qpi       bool
	writeEn   bool
	resetEn   bool

	busyPolls  int
	delayPolls int

	faults faults
	trace  []TraceEntry
}

// TraceEntry records one bus exchange.
type TraceEntry struct {
	Format bus.Format
	Instr  byte

	// Opcode is set for secure command writes (OP1).
	Opcode protocol.Opcode
}

// New creates a simulated device.
func New(config Config) *Device {
	if config.JEDECID == [protocol.JEDECIDSize]byte{} {
		config.JEDECID = DefaultJEDECID
	}
	if config.Counter.TC == 0 {
		config.Counter.TC = counter.TCMin
	}

	d := &Device{
		wid:        config.WID,
		hwver:      config.HWVersion,
		jedec:      config.JEDECID,
		tc:         config.Counter.TC,
		dmc:        config.Counter.DMC,
		keys:       make(map[protocol.KID]crypto.Key),
		flash:      newFlash(),
		busyPolls:  config.BusyPolls,
		delayPolls: config.ResponseDelayPolls,
	}
	d.session.kid = protocol.KIDInvalid
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("qlib-sim")
	}
	return d
}

// Exchange implements bus.Transport.
func (d *Device) Exchange(f bus.Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := TraceEntry{Format: f, Instr: instr}
	if instr == protocol.InstrSecureCommand && len(out) >= protocol.CTAGSize {
		entry.Opcode = protocol.ParseCTAG(out).Opcode()
	}
	d.trace = append(d.trace, entry)

	if err := d.faults.linkError(); err != nil {
		return err
	}
	if fill, unplugged := d.faults.unplugged(); unplugged {
		for i := range in {
			in[i] = fill
		}
		return nil
	}

	// The device only decodes instructions sent in its current mode.
	if d.qpi != (f == bus.FormatQPI) {
		if d.log != nil {
			d.log.Debugf("instruction 0x%02X in %s ignored (qpi=%v)", instr, f, d.qpi)
		}
		fillBytes(in, 0xFF)
		return nil
	}

	switch instr {
	case protocol.InstrSecureStatus:
		if dummy != protocol.DummyCyclesOP0 {
			fillBytes(in, 0xFF)
			return nil
		}
		b := d.pollSSR().Bytes()
		copy(in, b[:])
	case protocol.InstrSecureCommand:
		d.command(out)
	case protocol.InstrSecureResponse:
		if dummy != protocol.DummyCyclesOP2 {
			fillBytes(in, 0xFF)
			return nil
		}
		d.readResponse(in)
	default:
		d.standard(instr, addr, addrSize, out, dummy, in)
	}
	return nil
}

// currentSSR composes the status register without advancing timing.
func (d *Device) currentSSR() protocol.SSR {
	ssr := d.errBits
	ssr = ssr.WithState(protocol.DeviceStateWorking)
	if d.session.open {
		ssr |= protocol.SSRSesReady
		ssr = ssr.WithKID(d.session.kid)
	} else {
		ssr = ssr.WithKID(protocol.KIDInvalid)
	}
	if d.resp != nil && d.delayLeft == 0 && d.busyLeft == 0 {
		ssr |= protocol.SSRRespReady
	}
	if d.busyLeft > 0 || d.faults.stuckBusy {
		ssr |= protocol.SSRBusy
	}
	return ssr
}

// pollSSR answers one OP0 and advances the busy and response timers.
func (d *Device) pollSSR() protocol.SSR {
	ssr := d.currentSSR()
	switch {
	case d.busyLeft > 0:
		d.busyLeft--
	case d.delayLeft > 0 && d.resp != nil:
		d.delayLeft--
	}
	return ssr
}

func (d *Device) readResponse(in []byte) {
	if d.resp == nil || d.delayLeft > 0 || d.busyLeft > 0 {
		fillBytes(in, 0)
		return
	}
	n := copy(in, d.resp)
	fillBytes(in[n:], 0)
	d.resp = nil
}

func fillBytes(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// Provision stores a key directly, as a factory would.
func (d *Device) Provision(kid protocol.KID, key crypto.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[kid] = key
}

// Key returns the stored key of kid.
func (d *Device) Key(kid protocol.KID) (crypto.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.keys[kid]
	return k, ok
}

// SetSectionConfig stores a section configuration record directly.
func (d *Device) SetSectionConfig(section uint8, scr protocol.SCR) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scr[section%protocol.SectionCount] = scr
}

// SectionConfig returns the configuration record of a section.
func (d *Device) SectionConfig(section uint8) protocol.SCR {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scr[section%protocol.SectionCount]
}

// WriteRaw programs flash contents bypassing all protection.
func (d *Device) WriteRaw(addr uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flash.write(addr, data)
}

// ReadRaw reads flash contents bypassing all protection.
func (d *Device) ReadRaw(addr uint32, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, n)
	d.flash.read(addr, out)
	return out
}

// SectionCRC returns the CRC-32 of a whole section.
func (d *Device) SectionCRC(section uint8) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flash.sectionCRC(section)
}

// Counter returns the device monotonic counter.
func (d *Device) Counter() counter.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return counter.Value{TC: d.tc, DMC: d.dmc}
}

// SetCounter overwrites the monotonic counter.
func (d *Device) SetCounter(v counter.Value) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tc, d.dmc = v.TC, v.DMC
}

// SessionKID returns the KID of the open session, or KIDInvalid.
func (d *Device) SessionKID() protocol.KID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.session.open {
		return protocol.KIDInvalid
	}
	return d.session.kid
}

// PlainAccess reports whether plain access is granted for a section.
func (d *Device) PlainAccess(section uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pa[section%protocol.SectionCount]
}

// Registers returns the configuration registers.
func (d *Device) Registers() Registers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Registers{
		SUID:          d.suid,
		GMC:           d.gmc,
		GMT:           d.gmt,
		AWDT:          d.awdt,
		ACLR:          d.aclr,
		ResetResponse: d.rstResp,
		AWDTTouches:   d.awdtTouches,
	}
}

// Registers is a snapshot of the device configuration registers.
type Registers struct {
	SUID          [protocol.SUIDSize]byte
	GMC           [protocol.GMCSize]byte
	GMT           [protocol.GMTSize]byte
	AWDT          [protocol.AWDTSize]byte
	ACLR          [protocol.ACLRSize]byte
	ResetResponse [protocol.RstRespSize]byte
	AWDTTouches   int
}

// QPI reports whether the device is in QPI mode.
func (d *Device) QPI() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.qpi
}

// Trace returns the exchanges seen since the last ClearTrace.
func (d *Device) Trace() []TraceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]TraceEntry(nil), d.trace...)
}

// ClearTrace drops the recorded exchanges.
func (d *Device) ClearTrace() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = nil
}

// Commands returns the secure opcodes written since the last ClearTrace.
func (d *Device) Commands() []protocol.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ops []protocol.Opcode
	for _, e := range d.trace {
		if e.Instr == protocol.InstrSecureCommand {
			ops = append(ops, e.Opcode)
		}
	}
	return ops
}
