// Package tm is the transaction manager of the secure flash driver. It owns the
// bus, frames secure and standard commands into bus exchanges and runs the
// busy-poll loop.
//
// A secure command is up to three exchanges: OP1 writes the CTAG and payload,
// OP0 polls the secure status register until the device is idle, and OP2 reads
// the response. Per-opcode framing differences live in a quirk table.
package tm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/pion/logging"
)

// DefaultBusyPollLimit bounds every busy-wait loop.
const DefaultBusyPollLimit = 10000

// Config configures a Manager.
type Config struct {
	// Transport performs the bus exchanges. Required.
	Transport bus.Transport

	// Format is the initial bus format. Default: bus.FormatSPI.
	Format bus.Format

	// DTR selects double transfer rate for every exchange.
	DTR bool

	// Critical guards each transaction. It replaces interrupt masking on
	// platforms that share the bus with other masters.
	// Default: a private mutex.
	Critical sync.Locker

	// SwitchQPI clocks SPI-only commands out in plain SPI while the bus runs QPI.
	SwitchQPI bool

	// BusyPollLimit bounds the status polls of one wait.
	// Default: DefaultBusyPollLimit.
	BusyPollLimit int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// StandardCommand is a plain flash instruction.
type StandardCommand struct {
	Instr byte

	// WriteEnable sends a write-enable instruction first.
	WriteEnable bool

	// Address is sent as a 3-byte address when non-nil.
	Address *uint32

	Write []byte
	Read  []byte
	Dummy int

	// WaitBusy polls the status register until the device is idle.
	WaitBusy bool
}

// Manager frames commands onto the bus.
//
// Thread Safety: All methods are safe for concurrent use. Transactions are
// serialized by the critical section.
type Manager struct {
	transport bus.Transport
	critical  sync.Locker
	dtr       bool
	switchQPI bool
	pollLimit int
	log       logging.LeveledLogger

	connected atomic.Bool

	// Guarded by critical.
	format   bus.Format
	lastCTAG protocol.CTAG
}

// NewManager creates a disconnected manager.
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	if !config.Format.IsValid() {
		return nil, fmt.Errorf("%w: %d", bus.ErrInvalidFormat, config.Format)
	}
	if config.Critical == nil {
		config.Critical = &sync.Mutex{}
	}
	if config.BusyPollLimit <= 0 {
		config.BusyPollLimit = DefaultBusyPollLimit
	}

	m := &Manager{
		transport: config.Transport,
		critical:  config.Critical,
		dtr:       config.DTR,
		switchQPI: config.SwitchQPI,
		pollLimit: config.BusyPollLimit,
		format:    config.Format,
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("qlib-tm")
	}
	return m, nil
}

// Connect marks the bus as owned by this manager.
func (m *Manager) Connect() error {
	m.critical.Lock()
	defer m.critical.Unlock()
	if !m.connected.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	return nil
}

// Disconnect releases the bus.
func (m *Manager) Disconnect() error {
	m.critical.Lock()
	defer m.critical.Unlock()
	if !m.connected.CompareAndSwap(true, false) {
		return ErrNotConnected
	}
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not run since.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Format returns the current bus format.
func (m *Manager) Format() bus.Format {
	m.critical.Lock()
	defer m.critical.Unlock()
	return m.format
}

// SwitchFormat moves the device and the host between QPI and the serial
// formats. Switching between non-QPI formats only changes the host side.
func (m *Manager) SwitchFormat(f bus.Format) error {
	if !f.IsValid() {
		return fmt.Errorf("%w: %d", bus.ErrInvalidFormat, f)
	}
	if !m.Connected() {
		return ErrNotConnected
	}
	m.critical.Lock()
	defer m.critical.Unlock()

	toQPI := f == bus.FormatQPI
	fromQPI := m.format == bus.FormatQPI
	switch {
	case toQPI && !fromQPI:
		if err := m.exchange(m.format, protocol.InstrEnterQPI, 0, 0, nil, 0, nil); err != nil {
			return err
		}
	case fromQPI && !toQPI:
		if err := m.exchange(m.format, protocol.InstrExitQPI, 0, 0, nil, 0, nil); err != nil {
			return err
		}
	}
	m.format = f
	return nil
}

func (m *Manager) exchange(f bus.Format, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	if err := m.transport.Exchange(f, m.dtr, instr, addr, addrSize, out, dummy, in); err != nil {
		if m.log != nil {
			m.log.Warnf("exchange 0x%02X failed: %v", instr, err)
		}
		return fmt.Errorf("%w: instr 0x%02X: %w", ErrLink, instr, err)
	}
	return nil
}

func (m *Manager) readSSR(f bus.Format) (protocol.SSR, error) {
	var in [protocol.SSRSize]byte
	if err := m.exchange(f, protocol.InstrSecureStatus, 0, 0, nil, protocol.DummyCyclesOP0, in[:]); err != nil {
		return 0, err
	}
	ssr := protocol.ParseSSR(in[:])
	if ssr.Dead() {
		return ssr, fmt.Errorf("%w: SSR 0x%08X", ErrConnectivity, uint32(ssr))
	}
	return ssr, nil
}

// waitReady polls until BUSY clears or a response is ready. When the poll
// limit runs out the last SSR is returned with BUSY still set.
func (m *Manager) waitReady(f bus.Format) (protocol.SSR, error) {
	var ssr protocol.SSR
	var err error
	for i := 0; i < m.pollLimit; i++ {
		if ssr, err = m.readSSR(f); err != nil {
			return ssr, err
		}
		if idle(ssr) {
			return ssr, nil
		}
	}
	if m.log != nil {
		m.log.Warnf("device still busy after %d polls", m.pollLimit)
	}
	return ssr, nil
}

// ReadSSR reads the secure status register once.
func (m *Manager) ReadSSR() (protocol.SSR, error) {
	if !m.Connected() {
		return 0, ErrNotConnected
	}
	m.critical.Lock()
	defer m.critical.Unlock()
	return m.readSSR(m.format)
}

// Secure runs one secure transaction.
//
// A non-zero ctag is written with OP1 followed by write. A zero ctag skips the
// OP1 and continues the previous command, which is how a pipelined reader
// collects the response of a command it issued earlier. When ssr or read is
// non-nil the device is polled until idle and the final SSR is stored in ssr.
// When read is non-nil and the device raised no error the response is read
// with OP2. A missing response is reported as the generic ERR bit in ssr.
//
// Device-reported errors are returned through ssr, never as an error.
func (m *Manager) Secure(ctag protocol.CTAG, write, read []byte, ssr *protocol.SSR) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	m.critical.Lock()
	defer m.critical.Unlock()

	op := m.lastCTAG.Opcode()
	if ctag != 0 {
		op = ctag.Opcode()
	}
	q := quirkOf(op)
	f := m.format

	if ctag != 0 {
		if err := m.sendCommand(ctag, write, q, f); err != nil {
			return err
		}
		m.lastCTAG = ctag
	}

	chain := ctag != 0 && q.chain && ctag.Flags()&protocol.SCRChainFlags != 0
	if ssr == nil && read == nil && !chain {
		return nil
	}

	cur, err := m.waitReady(f)
	if err == nil && q.doubleWait && !cur.HasError() {
		cur, err = m.waitReady(f)
	}
	if err != nil {
		return err
	}

	if read != nil && !cur.HasError() && idle(cur) {
		if cur, err = m.readResponse(cur, read, q, f); err != nil {
			return err
		}
	}

	if chain && !cur.HasError() && idle(cur) {
		if cur, err = m.runChain(ctag, cur, f); err != nil {
			return err
		}
	}

	if ssr != nil {
		*ssr = cur
	}
	return nil
}

// idle reports whether the device finished the command. RESP_READY supersedes BUSY.
func idle(ssr protocol.SSR) bool {
	return ssr.ResponseReady() || !ssr.Busy()
}

func (m *Manager) sendCommand(ctag protocol.CTAG, write []byte, q quirk, f bus.Format) error {
	wire := ctag
	if q.chain {
		wire = ctag.WithoutFlags(protocol.SCRChainFlags)
	}
	out := make([]byte, 0, protocol.CTAGSize+len(write))
	out = wire.AppendTo(out)
	out = append(out, write...)

	switched := q.spiOnly && m.switchQPI && f == bus.FormatQPI
	if switched {
		if err := m.exchange(bus.FormatQPI, protocol.InstrExitQPI, 0, 0, nil, 0, nil); err != nil {
			return err
		}
		f = bus.FormatSPI
	}
	if m.log != nil {
		m.log.Tracef("OP1 %s ctag=0x%08X len=%d", wire.Opcode(), uint32(wire), len(write))
	}
	if err := m.exchange(f, protocol.InstrSecureCommand, 0, 0, out, 0, nil); err != nil {
		return err
	}
	if switched {
		return m.exchange(bus.FormatSPI, protocol.InstrEnterQPI, 0, 0, nil, 0, nil)
	}
	return nil
}

func (m *Manager) readResponse(cur protocol.SSR, read []byte, q quirk, f bus.Format) (protocol.SSR, error) {
	var err error
	if !cur.ResponseReady() && q.pollResponse {
		for i := 0; i < m.pollLimit && !cur.ResponseReady() && !cur.HasError(); i++ {
			if cur, err = m.readSSR(f); err != nil {
				return cur, err
			}
		}
	}
	if cur.HasError() {
		return cur, nil
	}
	if !cur.ResponseReady() {
		if m.log != nil {
			m.log.Warnf("no response after %s", cur)
		}
		return cur | protocol.SSRErr, nil
	}
	if err := m.exchange(f, protocol.InstrSecureResponse, 0, 0, nil, protocol.DummyCyclesOP2, read); err != nil {
		return cur, err
	}
	return cur, nil
}

// runChain issues the follow-up commands requested by SET_SCR chain flags.
func (m *Manager) runChain(ctag protocol.CTAG, cur protocol.SSR, f bus.Format) (protocol.SSR, error) {
	flags := ctag.Flags()
	var err error
	if flags&protocol.SCRFlagChainInitPA != 0 {
		initPA := protocol.MakeCTAG(protocol.OpInitPA, ctag.Param(), 0)
		if err = m.exchange(f, protocol.InstrSecureCommand, 0, 0, initPA.AppendTo(nil), 0, nil); err != nil {
			return cur, err
		}
		m.lastCTAG = initPA
		if cur, err = m.waitReady(f); err != nil || cur.HasError() {
			return cur, err
		}
	}
	if flags&protocol.SCRFlagChainReset != 0 {
		if err = m.exchange(f, protocol.InstrResetEnable, 0, 0, nil, 0, nil); err != nil {
			return cur, err
		}
		if err = m.exchange(f, protocol.InstrReset, 0, 0, nil, 0, nil); err != nil {
			return cur, err
		}
	}
	return cur, nil
}

// Standard runs a plain flash instruction.
func (m *Manager) Standard(cmd StandardCommand) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	m.critical.Lock()
	defer m.critical.Unlock()

	f := m.format
	if cmd.WriteEnable {
		if err := m.exchange(f, protocol.InstrWriteEnable, 0, 0, nil, 0, nil); err != nil {
			return err
		}
	}
	var addr uint32
	var addrSize int
	if cmd.Address != nil {
		addr, addrSize = *cmd.Address, 3
	}
	if err := m.exchange(f, cmd.Instr, addr, addrSize, cmd.Write, cmd.Dummy, cmd.Read); err != nil {
		return err
	}
	if !cmd.WaitBusy {
		return nil
	}
	ssr, err := m.waitReady(f)
	if err != nil {
		return err
	}
	if !idle(ssr) {
		return ErrBusyTimeout
	}
	return nil
}
