package sim

import "github.com/backkem/qlib/pkg/protocol"

// Status register 1 bits of the standard command set.
const (
	statusBusy = 1 << 0
	statusWEL  = 1 << 1
)

// standard handles the legacy flash instructions the driver relies on.
func (d *Device) standard(instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) {
	if instr != protocol.InstrReset && instr != protocol.InstrResetEnable {
		d.resetEn = false
	}

	switch instr {
	case protocol.InstrWriteEnable:
		d.writeEn = true
	case protocol.InstrReadStatus:
		var sr byte
		if d.writeEn {
			sr |= statusWEL
		}
		if d.busyLeft > 0 {
			sr |= statusBusy
		}
		fillBytes(in, sr)
	case protocol.InstrReadJEDEC:
		n := copy(in, d.jedec[:])
		fillBytes(in[n:], 0xFF)
	case protocol.InstrReadUID:
		if dummy != protocol.DummyCyclesUID {
			fillBytes(in, 0xFF)
			return
		}
		n := copy(in, d.wid[:])
		fillBytes(in[n:], 0xFF)
	case protocol.InstrResetEnable:
		d.resetEn = true
	case protocol.InstrReset:
		if d.resetEn {
			d.reset()
		}
		d.resetEn = false
	case protocol.InstrEnterQPI:
		d.qpi = true
	case protocol.InstrExitQPI:
		d.qpi = false
	case protocol.InstrRead:
		if addrSize != 3 {
			fillBytes(in, 0xFF)
			return
		}
		d.flash.read(addr, in)
		for i := range in {
			if !d.plainReadable(protocol.SectionOf(addr + uint32(i))) {
				in[i] = 0
			}
		}
	case protocol.InstrPageProgram:
		if d.writeEn && addrSize == 3 && d.plainWritable(protocol.SectionOf(addr)) {
			d.flash.program(addr, out)
		}
		d.writeEn = false
	case protocol.InstrSectorErase:
		if d.writeEn && addrSize == 3 && d.plainWritable(protocol.SectionOf(addr)) {
			d.flash.erase(addr, sectorSize)
		}
		d.writeEn = false
	default:
		fillBytes(in, 0xFF)
	}
}

func (d *Device) plainReadable(section uint8) bool {
	return d.pa[section] && d.scr[section].PlainRead()
}

func (d *Device) plainWritable(section uint8) bool {
	return d.pa[section] && d.scr[section].PlainWrite()
}

// reset models a software reset: volatile security state is lost, the
// monotonic counter and stored configuration survive.
func (d *Device) reset() {
	d.closeSession()
	d.pa = [protocol.SectionCount]bool{}
	d.errBits = 0
	d.resp = nil
	d.busyLeft = 0
	d.delayLeft = 0
	d.writeEn = false
	if d.log != nil {
		d.log.Debug("software reset")
	}
}
