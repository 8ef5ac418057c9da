// Package protocol defines the bit-exact wire contract of the secure flash device:
// bus instruction codes, secure command opcodes, command tag (CTAG) layout, the secure
// status register (SSR) and key identifiers (KID).
//
// Everything in this package is shared by the host side (pkg/tm, pkg/secure) and the
// device simulator (pkg/sim). The opcode values are the ones used by this driver and
// should be revalidated against the datasheet of the target device generation.
package protocol

// Bus instruction codes. These are the first byte clocked out on the bus.
const (
	// InstrSecureStatus (OP0) reads the 4-byte secure status register.
	InstrSecureStatus byte = 0x2F

	// InstrSecureCommand (OP1) writes a CTAG followed by the command payload.
	InstrSecureCommand byte = 0x2A

	// InstrSecureResponse (OP2) reads the secure output buffer.
	InstrSecureResponse byte = 0x2B

	InstrWriteEnable byte = 0x06
	InstrReadStatus  byte = 0x05
	InstrReadJEDEC   byte = 0x9F
	InstrReadUID     byte = 0x4B
	InstrResetEnable byte = 0x66
	InstrReset       byte = 0x99
	InstrEnterQPI    byte = 0x38
	InstrExitQPI     byte = 0xFF
	InstrRead        byte = 0x03
	InstrPageProgram byte = 0x02
	InstrSectorErase byte = 0x20
)

// Dummy cycle counts for the secure sub-operations.
const (
	DummyCyclesOP0 = 8
	DummyCyclesOP2 = 8
	DummyCyclesUID = 32
)

// Opcode is a secure command opcode carried in byte 0 of a CTAG.
type Opcode uint8

// Secure command opcodes.
const (
	OpGetMC       Opcode = 0x01
	OpSessionOpen Opcode = 0x10
	OpInitPA      Opcode = 0x11
	OpCalcSig     Opcode = 0x12
	OpSetKey      Opcode = 0x20
	OpSetSUID     Opcode = 0x21
	OpSetGMC      Opcode = 0x22
	OpSetGMT      Opcode = 0x23
	OpSetAWDT     Opcode = 0x24
	OpAWDTTouch   Opcode = 0x25
	OpSetSCR      Opcode = 0x26
	OpSetRstResp  Opcode = 0x27
	OpSetACLR     Opcode = 0x28
	OpMCMaint     Opcode = 0x29
	OpSRD         Opcode = 0x30
	OpSARD        Opcode = 0x31
	OpSAWR        Opcode = 0x32
	OpSErase4K    Opcode = 0x40
	OpSErase32K   Opcode = 0x41
	OpSErase64K   Opcode = 0x42
	OpSEraseSect  Opcode = 0x43
	OpSEraseChip  Opcode = 0x44
)

// String returns the command mnemonic.
func (o Opcode) String() string {
	switch o {
	case OpGetMC:
		return "GET_MC"
	case OpSessionOpen:
		return "SESSION_OPEN"
	case OpInitPA:
		return "INIT_PA"
	case OpCalcSig:
		return "CALC_SIG"
	case OpSetKey:
		return "SET_KEY"
	case OpSetSUID:
		return "SET_SUID"
	case OpSetGMC:
		return "SET_GMC"
	case OpSetGMT:
		return "SET_GMT"
	case OpSetAWDT:
		return "SET_AWDT"
	case OpAWDTTouch:
		return "AWDT_TOUCH"
	case OpSetSCR:
		return "SET_SCR"
	case OpSetRstResp:
		return "SET_RST_RESP"
	case OpSetACLR:
		return "SET_ACLR"
	case OpMCMaint:
		return "MC_MAINT"
	case OpSRD:
		return "SRD"
	case OpSARD:
		return "SARD"
	case OpSAWR:
		return "SAWR"
	case OpSErase4K:
		return "SERASE_4K"
	case OpSErase32K:
		return "SERASE_32K"
	case OpSErase64K:
		return "SERASE_64K"
	case OpSEraseSect:
		return "SERASE_SECT"
	case OpSEraseChip:
		return "SERASE_CHIP"
	default:
		return "Unknown"
	}
}

// HasAddress reports whether the CTAG of this opcode carries a 24-bit address
// in bytes 1..3 instead of a parameter byte and flags.
func (o Opcode) HasAddress() bool {
	switch o {
	case OpSRD, OpSARD, OpSAWR, OpSErase4K, OpSErase32K, OpSErase64K:
		return true
	default:
		return false
	}
}

// ConsumesCounter reports whether the device increments its transaction counter
// when it receives this command.
func (o Opcode) ConsumesCounter() bool {
	return o != OpGetMC
}
