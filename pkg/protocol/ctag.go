package protocol

import "encoding/binary"

// CTAG is a 32-bit command tag. Byte 0 is the opcode. For parameter commands byte 1
// is the parameter (KID, section, data type) and bytes 2..3 are mode flags. For
// address commands bytes 1..3 hold the 24-bit (possibly encrypted) address.
type CTAG uint32

// CTAGSize is the size of a CTAG on the wire.
const CTAGSize = 4

// Address space layout.
const (
	// AddressBits is the width of a flash address.
	AddressBits = 24

	// AddressMask masks a value to the addressable range.
	AddressMask = 1<<AddressBits - 1

	// SectionShift converts an address into its section index.
	SectionShift = 20

	// SectionSize is the size in bytes of one section.
	SectionSize = 1 << SectionShift

	// SectionCount is the number of sections.
	SectionCount = 8

	// PageSize is the granularity of SRD/SARD/SAWR.
	PageSize = 32

	// PageRandomBits is how many low address bits are randomized per read/write.
	PageRandomBits = 5
)

// Session open mode flags (CTAG bits 16..31).
const (
	OpenFlagIncludeWID     uint16 = 1 << 0
	OpenFlagIgnoreSCRValid uint16 = 1 << 1
	OpenFlagClose          uint16 = 1 << 2
)

// INIT_PA flags.
const (
	InitPAFlagRevoke uint16 = 1 << 0
)

// SET_SCR chain flags. They are consumed by the transaction manager and cleared
// before the CTAG goes on the wire.
const (
	SCRFlagChainInitPA uint16 = 1 << 8
	SCRFlagChainReset  uint16 = 1 << 9

	// SCRChainFlags is the union of the host-only chain flags.
	SCRChainFlags = SCRFlagChainInitPA | SCRFlagChainReset
)

// MakeCTAG builds a parameter-style CTAG.
func MakeCTAG(op Opcode, param uint8, flags uint16) CTAG {
	return CTAG(uint32(op) | uint32(param)<<8 | uint32(flags)<<16)
}

// MakeAddressCTAG builds an address-style CTAG.
func MakeAddressCTAG(op Opcode, addr uint32) CTAG {
	return CTAG(uint32(op) | (addr&AddressMask)<<8)
}

// Opcode returns the command opcode.
func (c CTAG) Opcode() Opcode {
	return Opcode(c & 0xFF)
}

// Param returns the parameter byte.
func (c CTAG) Param() uint8 {
	return uint8(c >> 8)
}

// Flags returns the 16 mode flag bits.
func (c CTAG) Flags() uint16 {
	return uint16(c >> 16)
}

// Address returns the 24-bit address field.
func (c CTAG) Address() uint32 {
	return uint32(c>>8) & AddressMask
}

// WithAddress replaces the address field.
func (c CTAG) WithAddress(addr uint32) CTAG {
	return CTAG(uint32(c)&0xFF | (addr&AddressMask)<<8)
}

// WithoutFlags clears the given flag bits.
func (c CTAG) WithoutFlags(flags uint16) CTAG {
	return c &^ CTAG(uint32(flags)<<16)
}

// Bytes returns the little-endian wire encoding.
func (c CTAG) Bytes() [CTAGSize]byte {
	var b [CTAGSize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c))
	return b
}

// AppendTo appends the wire encoding to b.
func (c CTAG) AppendTo(b []byte) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(c))
}

// ParseCTAG decodes a CTAG from its wire encoding.
func ParseCTAG(b []byte) CTAG {
	return CTAG(binary.LittleEndian.Uint32(b))
}

// SectionOf returns the section index of an address. The address space wraps
// after SectionCount sections.
func SectionOf(addr uint32) uint8 {
	return uint8((addr&AddressMask)>>SectionShift) % SectionCount
}

// SwizzleAddress applies the wire address ordering: the 24-bit value is
// transmitted most significant byte first. The function is its own inverse.
func SwizzleAddress(addr uint32) uint32 {
	addr &= AddressMask
	return (addr&0xFF)<<16 | addr&0xFF00 | addr>>16
}
