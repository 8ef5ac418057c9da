package protocol

import (
	"encoding/binary"
	"fmt"
)

// SCR is a section configuration record: policy(4) || crc(4) || reserved(8).
type SCR struct {
	// Policy holds the SCRPolicy* bits.
	Policy uint32

	// CRC is the expected CRC-32 of the whole section when SCRPolicyIntegrityCheck is set.
	CRC uint32
}

// Bytes encodes the record. Reserved bytes are zero.
func (s SCR) Bytes() [SCRSize]byte {
	var b [SCRSize]byte
	binary.LittleEndian.PutUint32(b[0:4], s.Policy)
	binary.LittleEndian.PutUint32(b[4:8], s.CRC)
	return b
}

// ParseSCR decodes a record. b must hold at least 8 bytes.
func ParseSCR(b []byte) SCR {
	return SCR{
		Policy: binary.LittleEndian.Uint32(b[0:4]),
		CRC:    binary.LittleEndian.Uint32(b[4:8]),
	}
}

// PlainRead reports whether plain reads are allowed once plain access is granted.
func (s SCR) PlainRead() bool { return s.Policy&SCRPolicyPlainRead != 0 }

// PlainWrite reports whether plain writes are allowed once plain access is granted.
func (s SCR) PlainWrite() bool { return s.Policy&SCRPolicyPlainWrite != 0 }

// IntegrityCheck reports whether the section digest is checked on session open.
func (s SCR) IntegrityCheck() bool { return s.Policy&SCRPolicyIntegrityCheck != 0 }

// String renders the record for logs.
func (s SCR) String() string {
	return fmt.Sprintf("SCR{policy=0x%08X crc=0x%08X}", s.Policy, s.CRC)
}
