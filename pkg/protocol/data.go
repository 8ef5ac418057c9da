package protocol

// DataType selects the field returned by CALC_SIG.
type DataType uint8

// Signed getter data types.
const (
	DataWID    DataType = 0
	DataSUID   DataType = 1
	DataHWVer  DataType = 2
	DataSSR    DataType = 3
	DataMC     DataType = 4
	DataGMC    DataType = 5
	DataGMT    DataType = 6
	DataAWDT   DataType = 7
	DataSCR    DataType = 8
	DataACLR   DataType = 9
	dataTypeCount
)

// Field sizes in bytes.
const (
	WIDSize     = 8
	SUIDSize    = 16
	HWVerSize   = 8
	MCSize      = 8
	GMCSize     = 16
	GMTSize     = 32
	AWDTSize    = 4
	SCRSize     = 16
	ACLRSize    = 4
	RstRespSize = 32
	KeySize     = 16
	NonceSize   = 8

	// SignatureSize is the size of an authentication signature.
	SignatureSize = 8

	// MaxSignedDataSize is the largest payload a signature covers.
	MaxSignedDataSize = 32

	// PrevTCSize is the size of the echoed counter in responses.
	PrevTCSize = 4

	// JEDECIDSize is the size of the standard JEDEC manufacturer/device ID.
	JEDECIDSize = 3
)

// Size returns the data size of the field, or 0 for an unknown type.
func (d DataType) Size() int {
	switch d {
	case DataWID:
		return WIDSize
	case DataSUID:
		return SUIDSize
	case DataHWVer:
		return HWVerSize
	case DataSSR:
		return SSRSize
	case DataMC:
		return MCSize
	case DataGMC:
		return GMCSize
	case DataGMT:
		return GMTSize
	case DataAWDT:
		return AWDTSize
	case DataSCR:
		return SCRSize
	case DataACLR:
		return ACLRSize
	default:
		return 0
	}
}

// IsValid reports whether d is a defined data type.
func (d DataType) IsValid() bool {
	return d < dataTypeCount
}

// String returns the data type name.
func (d DataType) String() string {
	switch d {
	case DataWID:
		return "WID"
	case DataSUID:
		return "SUID"
	case DataHWVer:
		return "HW_VER"
	case DataSSR:
		return "SSR"
	case DataMC:
		return "MC"
	case DataGMC:
		return "GMC"
	case DataGMT:
		return "GMT"
	case DataAWDT:
		return "AWDT"
	case DataSCR:
		return "SCR"
	case DataACLR:
		return "ACLR"
	default:
		return "Unknown"
	}
}

// EraseType is the logical granularity of a secure erase.
type EraseType int

const (
	EraseSector4K EraseType = iota
	EraseBlock32K
	EraseBlock64K
	EraseSection
	EraseChip
)

// String returns the erase granularity name.
func (e EraseType) String() string {
	switch e {
	case EraseSector4K:
		return "4K"
	case EraseBlock32K:
		return "32K"
	case EraseBlock64K:
		return "64K"
	case EraseSection:
		return "Section"
	case EraseChip:
		return "Chip"
	default:
		return "Unknown"
	}
}

// Opcode returns the secure opcode of the erase granularity.
func (e EraseType) Opcode() (Opcode, bool) {
	switch e {
	case EraseSector4K:
		return OpSErase4K, true
	case EraseBlock32K:
		return OpSErase32K, true
	case EraseBlock64K:
		return OpSErase64K, true
	case EraseSection:
		return OpSEraseSect, true
	case EraseChip:
		return OpSEraseChip, true
	default:
		return 0, false
	}
}

// Size returns the byte span erased by address-bearing granularities.
func (e EraseType) Size() uint32 {
	switch e {
	case EraseSector4K:
		return 4 << 10
	case EraseBlock32K:
		return 32 << 10
	case EraseBlock64K:
		return 64 << 10
	case EraseSection:
		return SectionSize
	case EraseChip:
		return SectionSize * SectionCount
	default:
		return 0
	}
}

// SCR policy bits (first little-endian uint32 of the section configuration).
const (
	SCRPolicyPlainRead      uint32 = 1 << 0
	SCRPolicyPlainWrite     uint32 = 1 << 1
	SCRPolicyIntegrityCheck uint32 = 1 << 2
)
