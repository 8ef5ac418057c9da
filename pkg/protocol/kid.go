package protocol

import "fmt"

// KID identifies a long-term key slot: type in the high nibble, section in the low nibble.
type KID uint8

// KeyType is the high nibble of a KID.
type KeyType uint8

const (
	// KeyTypeRestricted grants read access to one section.
	KeyTypeRestricted KeyType = 0

	// KeyTypeFull grants read/write access to one section.
	KeyTypeFull KeyType = 1

	// KeyTypeProvisioning is used to provision section keys.
	KeyTypeProvisioning KeyType = 2

	// KeyTypeDeviceMaster manages global device configuration.
	KeyTypeDeviceMaster KeyType = 3
)

// String returns the key type name.
func (t KeyType) String() string {
	switch t {
	case KeyTypeRestricted:
		return "Restricted"
	case KeyTypeFull:
		return "Full"
	case KeyTypeProvisioning:
		return "Provisioning"
	case KeyTypeDeviceMaster:
		return "DeviceMaster"
	default:
		return "Unknown"
	}
}

// KIDInvalid is the sentinel for "no key open".
const KIDInvalid KID = 0xFF

// Fixed key identifiers.
const (
	KIDProvisioning KID = KID(KeyTypeProvisioning) << 4
	KIDDeviceMaster KID = KID(KeyTypeDeviceMaster) << 4
)

// KIDFull returns the full-access KID of a section.
func KIDFull(section uint8) KID {
	return KID(KeyTypeFull)<<4 | KID(section&0x0F)
}

// KIDRestricted returns the restricted-access KID of a section.
func KIDRestricted(section uint8) KID {
	return KID(KeyTypeRestricted)<<4 | KID(section&0x0F)
}

// Type returns the key type.
func (k KID) Type() KeyType {
	return KeyType(k >> 4)
}

// Section returns the section index the key is bound to.
func (k KID) Section() uint8 {
	return uint8(k & 0x0F)
}

// IsValid reports whether the KID names a real key slot.
func (k KID) IsValid() bool {
	switch k.Type() {
	case KeyTypeRestricted, KeyTypeFull:
		return k.Section() < SectionCount
	case KeyTypeProvisioning, KeyTypeDeviceMaster:
		return k.Section() == 0
	default:
		return false
	}
}

// IsSectionKey reports whether the key is bound to a section.
func (k KID) IsSectionKey() bool {
	t := k.Type()
	return (t == KeyTypeFull || t == KeyTypeRestricted) && k.IsValid()
}

// String returns a human-readable KID.
func (k KID) String() string {
	if k == KIDInvalid {
		return "Invalid"
	}
	if k.IsSectionKey() {
		return fmt.Sprintf("%s(%d)", k.Type(), k.Section())
	}
	return k.Type().String()
}
