package crypto

import (
	"encoding/binary"
	"errors"

	"github.com/backkem/qlib/pkg/protocol"
)

// ErrDataTooLong is returned when signed data exceeds protocol.MaxSignedDataSize.
var ErrDataTooLong = errors.New("crypto: signed data exceeds 32 bytes")

// Domain separation labels of the key schedule.
var (
	labelSession = []byte("qlib-session")
	labelOpen    = []byte("qlib-open")
	labelSSK     = []byte("qlib-ssk")
	labelCipher  = []byte("qlib-cipher")
	labelAddress = []byte("qlib-addr")
)

// Direction selects which side of a transaction a cipher key protects.
type Direction uint8

const (
	// DirectionWrite protects host-to-device payloads (setters, SAWR).
	DirectionWrite Direction = 0
	// DirectionRead protects device-to-host payloads (SRD, SARD).
	DirectionRead Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionRead {
		return "Read"
	}
	return "Write"
}

// OpenParams are the inputs of the session-open key derivation.
type OpenParams struct {
	CTAG  uint32
	TC    uint32
	DMC   uint32
	Nonce uint64

	// WID is folded into the derivation when non-nil.
	WID *[protocol.WIDSize]byte
}

func (p OpenParams) message() []byte {
	msg := make([]byte, 0, 20+protocol.WIDSize)
	msg = binary.LittleEndian.AppendUint32(msg, p.CTAG)
	msg = binary.LittleEndian.AppendUint32(msg, p.TC)
	msg = binary.LittleEndian.AppendUint32(msg, p.DMC)
	msg = binary.LittleEndian.AppendUint64(msg, p.Nonce)
	if p.WID != nil {
		msg = append(msg, p.WID[:]...)
	}
	return msg
}

// SessionKeyAndSignature derives the session key and the open-request signature
// from a long-term key.
func SessionKeyAndSignature(key Key, p OpenParams) (Key, Signature) {
	msg := p.message()
	var nonce [protocol.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:], p.Nonce)

	info := make([]byte, 0, len(labelSession)+len(msg))
	info = append(info, labelSession...)
	info = append(info, msg...)
	sessionKey := deriveKey(key[:], nonce[:], info)

	mac := HMACSHA256(key[:], labelOpen, msg)
	var sig Signature
	copy(sig[:], mac[:protocol.SignatureSize])
	return sessionKey, sig
}

// SaltKey derives the session-salted key (SSK) for one transaction counter value.
func SaltKey(sessionKey Key, tc uint32) Key {
	var salt [4]byte
	binary.LittleEndian.PutUint32(salt[:], tc)
	return deriveKey(sessionKey[:], salt[:], labelSSK)
}

// AuthSignature computes the authentication signature over a CTAG and up to 32 bytes
// of data, zero padded to 32 bytes.
func AuthSignature(ssk Key, kid uint8, ctag uint32, data []byte) (Signature, error) {
	var sig Signature
	if len(data) > protocol.MaxSignedDataSize {
		return sig, ErrDataTooLong
	}
	var scratch [protocol.CTAGSize + protocol.MaxSignedDataSize]byte
	binary.LittleEndian.PutUint32(scratch[:protocol.CTAGSize], ctag)
	copy(scratch[protocol.CTAGSize:], data)

	mac := HMACSHA256(ssk[:], []byte{kid}, scratch[:])
	copy(sig[:], mac[:protocol.SignatureSize])
	return sig, nil
}

// CipherKey derives the per-transaction cipher key from an SSK.
func CipherKey(ssk Key, kid uint8, dir Direction) Key {
	mac := HMACSHA256(ssk[:], labelCipher, []byte{byte(dir), kid})
	var k Key
	copy(k[:], mac[:protocol.KeySize])
	return k
}

// AddressMask derives the 24-bit address mask of a cipher key.
func AddressMask(cipherKey Key) uint32 {
	mac := HMACSHA256(cipherKey[:], labelAddress)
	return uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16
}

// EncryptAddress masks a 24-bit address and applies the wire ordering.
func EncryptAddress(addr, mask uint32) uint32 {
	return protocol.SwizzleAddress((addr ^ mask) & protocol.AddressMask)
}

// DecryptAddress reverses EncryptAddress.
func DecryptAddress(enc, mask uint32) uint32 {
	return (protocol.SwizzleAddress(enc) ^ mask) & protocol.AddressMask
}
