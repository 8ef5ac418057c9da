package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveKey runs HKDF-SHA256 (RFC 5869) into a Key. A 16-byte read from HKDF-SHA256 cannot fail.
func deriveKey(inputKey, salt, info []byte) Key {
	var k Key
	reader := hkdf.New(sha256.New, inputKey, salt, info)
	if _, err := io.ReadFull(reader, k[:]); err != nil {
		panic("crypto: hkdf read failed: " + err.Error())
	}
	return k
}
