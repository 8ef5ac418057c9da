package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// ErrPageSize is returned when a page buffer is not a whole number of cipher units.
var ErrPageSize = errors.New("crypto: page buffer is not a multiple of the cipher unit")

// CipherUnit is the granularity of the page cipher in bytes.
const CipherUnit = 4

// PageCipher is the AES-128-CTR keystream used for page and key payloads.
// Every cipher key is unique to one transaction, so the counter block starts at zero.
type PageCipher struct {
	block cipher.Block
}

// NewPageCipher creates a page cipher from a per-transaction cipher key.
func NewPageCipher(key Key) (*PageCipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &PageCipher{block: block}, nil
}

// XORKeyStream encrypts or decrypts src into dst. The operation is symmetric.
func (c *PageCipher) XORKeyStream(dst, src []byte) error {
	if len(src)%CipherUnit != 0 || len(dst) < len(src) {
		return ErrPageSize
	}
	if len(src) == 0 {
		return nil
	}
	var ctr [aes.BlockSize]byte
	cipher.NewCTR(c.block, ctr[:]).XORKeyStream(dst, src)
	return nil
}

// CryptData encrypts or decrypts buf in place with the given cipher key.
func CryptData(buf []byte, key Key) error {
	c, err := NewPageCipher(key)
	if err != nil {
		return err
	}
	return c.XORKeyStream(buf, buf)
}
