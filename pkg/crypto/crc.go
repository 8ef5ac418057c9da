package crypto

import (
	"errors"
	"hash/crc32"
)

// ErrPadding is returned when the padded size is shorter than the data or not word aligned.
var ErrPadding = errors.New("crypto: padded size must cover the data and be a multiple of 4")

// CalcCRCWithPadding computes the CRC-32/IEEE of data followed by pad bytes up to size.
// This is the digest of a region of which only the first len(data) bytes are programmed.
func CalcCRCWithPadding(data []byte, pad byte, size int) (uint32, error) {
	if size < len(data) || size%4 != 0 {
		return 0, ErrPadding
	}
	crc := crc32.Update(0, crc32.IEEETable, data)

	var chunk [256]byte
	for i := range chunk {
		chunk[i] = pad
	}
	for remaining := size - len(data); remaining > 0; {
		n := remaining
		if n > len(chunk) {
			n = len(chunk)
		}
		crc = crc32.Update(crc, crc32.IEEETable, chunk[:n])
		remaining -= n
	}
	return crc, nil
}
