package sim

import (
	"hash/crc32"

	"github.com/backkem/qlib/pkg/protocol"
)

const (
	sectorSize  = 4 << 10
	flashSize   = protocol.SectionSize * protocol.SectionCount
	erasedValue = 0xFF
)

// flash is sparse NOR storage: unwritten sectors read as erased.
type flash struct {
	sectors map[uint32][]byte
}

func newFlash() *flash {
	return &flash{sectors: make(map[uint32][]byte)}
}

func (f *flash) sector(idx uint32, create bool) []byte {
	s, ok := f.sectors[idx]
	if !ok && create {
		s = make([]byte, sectorSize)
		fillBytes(s, erasedValue)
		f.sectors[idx] = s
	}
	return s
}

func (f *flash) read(addr uint32, out []byte) {
	for i := range out {
		a := (addr + uint32(i)) % flashSize
		if s := f.sector(a/sectorSize, false); s != nil {
			out[i] = s[a%sectorSize]
		} else {
			out[i] = erasedValue
		}
	}
}

// write stores data as is, like a raw image load.
func (f *flash) write(addr uint32, data []byte) {
	for i, b := range data {
		a := (addr + uint32(i)) % flashSize
		f.sector(a/sectorSize, true)[a%sectorSize] = b
	}
}

// program applies NOR semantics: bits only go from 1 to 0.
func (f *flash) program(addr uint32, data []byte) {
	for i, b := range data {
		a := (addr + uint32(i)) % flashSize
		s := f.sector(a/sectorSize, true)
		s[a%sectorSize] &= b
	}
}

// erase resets size bytes from an aligned address.
func (f *flash) erase(addr, size uint32) {
	addr &^= size - 1
	for a := addr; a < addr+size && a < flashSize; a += sectorSize {
		delete(f.sectors, a/sectorSize)
	}
}

func (f *flash) sectionCRC(section uint8) uint32 {
	erased := make([]byte, sectorSize)
	fillBytes(erased, erasedValue)

	base := uint32(section%protocol.SectionCount) * protocol.SectionSize
	var crc uint32
	for a := base; a < base+protocol.SectionSize; a += sectorSize {
		s := f.sector(a/sectorSize, false)
		if s == nil {
			s = erased
		}
		crc = crc32.Update(crc, crc32.IEEETable, s)
	}
	return crc
}
