package secure

import (
	"fmt"
	"math/bits"

	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
)

// SAWR writes one page. The address and data are encrypted on the bus and the
// plaintext is signed.
func (s *Session) SAWR(addr uint32, data Page) error {
	if err := checkPageRange(addr, protocol.PageSize); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rnd := addr | s.prng.Bits(protocol.PageRandomBits)
	ctag := protocol.MakeAddressCTAG(protocol.OpSAWR, rnd)
	return s.executeSignedSetter(ctag, data[:], true, true, status.MaskAll)
}

// SErase erases protected flash. Sector and block erases take an address
// aligned to their size. Section erase takes any address inside the section.
// Chip erase ignores addr.
func (s *Session) SErase(t protocol.EraseType, addr uint32) error {
	op, ok := t.Opcode()
	if !ok {
		return fmt.Errorf("%w: erase type %d", ErrInvalidParameter, t)
	}
	if addr > protocol.AddressMask {
		return fmt.Errorf("%w: address 0x%X", ErrInvalidParameter, addr)
	}

	aligned := t == protocol.EraseSector4K || t == protocol.EraseBlock32K || t == protocol.EraseBlock64K
	if aligned && addr%t.Size() != 0 {
		return fmt.Errorf("%w: address 0x%06X is not %s aligned", ErrInvalidParameter, addr, t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ctag protocol.CTAG
	switch {
	case aligned:
		ctag = protocol.MakeAddressCTAG(op, addr|s.prng.Bits(bits.TrailingZeros32(t.Size())))
	case t == protocol.EraseSection:
		ctag = protocol.MakeCTAG(op, protocol.SectionOf(addr), 0)
	default:
		ctag = protocol.MakeCTAG(op, 0, 0)
	}
	return s.executeSignedSetter(ctag, nil, aligned, false, status.MaskAll)
}
