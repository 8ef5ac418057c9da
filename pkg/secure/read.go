package secure

import (
	"errors"
	"fmt"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
	"golang.org/x/sync/errgroup"
)

// Page is one secure read/write unit.
type Page [protocol.PageSize]byte

func readResponseSize(op protocol.Opcode) int {
	n := protocol.PrevTCSize + protocol.PageSize
	if op == protocol.OpSARD {
		n += protocol.SignatureSize
	}
	return n
}

func checkPageRange(addr uint32, n int) error {
	if addr%protocol.PageSize != 0 {
		return fmt.Errorf("%w: address 0x%06X is not page aligned", ErrInvalidParameter, addr)
	}
	if uint64(addr)+uint64(n) > protocol.AddressMask+1 {
		return fmt.Errorf("%w: read of %d bytes at 0x%06X leaves the address space", ErrInvalidParameter, n, addr)
	}
	return nil
}

// SRD reads one page, encrypted on the bus but not authenticated.
func (s *Session) SRD(addr uint32) (Page, error) {
	return s.readPage(protocol.OpSRD, addr)
}

// SARD reads one page and verifies its signature. On mismatch the returned
// page is zeroed and the error is ErrSecurity.
func (s *Session) SARD(addr uint32) (Page, error) {
	return s.readPage(protocol.OpSARD, addr)
}

func (s *Session) readPage(op protocol.Opcode, addr uint32) (Page, error) {
	if err := checkPageRange(addr, protocol.PageSize); err != nil {
		return Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSession(); err != nil {
		return Page{}, err
	}
	v, err := s.useMC()
	if err != nil {
		return Page{}, err
	}
	ctx := s.current()
	ctag := s.prepareRead(op, addr, ctx, v.TC)

	resp := make([]byte, readResponseSize(op))
	if err := s.exec(ctag, nil, resp, status.MaskAll); err != nil {
		return Page{}, err
	}
	page, err := s.finishRead(op, addr, ctx, resp)
	if errors.Is(err, ErrSecurity) && s.log != nil {
		s.log.Warnf("%s 0x%06X: %v", op, addr, err)
	}
	return page, err
}

// prepareRead salts ctx for tc and returns the CTAG of a read of the page at
// addr with randomized low address bits.
func (s *Session) prepareRead(op protocol.Opcode, addr uint32, ctx *cryptoContext, tc uint32) protocol.CTAG {
	ctx.refresh(s.sessionKey, tc)
	ctx.deriveCipher(s.kid, crypto.DirectionRead)
	rnd := addr | s.prng.Bits(protocol.PageRandomBits)
	return protocol.MakeAddressCTAG(op, crypto.EncryptAddress(rnd, crypto.AddressMask(ctx.cipher)))
}

// finishRead decrypts and checks a read response. Any failure zeroes the page.
func (s *Session) finishRead(op protocol.Opcode, addr uint32, ctx *cryptoContext, resp []byte) (Page, error) {
	var page Page
	copy(page[:], resp[protocol.PrevTCSize:])
	if err := crypto.CryptData(page[:], ctx.cipher); err != nil {
		return Page{}, err
	}

	if op == protocol.OpSARD {
		want, err := crypto.AuthSignature(ctx.ssk, uint8(s.kid), uint32(protocol.MakeAddressCTAG(op, addr)), page[:])
		if err != nil {
			return Page{}, err
		}
		var got crypto.Signature
		copy(got[:], resp[protocol.PrevTCSize+protocol.PageSize:])
		if !crypto.SignatureEqual(want, got) {
			return Page{}, fmt.Errorf("%w: page 0x%06X", ErrSecurity, addr)
		}
	}
	if err := checkEcho(resp, ctx.tc); err != nil {
		return Page{}, err
	}
	return page, nil
}

// SRDMulti fills out with consecutive pages starting at addr using pipelined
// SRD commands. The last page may be partial.
func (s *Session) SRDMulti(addr uint32, out []byte) error {
	return s.readMulti(protocol.OpSRD, addr, out)
}

// SARDMulti is SRDMulti with signature verification of every page. Any
// failure zeroes all of out.
func (s *Session) SARDMulti(addr uint32, out []byte) error {
	return s.readMulti(protocol.OpSARD, addr, out)
}

// readMulti keeps exactly one page read in flight. While page N is on the bus
// the keys of page N+1 are derived on the spare context. Page N's response is
// collected, page N+1 is issued, and only then is page N checked.
func (s *Session) readMulti(op protocol.Opcode, addr uint32, out []byte) error {
	if err := checkPageRange(addr, len(out)); err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSession(); err != nil {
		return err
	}
	pages := (len(out) + protocol.PageSize - 1) / protocol.PageSize

	v, err := s.useMC()
	if err != nil {
		return err
	}
	ctag := s.prepareRead(op, addr, s.current(), v.TC)
	if err := s.tm.Secure(ctag, nil, nil, nil); err != nil {
		s.mc.Invalidate()
		return err
	}

	resp := make([]byte, readResponseSize(op))
	for i := 0; i < pages; i++ {
		pageAddr := addr + uint32(i*protocol.PageSize)
		hasNext := i+1 < pages

		var next protocol.CTAG
		var g errgroup.Group
		if hasNext {
			predicted, err := s.mc.Peek()
			if err != nil {
				s.drain(resp)
				zero(out)
				return fmt.Errorf("%w: %w", status.ErrMC, err)
			}
			spare := s.spare()
			nextAddr := pageAddr + protocol.PageSize
			if s.async {
				g.Go(func() error {
					next = s.prepareRead(op, nextAddr, spare, predicted.TC)
					return nil
				})
			} else {
				next = s.prepareRead(op, nextAddr, spare, predicted.TC)
			}
		}

		var ssr protocol.SSR
		err := s.tm.Secure(0, nil, resp, &ssr)
		// Key builds cannot fail; Wait only joins the build of next.
		g.Wait()
		if err != nil {
			s.mc.Invalidate()
			zero(out)
			return err
		}

		if hasNext {
			if _, err := s.mc.Use(); err != nil {
				zero(out)
				return fmt.Errorf("%w: %w", status.ErrMC, err)
			}
			if err := s.tm.Secure(next, nil, nil, nil); err != nil {
				s.mc.Invalidate()
				zero(out)
				return err
			}
		}

		pageErr := status.Check(ssr, status.MaskAll)
		var page Page
		if pageErr == nil {
			page, pageErr = s.finishRead(op, pageAddr, s.current(), resp)
		}
		if pageErr != nil {
			if hasNext {
				s.drain(resp)
			}
			zero(out)
			s.ssr = ssr
			s.resync()
			if s.log != nil {
				s.log.Warnf("%s multi 0x%06X page %d: %v", op, addr, i, pageErr)
			}
			return pageErr
		}
		s.ssr = ssr
		copy(out[i*protocol.PageSize:], page[:])
		s.advance()
	}
	return nil
}

// drain collects and discards the response of the command in flight.
func (s *Session) drain(buf []byte) {
	var ssr protocol.SSR
	if err := s.tm.Secure(0, nil, buf, &ssr); err != nil {
		s.mc.Invalidate()
	}
	zero(buf)
}
