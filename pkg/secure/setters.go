package secure

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
	"github.com/backkem/qlib/pkg/tm"
)

// SetKey replaces the long-term key of kid. The key is encrypted on the bus.
// Writing the key already stored is not an error.
func (s *Session) SetKey(kid protocol.KID, key crypto.Key) error {
	if !kid.IsValid() {
		return fmt.Errorf("%w: KID %s", ErrInvalidParameter, kid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ctag := protocol.MakeCTAG(protocol.OpSetKey, uint8(kid), 0)
	return s.executeSignedSetter(ctag, key[:], false, true, status.MaskSetKey)
}

func (s *Session) setRegister(op protocol.Opcode, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeSignedSetter(protocol.MakeCTAG(op, 0, 0), data, false, false, status.MaskAll)
}

// SetSUID writes the secure user ID.
func (s *Session) SetSUID(suid [protocol.SUIDSize]byte) error {
	return s.setRegister(protocol.OpSetSUID, suid[:])
}

// SetGMC writes the global configuration.
func (s *Session) SetGMC(gmc [protocol.GMCSize]byte) error {
	return s.setRegister(protocol.OpSetGMC, gmc[:])
}

// SetGMT writes the global memory table.
func (s *Session) SetGMT(gmt [protocol.GMTSize]byte) error {
	return s.setRegister(protocol.OpSetGMT, gmt[:])
}

// SetAWDT writes the watchdog configuration.
func (s *Session) SetAWDT(cfg uint32) error {
	var b [protocol.AWDTSize]byte
	binary.LittleEndian.PutUint32(b[:], cfg)
	return s.setRegister(protocol.OpSetAWDT, b[:])
}

// TouchAWDT restarts the watchdog.
func (s *Session) TouchAWDT() error {
	return s.setRegister(protocol.OpAWDTTouch, nil)
}

// SetResetResponse writes the reset response.
func (s *Session) SetResetResponse(resp [protocol.RstRespSize]byte) error {
	return s.setRegister(protocol.OpSetRstResp, resp[:])
}

// SetACLR writes the access control lock register.
func (s *Session) SetACLR(aclr [protocol.ACLRSize]byte) error {
	return s.setRegister(protocol.OpSetACLR, aclr[:])
}

// SetSCR writes the configuration record of a section.
//
// chainInitPA grants plain access to the section right after the record is
// stored, which closes the session. chainReset resets the device afterwards,
// which drops the session and every plain access grant.
func (s *Session) SetSCR(section uint8, scr protocol.SCR, chainInitPA, chainReset bool) error {
	if section >= protocol.SectionCount {
		return fmt.Errorf("%w: section %d", ErrInvalidParameter, section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSession(); err != nil {
		return err
	}
	var chain uint16
	if chainInitPA {
		chain |= protocol.SCRFlagChainInitPA
	}
	if chainReset {
		chain |= protocol.SCRFlagChainReset
	}

	if chainInitPA {
		// The chained INIT_PA is one more secure command and needs its own
		// counter value.
		if err := s.syncMC(); err != nil {
			return err
		}
		if v, err := s.mc.Peek(); err != nil || v.TC+1 >= counter.TCMax {
			if err == nil {
				err = counter.ErrExhausted
			}
			return fmt.Errorf("%w: %w", status.ErrMC, err)
		}
	}

	b := scr.Bytes()
	ctag := protocol.MakeCTAG(protocol.OpSetSCR, section, 0)
	wire, payload, err := s.prepareSignedSetter(ctag, b[:], false, false)
	if err != nil {
		return err
	}
	if err := s.exec(wire|protocol.CTAG(uint32(chain)<<16), payload, nil, status.MaskAll); err != nil {
		if chainInitPA && !status.NeedsResync(s.ssr) {
			// Without a resync it is unknown whether the INIT_PA went out.
			s.mc.Invalidate()
		}
		return err
	}

	if chainInitPA {
		if _, err := s.mc.Use(); err != nil {
			s.mc.Invalidate()
		}
		s.pa[section] = true
		s.wipe()
	}
	if chainReset {
		s.wipe()
		s.pa = [protocol.SectionCount]bool{}
		s.mc.Invalidate()
	}
	return nil
}

// MaintainMC advances the device monotonic counter by one and resets the
// transaction counter. It is required before the transaction counter runs out.
func (s *Session) MaintainMC() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctag := protocol.MakeCTAG(protocol.OpMCMaint, 0, 0)
	if err := s.executeSignedSetter(ctag, nil, false, false, status.MaskAll); err != nil {
		return err
	}
	v := s.mc.Get()
	if err := s.mc.Set(counter.Value{TC: counter.TCMin, DMC: v.DMC + 1}); err != nil {
		return fmt.Errorf("%w: %w", status.ErrMC, err)
	}
	return nil
}

// ResetDevice issues a software reset. The device drops the session and every
// plain access grant; the counter is re-read on the next operation.
func (s *Session) ResetDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wipe()
	s.pa = [protocol.SectionCount]bool{}
	s.mc.Invalidate()
	if err := s.tm.Standard(tm.StandardCommand{Instr: protocol.InstrResetEnable}); err != nil {
		return err
	}
	return s.tm.Standard(tm.StandardCommand{Instr: protocol.InstrReset})
}
