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

// CalcSig asks the device to sign one of its fields. section selects the SCR
// for protocol.DataSCR and is ignored otherwise. The signature and the counter
// echo are verified before the data is returned.
func (s *Session) CalcSig(dt protocol.DataType, section uint8) ([]byte, crypto.Signature, error) {
	if !dt.IsValid() {
		return nil, crypto.Signature{}, fmt.Errorf("%w: data type %d", ErrInvalidParameter, dt)
	}
	if section >= protocol.SectionCount {
		return nil, crypto.Signature{}, fmt.Errorf("%w: section %d", ErrInvalidParameter, section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calcSig(dt, section)
}

func (s *Session) calcSig(dt protocol.DataType, section uint8) ([]byte, crypto.Signature, error) {
	var sig crypto.Signature
	if err := s.requireSession(); err != nil {
		return nil, sig, err
	}
	ctag := protocol.MakeCTAG(protocol.OpCalcSig, uint8(dt), uint16(section))
	v, err := s.useMC()
	if err != nil {
		return nil, sig, err
	}
	ctx := s.current()
	ctx.refresh(s.sessionKey, v.TC)

	n := dt.Size()
	resp := make([]byte, protocol.PrevTCSize+n+protocol.SignatureSize)
	if err := s.exec(ctag, nil, resp, status.MaskAll); err != nil {
		return nil, sig, err
	}
	data := resp[protocol.PrevTCSize : protocol.PrevTCSize+n]
	copy(sig[:], resp[protocol.PrevTCSize+n:])

	want, err := crypto.AuthSignature(ctx.ssk, uint8(s.kid), uint32(ctag), data)
	if err != nil {
		return nil, sig, err
	}
	if !crypto.SignatureEqual(want, sig) {
		if s.log != nil {
			s.log.Warnf("CALC_SIG %s: signature mismatch", dt)
		}
		return nil, crypto.Signature{}, fmt.Errorf("%w: %s", ErrSecurity, dt)
	}
	if err := checkEcho(resp, v.TC); err != nil {
		return nil, crypto.Signature{}, err
	}
	return append([]byte(nil), data...), sig, nil
}

func (s *Session) getField(dt protocol.DataType, section uint8, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, err := s.calcSig(dt, section)
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// GetWID returns the signed device unique ID.
func (s *Session) GetWID() ([protocol.WIDSize]byte, error) {
	var v [protocol.WIDSize]byte
	err := s.getField(protocol.DataWID, 0, v[:])
	return v, err
}

// GetSUID returns the signed secure user ID.
func (s *Session) GetSUID() ([protocol.SUIDSize]byte, error) {
	var v [protocol.SUIDSize]byte
	err := s.getField(protocol.DataSUID, 0, v[:])
	return v, err
}

// GetHWVersion returns the signed hardware version.
func (s *Session) GetHWVersion() ([protocol.HWVerSize]byte, error) {
	var v [protocol.HWVerSize]byte
	err := s.getField(protocol.DataHWVer, 0, v[:])
	return v, err
}

// GetSSR returns a signed snapshot of the secure status register.
func (s *Session) GetSSR() (protocol.SSR, error) {
	var b [protocol.SSRSize]byte
	if err := s.getField(protocol.DataSSR, 0, b[:]); err != nil {
		return 0, err
	}
	return protocol.ParseSSR(b[:]), nil
}

// GetMC returns the signed monotonic counter as the device held it while
// processing the request.
func (s *Session) GetMC() (counter.Value, error) {
	var b [protocol.MCSize]byte
	if err := s.getField(protocol.DataMC, 0, b[:]); err != nil {
		return counter.Value{}, err
	}
	return counter.Parse(b[:])
}

// GetGMC returns the signed global configuration.
func (s *Session) GetGMC() ([protocol.GMCSize]byte, error) {
	var v [protocol.GMCSize]byte
	err := s.getField(protocol.DataGMC, 0, v[:])
	return v, err
}

// GetGMT returns the signed global memory table.
func (s *Session) GetGMT() ([protocol.GMTSize]byte, error) {
	var v [protocol.GMTSize]byte
	err := s.getField(protocol.DataGMT, 0, v[:])
	return v, err
}

// GetAWDT returns the signed watchdog configuration.
func (s *Session) GetAWDT() (uint32, error) {
	var b [protocol.AWDTSize]byte
	if err := s.getField(protocol.DataAWDT, 0, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// GetSCR returns the signed configuration record of a section.
func (s *Session) GetSCR(section uint8) (protocol.SCR, error) {
	if section >= protocol.SectionCount {
		return protocol.SCR{}, fmt.Errorf("%w: section %d", ErrInvalidParameter, section)
	}
	var b [protocol.SCRSize]byte
	if err := s.getField(protocol.DataSCR, section, b[:]); err != nil {
		return protocol.SCR{}, err
	}
	return protocol.ParseSCR(b[:]), nil
}

// GetACLR returns the signed access control lock register.
func (s *Session) GetACLR() ([protocol.ACLRSize]byte, error) {
	var v [protocol.ACLRSize]byte
	err := s.getField(protocol.DataACLR, 0, v[:])
	return v, err
}

// ReadMC re-reads the monotonic counter without a session or signature.
func (s *Session) ReadMC() (counter.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mc.Invalidate()
	if err := s.syncMC(); err != nil {
		return counter.Value{}, err
	}
	return s.mc.Get(), nil
}

// ReadWID reads the device unique ID with the standard, unsigned instruction.
func (s *Session) ReadWID() ([protocol.WIDSize]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readWID()
}

func (s *Session) readWID() ([protocol.WIDSize]byte, error) {
	var wid [protocol.WIDSize]byte
	err := s.tm.Standard(tm.StandardCommand{
		Instr: protocol.InstrReadUID,
		Read:  wid[:],
		Dummy: protocol.DummyCyclesUID,
	})
	return wid, err
}

// ReadJEDECID reads the standard manufacturer and device ID.
func (s *Session) ReadJEDECID() ([protocol.JEDECIDSize]byte, error) {
	var id [protocol.JEDECIDSize]byte
	err := s.tm.Standard(tm.StandardCommand{Instr: protocol.InstrReadJEDEC, Read: id[:]})
	return id, err
}
