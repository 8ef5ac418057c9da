package secure

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
)

// OpenSession opens a session with the long-term key of kid. When key is nil
// it is resolved through the configured key manager.
//
// includeWID binds the session key to the device unique ID. ignoreScrValidity
// asks the device to skip the section integrity check of a section key.
// A full-access key opens even when the section integrity check fails, so the
// section can be repaired. The INTG_ERR bit then stays visible through
// GetLastStatusRegister.
//
// On failure the session is left closed with all key material wiped.
func (s *Session) OpenSession(kid protocol.KID, key *crypto.Key, includeWID, ignoreScrValidity bool) error {
	if !kid.IsValid() {
		return fmt.Errorf("%w: KID %s", ErrInvalidParameter, kid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kid != protocol.KIDInvalid {
		return fmt.Errorf("%w: session %s already open", ErrIncorrectState, s.kid)
	}
	lk, err := s.resolveKey(kid, key)
	if err != nil {
		return err
	}
	defer lk.Wipe()

	if err := s.open(kid, lk, includeWID, ignoreScrValidity); err != nil {
		s.wipe()
		if s.log != nil {
			s.log.Infof("open %s failed: %v", kid, err)
		}
		return err
	}
	if s.log != nil {
		s.log.Debugf("session %s open", kid)
	}
	return nil
}

func (s *Session) resolveKey(kid protocol.KID, key *crypto.Key) (crypto.Key, error) {
	if key != nil {
		return *key, nil
	}
	var k crypto.Key
	var err error
	switch {
	case s.keys == nil:
		err = errors.New("no key manager")
	case kid.IsSectionKey():
		if r, ok := s.keys.(keys.Resolver); ok {
			k, err = r.KeyForKID(kid)
		} else {
			k, err = s.keys.GetKey(kid.Section(), kid.Type() == protocol.KeyTypeFull)
		}
	default:
		r, ok := s.keys.(keys.Resolver)
		if !ok {
			err = errors.New("key manager only serves section keys")
			break
		}
		k, err = r.KeyForKID(kid)
	}
	if err != nil {
		return k, fmt.Errorf("%w %s: %w", ErrNoKey, kid, err)
	}
	return k, nil
}

func (s *Session) open(kid protocol.KID, key crypto.Key, includeWID, ignoreScrValidity bool) error {
	nonce := s.prng.Nonce()

	var flags uint16
	var wid *[protocol.WIDSize]byte
	if includeWID {
		w, err := s.readWID()
		if err != nil {
			return err
		}
		wid = &w
		flags |= protocol.OpenFlagIncludeWID
	}
	if ignoreScrValidity {
		flags |= protocol.OpenFlagIgnoreSCRValid
	}
	ctag := protocol.MakeCTAG(protocol.OpSessionOpen, uint8(kid), flags)

	v, err := s.useMC()
	if err != nil {
		return err
	}
	sessionKey, sig := crypto.SessionKeyAndSignature(key, crypto.OpenParams{
		CTAG:  uint32(ctag),
		TC:    v.TC,
		DMC:   v.DMC,
		Nonce: nonce,
		WID:   wid,
	})
	s.kid = kid

	payload := make([]byte, 0, protocol.NonceSize+protocol.SignatureSize)
	payload = binary.LittleEndian.AppendUint64(payload, nonce)
	payload = append(payload, sig[:]...)

	mask := status.MaskAll
	if kid.Type() == protocol.KeyTypeFull {
		mask = status.MaskOpenFullAccess
	}
	if err := s.exec(ctag, payload, nil, mask); err != nil {
		sessionKey.Wipe()
		return err
	}
	if !s.ssr.SessionReady() || s.ssr.KID() != kid {
		sessionKey.Wipe()
		return fmt.Errorf("%w: open %s left SSR %s", ErrIncorrectState, kid, s.ssr)
	}

	s.sessionKey = sessionKey
	s.ctx[0].seed(sessionKey)
	s.ctx[1].seed(sessionKey)
	s.active = 0
	return nil
}

// CloseSession closes the open session. With revokePA the session is closed
// by revoking plain access to the section of its key, otherwise by a close
// handshake. Key material is wiped whatever the outcome.
func (s *Session) CloseSession(revokePA bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSession(); err != nil {
		return err
	}
	if revokePA && !s.kid.IsSectionKey() {
		return fmt.Errorf("%w: %s has no section to revoke", ErrInvalidParameter, s.kid)
	}
	defer s.wipe()

	if revokePA {
		section := s.kid.Section()
		if err := s.initPA(section, true); err != nil {
			return err
		}
		s.pa[section] = false
		return nil
	}

	ctag := protocol.MakeCTAG(protocol.OpSessionOpen, uint8(s.kid), protocol.OpenFlagClose)
	v, err := s.useMC()
	if err != nil {
		return err
	}
	nonce := s.prng.Nonce()
	var zeroKey crypto.Key
	_, sig := crypto.SessionKeyAndSignature(zeroKey, crypto.OpenParams{
		CTAG: uint32(ctag), TC: v.TC, DMC: v.DMC, Nonce: nonce,
	})
	payload := make([]byte, 0, protocol.NonceSize+protocol.SignatureSize)
	payload = binary.LittleEndian.AppendUint64(payload, nonce)
	payload = append(payload, sig[:]...)

	if err := s.exec(ctag, payload, nil, status.MaskAll); err != nil {
		return err
	}
	if s.ssr.SessionReady() {
		return fmt.Errorf("%w: session still open after close", ErrIncorrectState)
	}
	return nil
}

// GrantPlainAccess enables plain reads and writes of section, subject to the
// section policy. The device closes the session.
func (s *Session) GrantPlainAccess(section uint8) error {
	if section >= protocol.SectionCount {
		return fmt.Errorf("%w: section %d", ErrInvalidParameter, section)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireSession(); err != nil {
		return err
	}
	if err := s.initPA(section, false); err != nil {
		return err
	}
	s.pa[section] = true
	s.wipe()
	return nil
}

func (s *Session) initPA(section uint8, revoke bool) error {
	var flags uint16
	if revoke {
		flags = protocol.InitPAFlagRevoke
	}
	if _, err := s.useMC(); err != nil {
		return err
	}
	return s.exec(protocol.MakeCTAG(protocol.OpInitPA, section, flags), nil, nil, status.MaskAll)
}
