package secure

import (
	"fmt"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
)

// signData salts the current context with a freshly reserved counter value
// and signs ctag and data with it.
func (s *Session) signData(ctag protocol.CTAG, data []byte) (crypto.Signature, error) {
	ctx := s.current()
	v, err := s.useMC()
	if err != nil {
		return crypto.Signature{}, err
	}
	ctx.refresh(s.sessionKey, v.TC)
	sig, err := crypto.AuthSignature(ctx.ssk, uint8(s.kid), uint32(ctag), data)
	if err != nil {
		return sig, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	return sig, nil
}

// prepareSignedSetter signs the plaintext ctag and data, then optionally
// encrypts the CTAG address and the data with the write cipher of the same
// context. It returns the wire CTAG and the payload {data || signature}.
func (s *Session) prepareSignedSetter(ctag protocol.CTAG, data []byte, encryptAddr, encryptData bool) (protocol.CTAG, []byte, error) {
	sig, err := s.signData(ctag, data)
	if err != nil {
		return 0, nil, err
	}

	payload := make([]byte, 0, len(data)+protocol.SignatureSize)
	payload = append(payload, data...)
	if encryptAddr || encryptData {
		ctx := s.current()
		ctx.deriveCipher(s.kid, crypto.DirectionWrite)
		if encryptAddr {
			ctag = ctag.WithAddress(crypto.EncryptAddress(ctag.Address(), crypto.AddressMask(ctx.cipher)))
		}
		if encryptData {
			if err := crypto.CryptData(payload, ctx.cipher); err != nil {
				return 0, nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
			}
		}
	}
	return ctag, append(payload, sig[:]...), nil
}

// executeSignedSetter sends a signed setter in one transaction.
func (s *Session) executeSignedSetter(ctag protocol.CTAG, data []byte, encryptAddr, encryptData bool, mask status.Mask) error {
	if err := s.requireSession(); err != nil {
		return err
	}
	wire, payload, err := s.prepareSignedSetter(ctag, data, encryptAddr, encryptData)
	if err != nil {
		return err
	}
	return s.exec(wire, payload, nil, mask)
}
