package secure

import (
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
)

// cryptoContext is the key material of one transaction: the session key salted
// with the transaction counter (SSK) and the cipher key derived from it.
type cryptoContext struct {
	ssk    crypto.Key
	cipher crypto.Key
	tc     uint32
}

// refresh salts the session key with tc.
func (c *cryptoContext) refresh(sessionKey crypto.Key, tc uint32) {
	c.ssk = crypto.SaltKey(sessionKey, tc)
	c.tc = tc
}

func (c *cryptoContext) deriveCipher(kid protocol.KID, dir crypto.Direction) {
	c.cipher = crypto.CipherKey(c.ssk, uint8(kid), dir)
}

func (c *cryptoContext) seed(sessionKey crypto.Key) {
	c.ssk = sessionKey
	c.cipher.Wipe()
	c.tc = 0
}

func (c *cryptoContext) wipe() {
	c.ssk.Wipe()
	c.cipher.Wipe()
	c.tc = 0
}

// current is the context of the next command.
func (s *Session) current() *cryptoContext {
	return &s.ctx[s.active]
}

// spare is the context a pipelined reader prepares while current is in flight.
func (s *Session) spare() *cryptoContext {
	return &s.ctx[s.active^1]
}

func (s *Session) advance() {
	s.active ^= 1
}
