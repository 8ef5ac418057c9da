// Package secure is the secure command processor. A Session turns logical
// operations (open a session to a section, read and write protected pages,
// fetch signed fields, rotate keys) into signed and encrypted secure commands
// and runs them through the transaction manager.
//
// Every secure command except GET_MC advances the device transaction counter.
// The session keeps a RAM copy of the counter, signs each command with the
// value the device will hold after receiving it, and re-reads the counter
// after any device-reported error.
package secure

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/status"
	"github.com/backkem/qlib/pkg/tm"
	"github.com/pion/logging"
)

// Config configures a Session.
type Config struct {
	// TM is the transaction manager of the device. Required.
	TM *tm.Manager

	// Keys resolves long-term keys for OpenSession calls without an explicit
	// key. A keys.Resolver also serves the provisioning and device master keys.
	Keys keys.Manager

	// PRNG supplies nonces and address randomization.
	// Default: crypto.NewPRNGFromEntropy().
	PRNG *crypto.PRNG

	// AsyncKeyBuild derives the next page's keys on a separate goroutine while
	// the current page is on the bus during multi-page reads.
	AsyncKeyBuild bool

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Session is the host side of the secure command protocol for one device.
//
// Thread Safety: All methods are safe for concurrent use. Operations are
// serialized; at most one secure command is in flight.
type Session struct {
	tm    *tm.Manager
	keys  keys.Manager
	prng  *crypto.PRNG
	async bool
	log   logging.LeveledLogger

	mu sync.Mutex

	mc         *counter.Counter
	kid        protocol.KID
	sessionKey crypto.Key
	ctx        [2]cryptoContext
	active     int
	ssr        protocol.SSR
	pa         [protocol.SectionCount]bool
}

// NewSession creates a session with no key open and an unsynchronized counter.
func NewSession(config Config) (*Session, error) {
	if config.TM == nil {
		return nil, ErrNoTM
	}
	if config.PRNG == nil {
		p, err := crypto.NewPRNGFromEntropy()
		if err != nil {
			return nil, fmt.Errorf("secure: seed PRNG: %w", err)
		}
		config.PRNG = p
	}

	s := &Session{
		tm:    config.TM,
		keys:  config.Keys,
		prng:  config.PRNG,
		async: config.AsyncKeyBuild,
		mc:    counter.New(),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("qlib-secure")
	}
	s.wipe()
	return s, nil
}

// Connect connects the underlying transaction manager.
func (s *Session) Connect() error {
	return s.tm.Connect()
}

// Disconnect wipes the session state and disconnects the transaction manager.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.wipe()
	s.mc.Invalidate()
	s.mu.Unlock()
	return s.tm.Disconnect()
}

// KID returns the KID of the open session, or protocol.KIDInvalid.
func (s *Session) KID() protocol.KID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kid
}

// Counter returns the RAM copy of the monotonic counter and whether it is in sync.
func (s *Session) Counter() (counter.Value, bool) {
	return s.mc.Get(), s.mc.InSync()
}

// GetLastStatusRegister returns the SSR of the last secure operation.
func (s *Session) GetLastStatusRegister() protocol.SSR {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssr
}

// PlainAccessEnabled reports whether this host granted plain access to section.
func (s *Session) PlainAccessEnabled(section uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if section >= protocol.SectionCount {
		return false
	}
	return s.pa[section]
}

// wipe drops the session: the KID is reset and all key material reads 0xFF.
func (s *Session) wipe() {
	s.kid = protocol.KIDInvalid
	s.sessionKey.Wipe()
	s.ctx[0].wipe()
	s.ctx[1].wipe()
	s.active = 0
}

func (s *Session) requireSession() error {
	if s.kid == protocol.KIDInvalid {
		return ErrNoSession
	}
	return nil
}

// syncMC reads the counter from the device unless the RAM copy is trusted.
func (s *Session) syncMC() error {
	if s.mc.InSync() {
		return nil
	}
	var ssr protocol.SSR
	var buf [protocol.MCSize]byte
	if err := s.tm.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, buf[:], &ssr); err != nil {
		return err
	}
	if err := status.Check(ssr, status.MaskAll); err != nil {
		return err
	}
	v, err := counter.Parse(buf[:])
	if err == nil {
		err = s.mc.Set(v)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", status.ErrMC, err)
	}
	if s.log != nil {
		s.log.Debugf("counter synchronized tc=0x%X dmc=0x%X", v.TC, v.DMC)
	}
	return nil
}

// useMC synchronizes the counter and reserves the value of the next command.
func (s *Session) useMC() (counter.Value, error) {
	if err := s.syncMC(); err != nil {
		return counter.Value{}, err
	}
	v, err := s.mc.Use()
	if err != nil {
		return v, fmt.Errorf("%w: %w", status.ErrMC, err)
	}
	return v, nil
}

// exec runs one secure transaction and classifies the resulting SSR.
func (s *Session) exec(ctag protocol.CTAG, write, read []byte, mask status.Mask) error {
	var ssr protocol.SSR
	if err := s.tm.Secure(ctag, write, read, &ssr); err != nil {
		s.mc.Invalidate()
		return err
	}
	return s.classify(ssr, mask)
}

// classify records ssr and maps it to an error. Any raised error bit forces a
// counter re-read, whether or not the mask treats it as fatal.
func (s *Session) classify(ssr protocol.SSR, mask status.Mask) error {
	s.ssr = ssr
	err := status.Check(ssr, mask)
	if status.NeedsResync(ssr) {
		s.resync()
	}
	return err
}

func (s *Session) resync() {
	s.mc.Invalidate()
	if err := s.syncMC(); err != nil && s.log != nil {
		s.log.Warnf("counter resync failed: %v", err)
	}
}

// checkEcho verifies the previous-TC field of a response.
func checkEcho(resp []byte, tc uint32) error {
	if prev := binary.LittleEndian.Uint32(resp); prev != tc-1 {
		return fmt.Errorf("%w: response counter 0x%X, want 0x%X", ErrIncorrectState, prev, tc-1)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
