// Package keys provides long-term key lookup for session establishment.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
)

// Store errors.
var (
	// ErrNotFound is returned when no key is stored for a KID.
	ErrNotFound = errors.New("keys: key not found")
	// ErrInvalidKID is returned for KIDs that cannot carry a key.
	ErrInvalidKID = errors.New("keys: invalid KID")
	// ErrInvalidKey is returned when key material cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key material")
)

// Manager resolves section keys.
type Manager interface {
	// GetKey returns the full-access or restricted-access key of a section.
	GetKey(section uint8, fullAccess bool) (crypto.Key, error)
}

// Resolver resolves any KID, including the provisioning and device master keys.
type Resolver interface {
	Manager
	KeyForKID(kid protocol.KID) (crypto.Key, error)
}

// Store is an in-memory key table indexed by KID.
//
// Thread Safety: All methods are safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	keys map[protocol.KID]*crypto.Key
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[protocol.KID]*crypto.Key)}
}

// Set stores the key of kid. A previous key is overwritten in place.
func (s *Store) Set(kid protocol.KID, key crypto.Key) error {
	if !kid.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidKID, kid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.keys[kid]; ok {
		*slot = key
		return nil
	}
	slot := new(crypto.Key)
	*slot = key
	s.keys[kid] = slot
	return nil
}

// Delete wipes and removes the key of kid.
func (s *Store) Delete(kid protocol.KID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.keys[kid]; ok {
		slot.Wipe()
		delete(s.keys, kid)
	}
}

// KeyForKID returns the key of kid.
func (s *Store) KeyForKID(kid protocol.KID) (crypto.Key, error) {
	if !kid.IsValid() {
		return crypto.Key{}, fmt.Errorf("%w: %s", ErrInvalidKID, kid)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.keys[kid]
	if !ok {
		return crypto.Key{}, fmt.Errorf("%w: %s", ErrNotFound, kid)
	}
	return *slot, nil
}

// GetKey implements Manager.
func (s *Store) GetKey(section uint8, fullAccess bool) (crypto.Key, error) {
	if section >= protocol.SectionCount {
		return crypto.Key{}, fmt.Errorf("%w: section %d", ErrInvalidKID, section)
	}
	kid := protocol.KIDRestricted(section)
	if fullAccess {
		kid = protocol.KIDFull(section)
	}
	return s.KeyForKID(kid)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Wipe overwrites and removes every key.
func (s *Store) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kid, slot := range s.keys {
		slot.Wipe()
		delete(s.keys, kid)
	}
}

// ParseHex parses a 16-byte key written as 32 hex digits. Whitespace and an
// optional 0x prefix are ignored.
func ParseHex(s string) (crypto.Key, error) {
	var key crypto.Key
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != protocol.KeySize {
		return key, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), protocol.KeySize)
	}
	copy(key[:], b)
	return key, nil
}

// LoadHexFile reads a key stored as hex text in a file.
func LoadHexFile(path string) (crypto.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("keys: read %s: %w", path, err)
	}
	return ParseHex(string(data))
}
