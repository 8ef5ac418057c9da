// Package counter tracks the device monotonic counter (MC): the 32-bit transaction
// counter (TC) that advances once per secure transaction, and the 30-bit device
// monotonic counter (DMC).
//
// The RAM copy is only trusted while InSync reports true. Any hardware error
// invalidates it, and the next secure operation must re-read the counter.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/qlib/pkg/protocol"
)

// Counter range constants.
const (
	// TCMin is the smallest valid transaction counter value.
	TCMin uint32 = 0x10

	// TCMax is the exclusive upper bound of the transaction counter.
	TCMax uint32 = 0xFFFFFFFF

	// DMCMax is the exclusive upper bound of the device monotonic counter.
	DMCMax uint32 = 0x3FFFFFFF
)

// Counter errors.
var (
	// ErrOutOfRange is returned when a counter read from hardware violates the invariants.
	ErrOutOfRange = errors.New("counter: value out of range")

	// ErrExhausted is returned when the transaction counter cannot advance.
	// The counter must be maintained (DMC advanced, TC reset) before continuing.
	ErrExhausted = errors.New("counter: transaction counter exhausted")

	// ErrNotSynced is returned when the RAM copy is used before synchronization.
	ErrNotSynced = errors.New("counter: not synchronized with hardware")
)

// Value is a (TC, DMC) pair.
type Value struct {
	TC  uint32
	DMC uint32
}

// Validate checks the counter invariants.
func (v Value) Validate() error {
	if v.TC < TCMin || v.TC >= TCMax {
		return fmt.Errorf("%w: TC=0x%08X", ErrOutOfRange, v.TC)
	}
	if v.DMC >= DMCMax {
		return fmt.Errorf("%w: DMC=0x%08X", ErrOutOfRange, v.DMC)
	}
	return nil
}

// Bytes encodes the value as TC(4) || DMC(4), little-endian.
func (v Value) Bytes() [protocol.MCSize]byte {
	var b [protocol.MCSize]byte
	binary.LittleEndian.PutUint32(b[0:4], v.TC)
	binary.LittleEndian.PutUint32(b[4:8], v.DMC)
	return b
}

// Parse decodes a TC(4) || DMC(4) pair.
func Parse(b []byte) (Value, error) {
	if len(b) < protocol.MCSize {
		return Value{}, fmt.Errorf("%w: short monotonic counter (%d bytes)", ErrOutOfRange, len(b))
	}
	return Value{
		TC:  binary.LittleEndian.Uint32(b[0:4]),
		DMC: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Counter is the host-side RAM copy of the monotonic counter.
// It is safe for concurrent use.
type Counter struct {
	value  Value
	inSync bool
	mu     sync.Mutex
}

// New creates an unsynchronized counter.
func New() *Counter {
	return &Counter{}
}

// InSync reports whether the RAM copy is trusted.
func (c *Counter) InSync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inSync
}

// Invalidate marks the RAM copy untrusted.
func (c *Counter) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inSync = false
}

// Set stores a value read from hardware after validating it.
// An invalid value leaves the counter unsynchronized.
func (c *Counter) Set(v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := v.Validate(); err != nil {
		c.inSync = false
		return err
	}
	c.value = v
	c.inSync = true
	return nil
}

// Get returns the current value without advancing.
func (c *Counter) Get() Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// TC returns the current transaction counter.
func (c *Counter) TC() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value.TC
}

// Use advances TC by one and returns the new value: the counter the device will
// hold after processing the next secure command.
func (c *Counter) Use() (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inSync {
		return Value{}, ErrNotSynced
	}
	if c.value.TC+1 >= TCMax {
		return Value{}, ErrExhausted
	}
	c.value.TC++
	return c.value, nil
}

// Peek returns the value Use would return next, without advancing.
func (c *Counter) Peek() (Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inSync {
		return Value{}, ErrNotSynced
	}
	if c.value.TC+1 >= TCMax {
		return Value{}, ErrExhausted
	}
	v := c.value
	v.TC++
	return v, nil
}
