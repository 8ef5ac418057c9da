package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// PRNG is a blake2s hash-chain generator used for nonces and address randomization.
// The state is ratcheted after every block. It is safe for concurrent use.
type PRNG struct {
	mu      sync.Mutex
	state   [blake2s.Size]byte
	counter uint64
	pool    []byte
}

// NewPRNG creates a deterministic generator from a seed.
func NewPRNG(seed []byte) *PRNG {
	return &PRNG{state: blake2s.Sum256(seed)}
}

// NewPRNGFromEntropy seeds a generator from the operating system.
func NewPRNGFromEntropy() (*PRNG, error) {
	var seed [blake2s.Size]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return NewPRNG(seed[:]), nil
}

// refill produces the next output block and ratchets the state.
func (p *PRNG) refill() {
	var in [blake2s.Size + 9]byte
	copy(in[:], p.state[:])
	binary.LittleEndian.PutUint64(in[blake2s.Size:], p.counter)

	in[len(in)-1] = 0x00
	out := blake2s.Sum256(in[:])
	in[len(in)-1] = 0x01
	p.state = blake2s.Sum256(in[:])
	p.counter++

	p.pool = append(p.pool[:0], out[:]...)
}

// Read fills b with pseudo-random bytes. It never fails.
func (p *PRNG) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(b) {
		if len(p.pool) == 0 {
			p.refill()
		}
		c := copy(b[n:], p.pool)
		p.pool = p.pool[c:]
		n += c
	}
	return n, nil
}

// Bits returns n random bits in the low bits of the result (n <= 32).
func (p *PRNG) Bits(n int) uint32 {
	if n <= 0 {
		return 0
	}
	var b [4]byte
	p.Read(b[:])
	v := binary.LittleEndian.Uint32(b[:])
	if n >= 32 {
		return v
	}
	return v & (1<<uint(n) - 1)
}

// Nonce returns a fresh 64-bit nonce.
func (p *PRNG) Nonce() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
