// Package bus defines the raw transport primitive of the flash device and the
// frame codec shared by the byte-stream bridges.
//
// A Transport performs one blocking half-duplex exchange: instruction, optional
// address, outgoing bytes, dummy cycles, incoming bytes. It never retries. A
// returned error is a link-level failure.
package bus

import (
	"fmt"
	"io"
	"sync"
)

// Transport is the single exchange primitive consumed by the transaction manager.
type Transport interface {
	// Exchange clocks out instr, addrSize bytes of addr (MSB first) and out, waits
	// dummy cycles, then fills in.
	Exchange(f Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error
}

// Request is a decoded Exchange call.
type Request struct {
	Format      Format
	DTR         bool
	Instr       byte
	Address     uint32
	AddressSize int
	Out         []byte
	Dummy       int
	InLen       int
}

// Validate checks the request against the frame limits.
func (r *Request) Validate() error {
	if !r.Format.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidFormat, r.Format)
	}
	switch r.AddressSize {
	case 0, 3, 4:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidAddressSize, r.AddressSize)
	}
	if len(r.Out) > MaxPayload || r.InLen > MaxPayload || r.InLen < 0 {
		return ErrFrameTooLarge
	}
	if r.Dummy < 0 || r.Dummy > 0xFF {
		return fmt.Errorf("%w: dummy cycles %d", ErrBadFrame, r.Dummy)
	}
	return nil
}

// Dispatch runs the request on t.
func (r *Request) Dispatch(t Transport) ([]byte, error) {
	in := make([]byte, r.InLen)
	err := t.Exchange(r.Format, r.DTR, r.Instr, r.Address, r.AddressSize, r.Out, r.Dummy, in)
	return in, err
}

// StreamTransport runs exchanges over a byte stream connected to a bridge that
// speaks the frame format. It is the client side shared by serialbridge and
// netbridge.
//
// Thread Safety: Exchange may be called concurrently; each call holds the stream
// for a full request/response round trip.
type StreamTransport struct {
	rw io.ReadWriter

	mu     sync.Mutex
	closed bool
}

// NewStreamTransport creates a transport over rw.
func NewStreamTransport(rw io.ReadWriter) *StreamTransport {
	return &StreamTransport{rw: rw}
}

// Exchange implements Transport.
func (s *StreamTransport) Exchange(f Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	req := Request{
		Format:      f,
		DTR:         dtr,
		Instr:       instr,
		Address:     addr,
		AddressSize: addrSize,
		Out:         out,
		Dummy:       dummy,
		InLen:       len(in),
	}
	frame, err := EncodeRequest(&req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.rw.Write(frame); err != nil {
		return fmt.Errorf("bus: write request: %w", err)
	}
	return ReadResponse(s.rw, in)
}

// Close marks the transport closed and closes the stream if it is an io.Closer.
func (s *StreamTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
