package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	// FrameMagic starts every request frame.
	FrameMagic byte = 0xA5

	// RequestHeaderSize is the fixed part of a request frame:
	// magic(1) format(1) flags(1) instr(1) addrSize(1) addr(4) dummy(1) outLen(2) inLen(2).
	RequestHeaderSize = 14

	// MaxPayload bounds the out and in lengths of one frame.
	MaxPayload = 0xFFFF

	flagDTR byte = 1 << 0
)

// Response status codes.
const (
	StatusOK       byte = 0x00
	StatusBadFrame byte = 0x01
	StatusLink     byte = 0x02
)

// EncodeRequest serializes a request frame.
func EncodeRequest(r *Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, RequestHeaderSize, RequestHeaderSize+len(r.Out))
	buf[0] = FrameMagic
	buf[1] = byte(r.Format)
	if r.DTR {
		buf[2] |= flagDTR
	}
	buf[3] = r.Instr
	buf[4] = byte(r.AddressSize)
	binary.LittleEndian.PutUint32(buf[5:9], r.Address)
	buf[9] = byte(r.Dummy)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(r.Out)))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(r.InLen))
	return append(buf, r.Out...), nil
}

// ReadRequest reads one request frame. It returns io.EOF when the stream ends
// cleanly between frames.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [RequestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	if hdr[0] != FrameMagic {
		return nil, fmt.Errorf("%w: magic 0x%02X", ErrBadFrame, hdr[0])
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	req := &Request{
		Format:      Format(hdr[1]),
		DTR:         hdr[2]&flagDTR != 0,
		Instr:       hdr[3],
		AddressSize: int(hdr[4]),
		Address:     binary.LittleEndian.Uint32(hdr[5:9]),
		Dummy:       int(hdr[9]),
		InLen:       int(binary.LittleEndian.Uint16(hdr[12:14])),
	}
	if n := int(binary.LittleEndian.Uint16(hdr[10:12])); n > 0 {
		req.Out = make([]byte, n)
		if _, err := io.ReadFull(r, req.Out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// WriteResponse writes a response frame. in is only sent when status is StatusOK.
func WriteResponse(w io.Writer, status byte, in []byte) error {
	buf := make([]byte, 1, 1+len(in))
	buf[0] = status
	if status == StatusOK {
		buf = append(buf, in...)
	}
	_, err := w.Write(buf)
	return err
}

// ReadResponse reads a response frame into in.
func ReadResponse(r io.Reader, in []byte) error {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return fmt.Errorf("bus: read response: %w", err)
	}
	switch status[0] {
	case StatusOK:
	case StatusBadFrame:
		return fmt.Errorf("%w: rejected by bridge", ErrBadFrame)
	default:
		return fmt.Errorf("%w: bridge status 0x%02X", ErrLink, status[0])
	}
	if _, err := io.ReadFull(r, in); err != nil {
		return fmt.Errorf("bus: read response data: %w", err)
	}
	return nil
}

// Serve answers request frames on rw by dispatching them to t, until the stream
// ends. A clean end of stream returns nil.
func Serve(rw io.ReadWriter, t Transport) error {
	for {
		req, err := ReadRequest(rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, ErrBadFrame) || errors.Is(err, ErrInvalidFormat) ||
				errors.Is(err, ErrInvalidAddressSize) || errors.Is(err, ErrFrameTooLarge) {
				// The stream is out of step; report once and stop.
				_ = WriteResponse(rw, StatusBadFrame, nil)
			}
			return err
		}

		in, err := req.Dispatch(t)
		status := StatusOK
		if err != nil {
			status = StatusLink
		}
		if err := WriteResponse(rw, status, in); err != nil {
			return err
		}
	}
}
