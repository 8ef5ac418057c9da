package bus

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recorder is a Transport that records requests and answers with a pattern.
type recorder struct {
	last Request
	fail bool
}

func (r *recorder) Exchange(f Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	r.last = Request{
		Format:      f,
		DTR:         dtr,
		Instr:       instr,
		Address:     addr,
		AddressSize: addrSize,
		Out:         append([]byte(nil), out...),
		Dummy:       dummy,
		InLen:       len(in),
	}
	if r.fail {
		return errors.New("wire fault")
	}
	for i := range in {
		in[i] = instr + byte(i)
	}
	return nil
}

func TestRequestRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"status read", Request{Format: FormatSPI, Instr: 0x2F, Dummy: 8, InLen: 4}},
		{"command write", Request{Format: FormatQPI, DTR: true, Instr: 0x2A, Out: []byte{1, 2, 3, 4, 5}}},
		{"addressed read", Request{Format: FormatQuadIO, Instr: 0x03, Address: 0x123456, AddressSize: 3, InLen: 256}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeRequest(&tt.req)
			if err != nil {
				t.Fatal(err)
			}
			if frame[0] != FrameMagic || len(frame) != RequestHeaderSize+len(tt.req.Out) {
				t.Fatalf("bad frame header: %x", frame)
			}
			got, err := ReadRequest(bytes.NewReader(frame))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.req, *got); diff != "" {
				t.Errorf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"format", Request{Format: Format(9)}, ErrInvalidFormat},
		{"address size", Request{AddressSize: 2}, ErrInvalidAddressSize},
		{"too large", Request{InLen: MaxPayload + 1}, ErrFrameTooLarge},
		{"dummy", Request{Dummy: 300}, ErrBadFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeRequest(&tt.req); !errors.Is(err, tt.want) {
				t.Errorf("EncodeRequest() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadRequestBadMagic(t *testing.T) {
	if _, err := ReadRequest(bytes.NewReader([]byte{0x00})); !errors.Is(err, ErrBadFrame) {
		t.Errorf("ReadRequest() error = %v, want ErrBadFrame", err)
	}
}

func TestResponseStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, StatusLink, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 1 {
		t.Fatalf("failed response carries data: %x", buf.Bytes())
	}
	if err := ReadResponse(&buf, make([]byte, 2)); !errors.Is(err, ErrLink) {
		t.Errorf("ReadResponse() error = %v, want ErrLink", err)
	}
}

func TestStreamTransportServe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	rec := &recorder{}
	done := make(chan error, 1)
	go func() { done <- Serve(server, rec) }()

	tr := NewStreamTransport(client)
	in := make([]byte, 4)
	if err := tr.Exchange(FormatQuad, false, 0x4B, 0, 0, nil, 32, in); err != nil {
		t.Fatalf("Exchange() error: %v", err)
	}
	if !bytes.Equal(in, []byte{0x4B, 0x4C, 0x4D, 0x4E}) {
		t.Errorf("in = %x", in)
	}
	if rec.last.Dummy != 32 || rec.last.Format != FormatQuad {
		t.Errorf("served request = %+v", rec.last)
	}

	rec.fail = true
	if err := tr.Exchange(FormatSPI, false, 0x2F, 0, 0, nil, 8, in); !errors.Is(err, ErrLink) {
		t.Errorf("Exchange() on failing link error = %v, want ErrLink", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Exchange(FormatSPI, false, 0x2F, 0, 0, nil, 8, in); !errors.Is(err, ErrClosed) {
		t.Errorf("Exchange() after Close error = %v, want ErrClosed", err)
	}
	server.Close()
	<-done
}

func TestParseFormat(t *testing.T) {
	for f := FormatSPI; f <= FormatQPI; f++ {
		got, ok := ParseFormat(f.String())
		if !ok || got != f {
			t.Errorf("ParseFormat(%q) = %v, %v", f.String(), got, ok)
		}
	}
	if _, ok := ParseFormat("Octal"); ok {
		t.Error("ParseFormat(Octal) succeeded")
	}
}
