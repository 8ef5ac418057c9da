package sim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/protocol"
)

var testKey = crypto.Key{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E, 0x1F}

func readSSR(t *testing.T, d *Device) protocol.SSR {
	t.Helper()
	in := make([]byte, protocol.SSRSize)
	if err := d.Exchange(bus.FormatSPI, false, protocol.InstrSecureStatus, 0, 0, nil, protocol.DummyCyclesOP0, in); err != nil {
		t.Fatal(err)
	}
	return protocol.ParseSSR(in)
}

func send(t *testing.T, d *Device, out []byte) {
	t.Helper()
	if err := d.Exchange(bus.FormatSPI, false, protocol.InstrSecureCommand, 0, 0, out, 0, nil); err != nil {
		t.Fatal(err)
	}
}

func response(t *testing.T, d *Device, n int) []byte {
	t.Helper()
	in := make([]byte, n)
	if err := d.Exchange(bus.FormatSPI, false, protocol.InstrSecureResponse, 0, 0, nil, protocol.DummyCyclesOP2, in); err != nil {
		t.Fatal(err)
	}
	return in
}

// open opens a session with kid and returns the session key.
func open(t *testing.T, d *Device, kid protocol.KID, key crypto.Key) crypto.Key {
	t.Helper()
	mc := d.Counter()
	ctag := protocol.MakeCTAG(protocol.OpSessionOpen, uint8(kid), 0)
	nonce := uint64(0x0102030405060708)
	sk, sig := crypto.SessionKeyAndSignature(key, crypto.OpenParams{
		CTAG: uint32(ctag), TC: mc.TC + 1, DMC: mc.DMC, Nonce: nonce,
	})
	out := ctag.AppendTo(nil)
	out = binary.LittleEndian.AppendUint64(out, nonce)
	out = append(out, sig[:]...)
	send(t, d, out)
	return sk
}

func TestGetMC(t *testing.T) {
	d := New(Config{Counter: counter.Value{TC: 0x1234, DMC: 7}})
	send(t, d, protocol.MakeCTAG(protocol.OpGetMC, 0, 0).AppendTo(nil))

	ssr := readSSR(t, d)
	if ssr.HasError() || !ssr.ResponseReady() {
		t.Fatalf("SSR = %s", ssr)
	}
	v, err := counter.Parse(response(t, d, protocol.MCSize))
	if err != nil {
		t.Fatal(err)
	}
	if v.TC != 0x1234 || v.DMC != 7 {
		t.Errorf("GET_MC = %+v", v)
	}
	if d.Counter().TC != 0x1234 {
		t.Error("GET_MC consumed a counter value")
	}
}

func TestSessionOpen(t *testing.T) {
	d := New(Config{})
	kid := protocol.KIDFull(2)
	d.Provision(kid, testKey)

	open(t, d, kid, testKey)
	ssr := readSSR(t, d)
	if ssr.HasError() || !ssr.SessionReady() || ssr.KID() != kid {
		t.Fatalf("SSR after open = %s", ssr)
	}
	if d.Counter().TC != counter.TCMin+1 {
		t.Errorf("TC = 0x%X, want 0x%X", d.Counter().TC, counter.TCMin+1)
	}

	send(t, d, protocol.MakeCTAG(protocol.OpSessionOpen, uint8(kid), protocol.OpenFlagClose).AppendTo(nil))
	if ssr := readSSR(t, d); ssr.SessionReady() || ssr.KID() != protocol.KIDInvalid {
		t.Errorf("SSR after close = %s", ssr)
	}
}

func TestSessionOpenFailures(t *testing.T) {
	tests := []struct {
		name string
		prov bool
		key  crypto.Key
		want protocol.SSR
	}{
		{"missing key", false, testKey, protocol.SSRSesErr},
		{"wrong key", true, crypto.Key{1}, protocol.SSRAuthErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Config{})
			if tt.prov {
				d.Provision(protocol.KIDDeviceMaster, testKey)
			}
			open(t, d, protocol.KIDDeviceMaster, tt.key)
			ssr := readSSR(t, d)
			if ssr&tt.want == 0 || ssr&protocol.SSRErr == 0 || ssr.SessionReady() {
				t.Errorf("SSR = %s, want %s", ssr, tt.want)
			}
		})
	}
}

func TestSessionOpenIntegrity(t *testing.T) {
	for _, kid := range []protocol.KID{protocol.KIDFull(1), protocol.KIDRestricted(1)} {
		t.Run(kid.String(), func(t *testing.T) {
			d := New(Config{})
			d.Provision(kid, testKey)
			d.SetSectionConfig(1, protocol.SCR{Policy: protocol.SCRPolicyIntegrityCheck, CRC: 0xDEADBEEF})

			open(t, d, kid, testKey)
			ssr := readSSR(t, d)
			if ssr&protocol.SSRIntgErr == 0 {
				t.Fatalf("SSR = %s, want INTG_ERR", ssr)
			}
			wantOpen := kid.Type() == protocol.KeyTypeFull
			if ssr.SessionReady() != wantOpen {
				t.Errorf("SES_READY = %v, want %v", ssr.SessionReady(), wantOpen)
			}
		})
	}
}

func TestSecureReadRoundtrip(t *testing.T) {
	d := New(Config{})
	kid := protocol.KIDRestricted(0)
	d.Provision(kid, testKey)
	page := bytes.Repeat([]byte{0x5A}, protocol.PageSize)
	d.WriteRaw(0x40, page)

	sk := open(t, d, kid, testKey)
	tc := d.Counter().TC + 1
	ssk := crypto.SaltKey(sk, tc)
	cipher := crypto.CipherKey(ssk, uint8(kid), crypto.DirectionRead)
	addr := uint32(0x40 | 0x13)
	ctag := protocol.MakeAddressCTAG(protocol.OpSARD, crypto.EncryptAddress(addr, crypto.AddressMask(cipher)))
	send(t, d, ctag.AppendTo(nil))

	if ssr := readSSR(t, d); ssr.HasError() || !ssr.ResponseReady() {
		t.Fatalf("SSR = %s", ssr)
	}
	resp := response(t, d, protocol.PrevTCSize+protocol.PageSize+protocol.SignatureSize)
	if prev := binary.LittleEndian.Uint32(resp); prev != tc-1 {
		t.Errorf("echo = 0x%X, want 0x%X", prev, tc-1)
	}
	data := append([]byte(nil), resp[protocol.PrevTCSize:protocol.PrevTCSize+protocol.PageSize]...)
	if err := crypto.CryptData(data, cipher); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, page) {
		t.Errorf("data = %x", data)
	}
	want, _ := crypto.AuthSignature(ssk, uint8(kid), uint32(protocol.MakeAddressCTAG(protocol.OpSARD, 0x40)), page)
	if !bytes.Equal(resp[protocol.PrevTCSize+protocol.PageSize:], want[:]) {
		t.Error("signature mismatch")
	}
}

func TestPrivilege(t *testing.T) {
	d := New(Config{})
	kid := protocol.KIDRestricted(3)
	d.Provision(kid, testKey)
	sk := open(t, d, kid, testKey)

	// A restricted key cannot erase its section.
	ctag := protocol.MakeCTAG(protocol.OpSEraseSect, 3, 0)
	ssk := crypto.SaltKey(sk, d.Counter().TC+1)
	sig, _ := crypto.AuthSignature(ssk, uint8(kid), uint32(ctag), nil)
	send(t, d, append(ctag.AppendTo(nil), sig[:]...))
	if ssr := readSSR(t, d); ssr&protocol.SSRPrivErr == 0 {
		t.Errorf("SSR = %s, want PRIV_ERR", ssr)
	}
}

func TestNoSession(t *testing.T) {
	d := New(Config{})
	send(t, d, protocol.MakeCTAG(protocol.OpCalcSig, uint8(protocol.DataWID), 0).AppendTo(nil))
	if ssr := readSSR(t, d); ssr&protocol.SSRSesErr == 0 {
		t.Errorf("SSR = %s, want SES_ERR", ssr)
	}
}

func TestBusyTiming(t *testing.T) {
	d := New(Config{BusyPolls: 2})
	send(t, d, protocol.MakeCTAG(protocol.OpGetMC, 0, 0).AppendTo(nil))
	for i := 0; i < 2; i++ {
		if ssr := readSSR(t, d); !ssr.Busy() || ssr.ResponseReady() {
			t.Fatalf("poll %d: SSR = %s, want BUSY", i, ssr)
		}
	}
	if ssr := readSSR(t, d); ssr.Busy() || !ssr.ResponseReady() {
		t.Errorf("SSR = %s, want ready", ssr)
	}
}

func TestStandardCommands(t *testing.T) {
	d := New(Config{WID: [protocol.WIDSize]byte{1, 2, 3, 4, 5, 6, 7, 8}})

	jedec := make([]byte, protocol.JEDECIDSize)
	d.Exchange(bus.FormatSPI, false, protocol.InstrReadJEDEC, 0, 0, nil, 0, jedec)
	if !bytes.Equal(jedec, DefaultJEDECID[:]) {
		t.Errorf("JEDEC = %x", jedec)
	}

	wid := make([]byte, protocol.WIDSize)
	d.Exchange(bus.FormatSPI, false, protocol.InstrReadUID, 0, 0, nil, 8, wid)
	if !bytes.Equal(wid, bytes.Repeat([]byte{0xFF}, protocol.WIDSize)) {
		t.Errorf("UID with wrong dummy cycles = %x", wid)
	}
	d.Exchange(bus.FormatSPI, false, protocol.InstrReadUID, 0, 0, nil, protocol.DummyCyclesUID, wid)
	if wid[0] != 1 || wid[7] != 8 {
		t.Errorf("UID = %x", wid)
	}

	d.Exchange(bus.FormatSPI, false, protocol.InstrEnterQPI, 0, 0, nil, 0, nil)
	if !d.QPI() {
		t.Fatal("not in QPI mode")
	}
	d.Exchange(bus.FormatSPI, false, protocol.InstrReadJEDEC, 0, 0, nil, 0, jedec)
	if jedec[0] != 0xFF {
		t.Error("SPI instruction decoded in QPI mode")
	}
	d.Exchange(bus.FormatQPI, false, protocol.InstrExitQPI, 0, 0, nil, 0, nil)
	if d.QPI() {
		t.Error("still in QPI mode")
	}
}

func TestPlainAccess(t *testing.T) {
	d := New(Config{})
	d.WriteRaw(protocol.SectionSize, []byte{0xAB, 0xCD})
	d.SetSectionConfig(1, protocol.SCR{Policy: protocol.SCRPolicyPlainRead})

	read := func() []byte {
		in := make([]byte, 2)
		d.Exchange(bus.FormatSPI, false, protocol.InstrRead, protocol.SectionSize, 3, nil, 0, in)
		return in
	}
	if got := read(); !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("read without PA = %x", got)
	}

	kid := protocol.KIDFull(1)
	d.Provision(kid, testKey)
	open(t, d, kid, testKey)
	send(t, d, protocol.MakeCTAG(protocol.OpInitPA, 1, 0).AppendTo(nil))
	if ssr := readSSR(t, d); ssr.HasError() || ssr.SessionReady() {
		t.Fatalf("SSR after INIT_PA = %s", ssr)
	}
	if got := read(); !bytes.Equal(got, []byte{0xAB, 0xCD}) {
		t.Errorf("read with PA = %x", got)
	}

	// Program is refused: the policy does not allow plain writes.
	d.Exchange(bus.FormatSPI, false, protocol.InstrWriteEnable, 0, 0, nil, 0, nil)
	d.Exchange(bus.FormatSPI, false, protocol.InstrPageProgram, protocol.SectionSize, 3, []byte{0, 0}, 0, nil)
	if got := read(); !bytes.Equal(got, []byte{0xAB, 0xCD}) {
		t.Errorf("read after refused program = %x", got)
	}

	d.Exchange(bus.FormatSPI, false, protocol.InstrResetEnable, 0, 0, nil, 0, nil)
	d.Exchange(bus.FormatSPI, false, protocol.InstrReset, 0, 0, nil, 0, nil)
	if d.PlainAccess(1) {
		t.Error("plain access survived reset")
	}
}

func TestFaults(t *testing.T) {
	d := New(Config{})
	d.InjectErrors(protocol.SSRFlashErr, 1)
	before := d.Counter().TC
	send(t, d, protocol.MakeCTAG(protocol.OpCalcSig, 0, 0).AppendTo(nil))
	if ssr := readSSR(t, d); ssr&(protocol.SSRFlashErr|protocol.SSRErr) != protocol.SSRFlashErr|protocol.SSRErr {
		t.Errorf("SSR = %s, want FLASH_ERR", ssr)
	}
	if d.Counter().TC != before+1 {
		t.Error("injected failure did not consume a counter value")
	}

	d.Unplug(UnplugHigh)
	if ssr := readSSR(t, d); !ssr.Dead() {
		t.Errorf("unplugged SSR = %s", ssr)
	}
	d.Unplug(Plugged)

	d.SetLinkDown(true)
	err := d.Exchange(bus.FormatSPI, false, protocol.InstrSecureStatus, 0, 0, nil, protocol.DummyCyclesOP0, make([]byte, 4))
	if !errors.Is(err, ErrLinkDown) {
		t.Errorf("Exchange() error = %v, want ErrLinkDown", err)
	}
}

func TestSectionCRC(t *testing.T) {
	d := New(Config{})
	erased := d.SectionCRC(4)
	d.WriteRaw(4*protocol.SectionSize+100, []byte{0})
	if d.SectionCRC(4) == erased {
		t.Error("CRC unchanged after write")
	}
	if d.SectionCRC(5) != erased {
		t.Error("CRC of untouched section differs")
	}
	want, err := crypto.CalcCRCWithPadding(nil, 0xFF, protocol.SectionSize)
	if err != nil {
		t.Fatal(err)
	}
	if erased != want {
		t.Errorf("erased CRC = 0x%08X, want 0x%08X", erased, want)
	}
}
