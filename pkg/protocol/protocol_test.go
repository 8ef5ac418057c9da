package protocol

import "testing"

func TestCTAGFields(t *testing.T) {
	c := MakeCTAG(OpSessionOpen, uint8(KIDFull(3)), OpenFlagIncludeWID|OpenFlagClose)
	if c.Opcode() != OpSessionOpen {
		t.Errorf("Opcode() = %v, want %v", c.Opcode(), OpSessionOpen)
	}
	if KID(c.Param()) != KIDFull(3) {
		t.Errorf("Param() = 0x%02X, want 0x%02X", c.Param(), uint8(KIDFull(3)))
	}
	if c.Flags() != OpenFlagIncludeWID|OpenFlagClose {
		t.Errorf("Flags() = 0x%04X", c.Flags())
	}
	b := c.Bytes()
	if ParseCTAG(b[:]) != c {
		t.Errorf("ParseCTAG(Bytes()) = 0x%08X, want 0x%08X", uint32(ParseCTAG(b[:])), uint32(c))
	}
	if b[0] != byte(OpSessionOpen) {
		t.Errorf("wire byte 0 = 0x%02X, want opcode", b[0])
	}
}

func TestAddressCTAG(t *testing.T) {
	c := MakeAddressCTAG(OpSARD, 0x1234567)
	if c.Address() != 0x234567 {
		t.Errorf("Address() = 0x%06X, want 0x234567", c.Address())
	}
	c = c.WithAddress(0xABCDEF)
	if c.Address() != 0xABCDEF || c.Opcode() != OpSARD {
		t.Errorf("WithAddress() = 0x%08X", uint32(c))
	}
}

func TestCTAGWithoutFlags(t *testing.T) {
	c := MakeCTAG(OpSetSCR, 2, SCRFlagChainInitPA|SCRFlagChainReset|0x1)
	c = c.WithoutFlags(SCRChainFlags)
	if c.Flags() != 0x1 {
		t.Errorf("Flags() = 0x%04X, want 0x0001", c.Flags())
	}
	if c.Param() != 2 || c.Opcode() != OpSetSCR {
		t.Errorf("unexpected CTAG 0x%08X", uint32(c))
	}
}

func TestSwizzleAddressInvolution(t *testing.T) {
	for _, addr := range []uint32{0, 0x000001, 0x123456, 0xFFFFFF, 0x800020} {
		if got := SwizzleAddress(SwizzleAddress(addr)); got != addr {
			t.Errorf("Swizzle(Swizzle(0x%06X)) = 0x%06X", addr, got)
		}
	}
	if got := SwizzleAddress(0x123456); got != 0x563412 {
		t.Errorf("SwizzleAddress(0x123456) = 0x%06X, want 0x563412", got)
	}
}

func TestSSRFields(t *testing.T) {
	s := SSR(0).WithState(DeviceStateWorking).WithKID(KIDRestricted(5)) | SSRSesReady | SSRRespReady
	if s.State() != DeviceStateWorking {
		t.Errorf("State() = %v", s.State())
	}
	if s.KID() != KIDRestricted(5) {
		t.Errorf("KID() = %v", s.KID())
	}
	if !s.SessionReady() || !s.ResponseReady() || s.Busy() || s.HasError() {
		t.Errorf("unexpected flags in %v", s)
	}
	if s.Dead() {
		t.Error("live SSR reported dead")
	}
	if !SSR(0).Dead() || !SSR(0xFFFFFFFF).Dead() {
		t.Error("all-zeros/all-ones SSR must be dead")
	}
	b := s.Bytes()
	if ParseSSR(b[:]) != s {
		t.Error("ParseSSR(Bytes()) mismatch")
	}
}

func TestKIDValidity(t *testing.T) {
	tests := []struct {
		kid     KID
		valid   bool
		section bool
	}{
		{KIDFull(0), true, true},
		{KIDRestricted(7), true, true},
		{KIDFull(8), false, false},
		{KIDProvisioning, true, false},
		{KIDDeviceMaster, true, false},
		{KIDInvalid, false, false},
		{KID(0x21), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.kid.String(), func(t *testing.T) {
			if tt.kid.IsValid() != tt.valid {
				t.Errorf("IsValid() = %v, want %v", tt.kid.IsValid(), tt.valid)
			}
			if tt.kid.IsSectionKey() != tt.section {
				t.Errorf("IsSectionKey() = %v, want %v", tt.kid.IsSectionKey(), tt.section)
			}
		})
	}
}

func TestDataTypeSizes(t *testing.T) {
	for d := DataWID; d < dataTypeCount; d++ {
		if d.Size() == 0 || d.Size() > MaxSignedDataSize {
			t.Errorf("%v.Size() = %d", d, d.Size())
		}
	}
	if DataType(0x7F).IsValid() {
		t.Error("unknown data type reported valid")
	}
}

func TestEraseTypeOpcodes(t *testing.T) {
	for e := EraseSector4K; e <= EraseChip; e++ {
		op, ok := e.Opcode()
		if !ok {
			t.Fatalf("%v has no opcode", e)
		}
		wantAddr := e <= EraseBlock64K
		if op.HasAddress() != wantAddr {
			t.Errorf("%v HasAddress() = %v, want %v", op, op.HasAddress(), wantAddr)
		}
	}
	if _, ok := EraseType(42).Opcode(); ok {
		t.Error("unknown erase type mapped to an opcode")
	}
}

func TestSCREncoding(t *testing.T) {
	scr := SCR{Policy: SCRPolicyPlainRead | SCRPolicyIntegrityCheck, CRC: 0xCAFEBABE}
	b := scr.Bytes()
	if got := ParseSCR(b[:]); got != scr {
		t.Errorf("ParseSCR(Bytes()) = %v, want %v", got, scr)
	}
	for _, r := range b[8:] {
		if r != 0 {
			t.Fatalf("reserved bytes not zero: %x", b)
		}
	}
	if !scr.PlainRead() || scr.PlainWrite() || !scr.IntegrityCheck() {
		t.Errorf("policy accessors wrong for %v", scr)
	}
}
