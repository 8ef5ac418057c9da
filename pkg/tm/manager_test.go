package tm

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/counter"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/sim"
	"github.com/google/go-cmp/cmp"
)

func newConnected(t *testing.T, config Config) *Manager {
	t.Helper()
	m, err := NewManager(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}
	return m
}

// scripted answers status reads from a fixed sequence and records every call.
type scripted struct {
	ssrs  []protocol.SSR
	calls []call
}

type call struct {
	Format bus.Format
	Instr  byte
	CTAG   protocol.CTAG
}

func (s *scripted) Exchange(f bus.Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	c := call{Format: f, Instr: instr}
	if instr == protocol.InstrSecureCommand {
		c.CTAG = protocol.ParseCTAG(out)
	}
	s.calls = append(s.calls, c)
	if instr == protocol.InstrSecureStatus {
		ssr := protocol.SSRSesReady.WithState(protocol.DeviceStateWorking)
		if len(s.ssrs) > 0 {
			ssr, s.ssrs = s.ssrs[0], s.ssrs[1:]
		}
		binary.LittleEndian.PutUint32(in, uint32(ssr))
	}
	return nil
}

func TestConnectState(t *testing.T) {
	m, err := NewManager(Config{Transport: sim.New(sim.Config{})})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Secure() before Connect error = %v", err)
	}
	if err := m.Standard(StandardCommand{Instr: protocol.InstrReadJEDEC}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Standard() before Connect error = %v", err)
	}
	if err := m.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Disconnect() error = %v", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() error = %v", err)
	}
	if err := m.Disconnect(); err != nil || m.Connected() {
		t.Errorf("Disconnect() = %v, connected = %v", err, m.Connected())
	}

	if _, err := NewManager(Config{}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("NewManager() without transport error = %v", err)
	}
	if _, err := NewManager(Config{Transport: &scripted{}, Format: bus.Format(99)}); !errors.Is(err, bus.ErrInvalidFormat) {
		t.Errorf("NewManager() with bad format error = %v", err)
	}
}

func TestSecureGetMC(t *testing.T) {
	dev := sim.New(sim.Config{Counter: counter.Value{TC: 0x42, DMC: 3}, BusyPolls: 3})
	m := newConnected(t, Config{Transport: dev})

	var ssr protocol.SSR
	resp := make([]byte, protocol.MCSize)
	if err := m.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, resp, &ssr); err != nil {
		t.Fatal(err)
	}
	if ssr.HasError() || ssr.Busy() {
		t.Fatalf("SSR = %s", ssr)
	}
	v, err := counter.Parse(resp)
	if err != nil || v != (counter.Value{TC: 0x42, DMC: 3}) {
		t.Errorf("MC = %+v, %v", v, err)
	}
}

func TestBusyLimit(t *testing.T) {
	dev := sim.New(sim.Config{})
	dev.SetStuckBusy(true)
	m := newConnected(t, Config{Transport: dev, BusyPollLimit: 5})

	var ssr protocol.SSR
	if err := m.Secure(protocol.MakeCTAG(protocol.OpCalcSig, 0, 0), nil, nil, &ssr); err != nil {
		t.Fatal(err)
	}
	if !ssr.Busy() {
		t.Errorf("SSR = %s, want BUSY after poll limit", ssr)
	}

	addr := uint32(0)
	err := m.Standard(StandardCommand{Instr: protocol.InstrSectorErase, WriteEnable: true, Address: &addr, WaitBusy: true})
	if !errors.Is(err, ErrBusyTimeout) {
		t.Errorf("Standard() error = %v, want ErrBusyTimeout", err)
	}
}

func TestConnectivity(t *testing.T) {
	for _, mode := range []sim.UnplugMode{sim.UnplugLow, sim.UnplugHigh} {
		dev := sim.New(sim.Config{})
		dev.Unplug(mode)
		m := newConnected(t, Config{Transport: dev})
		var ssr protocol.SSR
		err := m.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, nil, &ssr)
		if !errors.Is(err, ErrConnectivity) {
			t.Errorf("mode %d: error = %v, want ErrConnectivity", mode, err)
		}
	}

	dev := sim.New(sim.Config{})
	dev.SetLinkDown(true)
	m := newConnected(t, Config{Transport: dev})
	err := m.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, nil, nil)
	if !errors.Is(err, ErrLink) || !errors.Is(err, sim.ErrLinkDown) {
		t.Errorf("error = %v, want ErrLink wrapping sim.ErrLinkDown", err)
	}
}

func TestMissingResponse(t *testing.T) {
	tests := []struct {
		name string
		op   protocol.Opcode
	}{
		{"GET_MC", protocol.OpGetMC},
		{"CALC_SIG", protocol.OpCalcSig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newConnected(t, Config{Transport: &scripted{}, BusyPollLimit: 4})

			var ssr protocol.SSR
			resp := make([]byte, 8)
			if err := m.Secure(protocol.MakeCTAG(tt.op, 0, 0), nil, resp, &ssr); err != nil {
				t.Fatal(err)
			}
			if ssr&protocol.SSRErr == 0 {
				t.Errorf("SSR = %s, want synthetic ERR", ssr)
			}
		})
	}
}

func TestCalcSigPollsForResponse(t *testing.T) {
	ready := protocol.SSRSesReady.WithState(protocol.DeviceStateWorking)
	s := &scripted{ssrs: []protocol.SSR{
		ready | protocol.SSRBusy,
		ready,
		ready,
		ready,
		ready | protocol.SSRRespReady,
	}}
	m := newConnected(t, Config{Transport: s})

	var ssr protocol.SSR
	if err := m.Secure(protocol.MakeCTAG(protocol.OpCalcSig, 0, 0), nil, make([]byte, 16), &ssr); err != nil {
		t.Fatal(err)
	}
	if ssr.HasError() || !ssr.ResponseReady() {
		t.Fatalf("SSR = %s", ssr)
	}
	last := s.calls[len(s.calls)-1]
	if last.Instr != protocol.InstrSecureResponse {
		t.Errorf("last instruction = 0x%02X, want OP2", last.Instr)
	}
}

func TestSetSCRChain(t *testing.T) {
	s := &scripted{}
	m := newConnected(t, Config{Transport: s})

	ctag := protocol.MakeCTAG(protocol.OpSetSCR, 5, protocol.SCRFlagChainInitPA|protocol.SCRFlagChainReset)
	var ssr protocol.SSR
	if err := m.Secure(ctag, make([]byte, 24), nil, &ssr); err != nil {
		t.Fatal(err)
	}

	var got []call
	for _, c := range s.calls {
		if c.Instr != protocol.InstrSecureStatus {
			got = append(got, c)
		}
	}
	want := []call{
		{Format: bus.FormatSPI, Instr: protocol.InstrSecureCommand, CTAG: protocol.MakeCTAG(protocol.OpSetSCR, 5, 0)},
		{Format: bus.FormatSPI, Instr: protocol.InstrSecureCommand, CTAG: protocol.MakeCTAG(protocol.OpInitPA, 5, 0)},
		{Format: bus.FormatSPI, Instr: protocol.InstrResetEnable},
		{Format: bus.FormatSPI, Instr: protocol.InstrReset},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSetSCRChainSkippedOnError(t *testing.T) {
	fail := protocol.SSRErr | protocol.SSRAuthErr
	s := &scripted{ssrs: []protocol.SSR{fail}}
	m := newConnected(t, Config{Transport: s})

	var ssr protocol.SSR
	ctag := protocol.MakeCTAG(protocol.OpSetSCR, 1, protocol.SCRFlagChainReset)
	if err := m.Secure(ctag, nil, nil, &ssr); err != nil {
		t.Fatal(err)
	}
	if ssr != fail {
		t.Errorf("SSR = %s", ssr)
	}
	for _, c := range s.calls {
		if c.Instr == protocol.InstrReset {
			t.Error("reset chained after a failed SET_SCR")
		}
	}
}

func TestQPISwitch(t *testing.T) {
	s := &scripted{}
	m := newConnected(t, Config{Transport: s, Format: bus.FormatQPI, SwitchQPI: true})

	if err := m.Secure(protocol.MakeCTAG(protocol.OpSetGMT, 0, 0), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Secure(protocol.MakeCTAG(protocol.OpAWDTTouch, 0, 0), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	want := []call{
		{Format: bus.FormatQPI, Instr: protocol.InstrExitQPI},
		{Format: bus.FormatSPI, Instr: protocol.InstrSecureCommand, CTAG: protocol.MakeCTAG(protocol.OpSetGMT, 0, 0)},
		{Format: bus.FormatSPI, Instr: protocol.InstrEnterQPI},
		{Format: bus.FormatQPI, Instr: protocol.InstrSecureCommand, CTAG: protocol.MakeCTAG(protocol.OpAWDTTouch, 0, 0)},
	}
	if diff := cmp.Diff(want, s.calls); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSwitchFormatWithSimulator(t *testing.T) {
	dev := sim.New(sim.Config{})
	m := newConnected(t, Config{Transport: dev})

	if err := m.SwitchFormat(bus.FormatQPI); err != nil {
		t.Fatal(err)
	}
	if !dev.QPI() || m.Format() != bus.FormatQPI {
		t.Fatal("device not in QPI mode")
	}
	jedec := make([]byte, protocol.JEDECIDSize)
	if err := m.Standard(StandardCommand{Instr: protocol.InstrReadJEDEC, Read: jedec}); err != nil {
		t.Fatal(err)
	}
	if jedec[0] != sim.DefaultJEDECID[0] {
		t.Errorf("JEDEC in QPI = %x", jedec)
	}
	if err := m.SwitchFormat(bus.FormatSPI); err != nil {
		t.Fatal(err)
	}
	if dev.QPI() {
		t.Error("device still in QPI mode")
	}
}

func TestContinuation(t *testing.T) {
	dev := sim.New(sim.Config{Counter: counter.Value{TC: 0x99}})
	m := newConnected(t, Config{Transport: dev})

	if err := m.Secure(protocol.MakeCTAG(protocol.OpGetMC, 0, 0), nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	var ssr protocol.SSR
	resp := make([]byte, protocol.MCSize)
	if err := m.Secure(0, nil, resp, &ssr); err != nil {
		t.Fatal(err)
	}
	if v, _ := counter.Parse(resp); v.TC != 0x99 {
		t.Errorf("continued response TC = 0x%X", v.TC)
	}
	if n := len(dev.Commands()); n != 1 {
		t.Errorf("commands sent = %d, want 1", n)
	}
}
