package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/google/go-cmp/cmp"
)

func newTestResolver(t *testing.T, mock *MockMDNSResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{MDNSResolver: mock, BrowseTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBrowse(t *testing.T) {
	mock := NewMockMDNSResolver()
	mock.RegisterService(ServiceBridge, MockBridgeService("bench-a", 7070, net.IPv4(10, 0, 0, 2),
		BridgeTXT{Format: bus.FormatQPI, JEDEC: "EF7018", Version: FrameVersion}))
	mock.RegisterService(ServiceBridge, MockBridgeService("bench-b", 7071, net.ParseIP("fd00::2"),
		BridgeTXT{Format: bus.FormatSPI, Version: FrameVersion}))
	mock.RegisterService("_other._tcp", MockBridgeService("noise", 1, net.IPv4(1, 1, 1, 1), BridgeTXT{}))

	var found []Bridge
	for b := range newTestResolver(t, mock).Browse(context.Background()) {
		found = append(found, b)
	}
	if len(found) != 2 {
		t.Fatalf("Browse() found %d bridges, want 2", len(found))
	}

	want := BridgeTXT{Format: bus.FormatQPI, JEDEC: "EF7018", Version: FrameVersion}
	if diff := cmp.Diff(want, found[0].TXT); diff != "" {
		t.Errorf("TXT mismatch (-want +got):\n%s", diff)
	}
	addr, err := found[0].Address()
	if err != nil || addr != "10.0.0.2:7070" {
		t.Errorf("Address() = %q, %v", addr, err)
	}
	addr, err = found[1].Address()
	if err != nil || addr != "[fd00::2]:7071" {
		t.Errorf("IPv6 Address() = %q, %v", addr, err)
	}
}

func TestFirstAndLookup(t *testing.T) {
	mock := NewMockMDNSResolver()
	r := newTestResolver(t, mock)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := r.First(ctx); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("First() on empty network error = %v, want ErrServiceNotFound", err)
	}

	mock.RegisterService(ServiceBridge, MockBridgeService("bench", 7070, net.IPv4(192, 168, 1, 9), BridgeTXT{}))
	b, err := r.First(context.Background())
	if err != nil || b.Instance != "bench" {
		t.Fatalf("First() = %+v, %v", b, err)
	}

	b, err = r.Lookup(context.Background(), "bench")
	if err != nil || b.Port != 7070 {
		t.Fatalf("Lookup() = %+v, %v", b, err)
	}
	if _, err := r.Lookup(context.Background(), "missing"); !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("Lookup(missing) error = %v, want ErrServiceNotFound", err)
	}
	if _, err := r.Lookup(context.Background(), ""); !errors.Is(err, ErrInvalidInstanceName) {
		t.Errorf("Lookup(\"\") error = %v, want ErrInvalidInstanceName", err)
	}
}

func TestSortIPs(t *testing.T) {
	in := []net.IP{net.ParseIP("fe80::1"), net.ParseIP("2001:db8::1"), net.IPv4(10, 1, 1, 1)}
	got := sortIPs(in)
	want := []string{"10.1.1.1", "2001:db8::1", "fe80::1"}
	for i, ip := range got {
		if ip.String() != want[i] {
			t.Errorf("sortIPs()[%d] = %s, want %s", i, ip, want[i])
		}
	}
	if _, err := (&Bridge{}).Address(); !errors.Is(err, ErrNoAddresses) {
		t.Errorf("Address() without IPs error = %v", err)
	}
}

func TestParseBridgeTXT(t *testing.T) {
	got := ParseBridgeTXT([]string{"F=Quad", "V=x", "junk", "M=bench"})
	want := BridgeTXT{Format: bus.FormatQuad, Model: "bench"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseBridgeTXT mismatch (-want +got):\n%s", diff)
	}
}

func TestAdvertiser(t *testing.T) {
	factory := &MockServerFactory{}
	a, err := NewAdvertiser(AdvertiserConfig{Instance: "bench", Port: 7070, ServerFactory: factory})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop() before Start error = %v", err)
	}
	if err := a.Start(BridgeTXT{Format: bus.FormatSPI, Version: FrameVersion}); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(BridgeTXT{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}
	if len(factory.Registered) != 1 {
		t.Fatalf("registrations = %d", len(factory.Registered))
	}
	reg := factory.Registered[0]
	if reg.Service != ServiceBridge || reg.Port != 7070 || !reg.Active() {
		t.Errorf("registration = %+v", reg)
	}
	if ParseBridgeTXT(reg.TXT).Version != FrameVersion {
		t.Errorf("TXT = %v", reg.TXT)
	}

	a.Close()
	if reg.Active() {
		t.Error("registration still active after Close")
	}
	if err := a.Start(BridgeTXT{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close error = %v", err)
	}

	if _, err := NewAdvertiser(AdvertiserConfig{Instance: "x"}); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("NewAdvertiser(no port) error = %v", err)
	}
}
