package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/google/go-cmp/cmp"
)

// writeConfig stores a simulator configuration with a Full(0) key and an
// image of the first section.
func writeConfig(t *testing.T, image []byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "flash.bin"), image, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := `
transport:
  kind: sim
keys:
  - kid: Full(0)
    hex: "000102030405060708090A0B0C0D0E0F"
sim:
  wid: "1122334455667788"
  image: flash.bin
`
	path := filepath.Join(dir, "qlib.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestInfo(t *testing.T) {
	path := writeConfig(t, testImage(protocol.PageSize))

	var out bytes.Buffer
	if err := run(context.Background(), []string{"info", "-config", path, "-kid", "Full(0)"}, &out); err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{
		"WID        1122334455667788",
		"Signed WID 1122334455667788 (match true)",
		"Section 7",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("info output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRead(t *testing.T) {
	image := testImage(4 * protocol.PageSize)
	path := writeConfig(t, image)
	dst := filepath.Join(t.TempDir(), "out.bin")

	for _, auth := range []bool{false, true} {
		t.Run(fmt.Sprintf("auth=%v", auth), func(t *testing.T) {
			args := []string{"read", "-config", path, "-kid", "Full(0)",
				"-addr", "0x20", "-len", "96", "-out", dst}
			if auth {
				args = append(args, "-auth")
			}
			if err := run(context.Background(), args, &bytes.Buffer{}); err != nil {
				t.Fatalf("read: %v", err)
			}
			got, err := os.ReadFile(dst)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(image[0x20:0x20+96], got); diff != "" {
				t.Errorf("read mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteEraseSession(t *testing.T) {
	path := writeConfig(t, nil)
	var out bytes.Buffer

	err := run(context.Background(), []string{"write", "-config", path, "-kid", "Full(0)",
		"-addr", "0x40", "-hex", "0xDEADBEEF"}, &out)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(out.String(), "wrote 1 pages at 0x000040") {
		t.Errorf("write output = %q", out.String())
	}

	out.Reset()
	err = run(context.Background(), []string{"erase", "-config", path, "-kid", "Full(0)",
		"-type", "4k", "-addr", "0x1000"}, &out)
	if err != nil {
		t.Fatalf("erase: %v", err)
	}
	if !strings.Contains(out.String(), "erased 4K at 0x001000") {
		t.Errorf("erase output = %q", out.String())
	}
}

func TestCRC(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "section.bin")
	image := testImage(1000)
	if err := os.WriteFile(in, image, 0o600); err != nil {
		t.Fatal(err)
	}
	want, err := crypto.CalcCRCWithPadding(image, 0xFF, protocol.SectionSize)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), []string{"crc", "-in", in}, &out); err != nil {
		t.Fatalf("crc: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != fmt.Sprintf("CRC 0x%08X", want) {
		t.Errorf("crc output = %q, want CRC 0x%08X", got, want)
	}

	if err := run(context.Background(), []string{"crc", "-in", in, "-section", "8"}, &out); err == nil {
		t.Error("crc accepted section 8")
	}
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no command", nil, errUsage},
		{"unknown command", []string{"format-disk"}, errUsage},
		{"unknown flag", []string{"read", "-bogus"}, errUsage},
		{"help", []string{"erase", "-h"}, flag.ErrHelp},
		{"bad kid", []string{"read", "-kid", "Full(9)"}, errUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(ctx, tt.args, &bytes.Buffer{}); !errors.Is(err, tt.want) {
				t.Errorf("run(%q) error = %v, want %v", tt.args, err, tt.want)
			}
		})
	}

	if err := run(ctx, []string{"read"}, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "-kid") {
		t.Errorf("read without -kid: %v", err)
	}
	if err := run(ctx, []string{"erase", "-kid", "Full(0)", "-type", "8K"}, &bytes.Buffer{}); err == nil {
		t.Error("erase accepted an unknown type")
	}
}

func TestParseEraseType(t *testing.T) {
	for _, typ := range []protocol.EraseType{
		protocol.EraseSector4K, protocol.EraseBlock32K, protocol.EraseBlock64K,
		protocol.EraseSection, protocol.EraseChip,
	} {
		got, err := parseEraseType(strings.ToLower(typ.String()))
		if err != nil || got != typ {
			t.Errorf("parseEraseType(%q) = %v, %v", typ, got, err)
		}
	}
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestEnvCloseOnce(t *testing.T) {
	c := &countingCloser{}
	e := &env{store: keys.NewStore(), closer: c}
	if err := e.store.Set(protocol.KIDFull(0), crypto.Key{1}); err != nil {
		t.Fatal(err)
	}
	e.Close()
	e.Close()
	if c.n != 1 {
		t.Errorf("transport closed %d times, want 1", c.n)
	}
	if e.store.Len() != 0 {
		t.Errorf("store holds %d keys after Close", e.store.Len())
	}
}
