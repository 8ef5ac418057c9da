package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/backkem/qlib/pkg/bus/serialbridge"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/secure"
)

// sessionFlags adds the key selection shared by session-based commands.
type sessionFlags struct {
	commonFlags
	kid       kidFlag
	withWID   bool
	ignoreSCR bool
}

func (f *sessionFlags) register(name string) *flag.FlagSet {
	fs := newFlagSet(name)
	f.commonFlags.register(fs)
	fs.Var(&f.kid, "kid", "key to open the session with, e.g. Full(0) or DeviceMaster")
	fs.BoolVar(&f.withWID, "wid", false, "bind the session to the device unique ID")
	fs.BoolVar(&f.ignoreSCR, "ignore-scr", false, "open even if the section digest does not match")
	return fs
}

// open connects and opens a session with the selected key.
func (f *sessionFlags) open(ctx context.Context) (*env, error) {
	if !f.kid.set {
		return nil, errors.New("-kid is required")
	}
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	e, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := e.s.OpenSession(f.kid.kid, nil, f.withWID, f.ignoreSCR); err != nil {
		e.Close()
		return nil, fmt.Errorf("open session %s: %w", f.kid.kid, err)
	}
	return e, nil
}

// closeSession ends the session and reports the first error.
func closeSession(e *env, err error) error {
	if e.s.KID() != protocol.KIDInvalid {
		if cerr := e.s.CloseSession(false); err == nil {
			err = cerr
		}
	}
	e.Close()
	return err
}

func runInfo(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	fs := f.register("info")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := f.load()
	if err != nil {
		return err
	}
	e, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	wid, err := printIdentity(e, stdout)
	if err != nil || !f.kid.set {
		e.Close()
		return err
	}

	if err := e.s.OpenSession(f.kid.kid, nil, f.withWID, f.ignoreSCR); err != nil {
		e.Close()
		return fmt.Errorf("open session %s: %w", f.kid.kid, err)
	}
	signedWID, err := e.s.GetWID()
	if err != nil {
		return closeSession(e, err)
	}
	hw, err := e.s.GetHWVersion()
	if err != nil {
		return closeSession(e, err)
	}
	ssr, err := e.s.GetSSR()
	if err != nil {
		return closeSession(e, err)
	}
	fmt.Fprintf(stdout, "Signed WID %X (match %v)\n", signedWID, signedWID == wid)
	fmt.Fprintf(stdout, "HW version %X\n", hw)
	fmt.Fprintf(stdout, "SSR        %s\n", ssr)
	for section := uint8(0); section < protocol.SectionCount; section++ {
		scr, err := e.s.GetSCR(section)
		if err != nil {
			return closeSession(e, err)
		}
		fmt.Fprintf(stdout, "Section %d  %s\n", section, scr)
	}
	return closeSession(e, nil)
}

// printIdentity prints the fields readable without a session and returns the WID.
func printIdentity(e *env, stdout io.Writer) ([protocol.WIDSize]byte, error) {
	jedec, err := e.s.ReadJEDECID()
	if err != nil {
		return [protocol.WIDSize]byte{}, err
	}
	wid, err := e.s.ReadWID()
	if err != nil {
		return wid, err
	}
	mc, err := e.s.ReadMC()
	if err != nil {
		return wid, err
	}
	fmt.Fprintf(stdout, "JEDEC ID   %X\n", jedec)
	fmt.Fprintf(stdout, "WID        %X\n", wid)
	fmt.Fprintf(stdout, "Counter    TC=0x%08X DMC=0x%08X\n", mc.TC, mc.DMC)
	return wid, nil
}

func runRead(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	var addr, length uintFlag = 0, protocol.PageSize
	var auth bool
	var out string
	fs := f.register("read")
	fs.Var(&addr, "addr", "page aligned start address")
	fs.Var(&length, "len", "number of bytes to read")
	fs.BoolVar(&auth, "auth", false, "verify every page signature (SARD)")
	fs.StringVar(&out, "out", "", "write the data to a file instead of a hex dump")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e, err := f.open(ctx)
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if auth {
		err = e.s.SARDMulti(uint32(addr), buf)
	} else {
		err = e.s.SRDMulti(uint32(addr), buf)
	}
	if err != nil {
		return closeSession(e, err)
	}
	if out != "" {
		err = os.WriteFile(out, buf, 0o644)
	} else {
		_, err = io.WriteString(stdout, hex.Dump(buf))
	}
	return closeSession(e, err)
}

func runWrite(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	var addr uintFlag
	var in, data string
	fs := f.register("write")
	fs.Var(&addr, "addr", "page aligned start address")
	fs.StringVar(&in, "in", "", "file to write")
	fs.StringVar(&data, "hex", "", "hex data to write")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var payload []byte
	var err error
	switch {
	case in != "" && data != "":
		return errors.New("-in and -hex are exclusive")
	case in != "":
		payload, err = os.ReadFile(in)
	case data != "":
		payload, err = hex.DecodeString(strings.TrimPrefix(data, "0x"))
	default:
		return errors.New("one of -in or -hex is required")
	}
	if err != nil {
		return err
	}

	e, err := f.open(ctx)
	if err != nil {
		return err
	}
	pages := 0
	for off := 0; off < len(payload); off += protocol.PageSize {
		var p secure.Page
		for i := range p {
			p[i] = 0xFF
		}
		copy(p[:], payload[off:])
		if err := e.s.SAWR(uint32(addr)+uint32(off), p); err != nil {
			return closeSession(e, fmt.Errorf("page 0x%06X: %w", uint32(addr)+uint32(off), err))
		}
		pages++
	}
	fmt.Fprintf(stdout, "wrote %d pages at 0x%06X\n", pages, uint32(addr))
	return closeSession(e, nil)
}

func parseEraseType(s string) (protocol.EraseType, error) {
	for t := protocol.EraseSector4K; t <= protocol.EraseChip; t++ {
		if strings.EqualFold(t.String(), s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown erase type %q (4K, 32K, 64K, Section, Chip)", s)
}

func runErase(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	var addr uintFlag
	var typ string
	fs := f.register("erase")
	fs.Var(&addr, "addr", "address inside the region to erase")
	fs.StringVar(&typ, "type", "4K", "granularity: 4K, 32K, 64K, Section or Chip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	t, err := parseEraseType(typ)
	if err != nil {
		return err
	}

	e, err := f.open(ctx)
	if err != nil {
		return err
	}
	if err := e.s.SErase(t, uint32(addr)); err != nil {
		return closeSession(e, err)
	}
	fmt.Fprintf(stdout, "erased %s at 0x%06X\n", t, uint32(addr))
	return closeSession(e, nil)
}

func runCRC(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	var in string
	var section uintFlag
	var store bool
	fs := f.register("crc")
	fs.StringVar(&in, "in", "", "section image; unprogrammed bytes are taken as 0xFF")
	fs.Var(&section, "section", "section index")
	fs.BoolVar(&store, "store", false, "store the digest in the section configuration and enable the check")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if in == "" {
		return errors.New("-in is required")
	}
	if section >= protocol.SectionCount {
		return fmt.Errorf("section %d out of range", section)
	}
	image, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	crc, err := crypto.CalcCRCWithPadding(image, 0xFF, protocol.SectionSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "CRC 0x%08X\n", crc)
	if !store {
		return nil
	}

	e, err := f.open(ctx)
	if err != nil {
		return err
	}
	scr, err := e.s.GetSCR(uint8(section))
	if err != nil {
		return closeSession(e, err)
	}
	scr.CRC = crc
	scr.Policy |= protocol.SCRPolicyIntegrityCheck
	if err := e.s.SetSCR(uint8(section), scr, false, false); err != nil {
		return closeSession(e, err)
	}
	fmt.Fprintf(stdout, "section %d: %s\n", section, scr)
	return closeSession(e, nil)
}

func runRotateKey(ctx context.Context, args []string, stdout io.Writer) error {
	var f sessionFlags
	var target kidFlag
	var newHex string
	fs := f.register("rotate-key")
	fs.Var(&target, "target", "key slot to replace")
	fs.StringVar(&newHex, "new", "", "new key as hex; prompted when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if !target.set {
		return errors.New("-target is required")
	}

	var key crypto.Key
	var err error
	if newHex != "" {
		key, err = keys.ParseHex(newHex)
	} else {
		key, err = promptNewKey(target.kid)
	}
	if err != nil {
		return err
	}
	defer key.Wipe()

	e, err := f.open(ctx)
	if err != nil {
		return err
	}
	if err := e.s.SetKey(target.kid, key); err != nil {
		return closeSession(e, err)
	}
	fmt.Fprintf(stdout, "key %s replaced\n", target.kid)
	return closeSession(e, nil)
}

func runPorts(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("ports")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ports, err := serialbridge.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return nil
}
