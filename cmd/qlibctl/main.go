// qlibctl drives a secure serial flash through a bridge or the built-in
// simulator.
//
// Usage:
//
//	qlibctl <command> [options]
//
// Commands:
//
//	info        print device identity, counter and signed fields
//	read        read protected pages (SRD or SARD)
//	write       write protected pages (SAWR)
//	erase       erase a sector, block, section or the chip
//	crc         compute the integrity digest of a section image, optionally store it
//	rotate-key  replace a long-term key
//	serve       expose a device on the network as a bridge
//	ports       list serial ports
//
// Common options:
//
//	-config     YAML configuration file
//	-transport  sim, serial, net or mdns (overrides the file)
//	-port       serial port
//	-address    bridge host:port
//	-format     bus format, e.g. SPI or QPI
//	-log        log level
//
// Example:
//
//	qlibctl read -config qlib.yaml -kid "Restricted(0)" -addr 0x1000 -len 256 -auth
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"info", "print device identity, counter and signed fields", runInfo},
	{"read", "read protected pages", runRead},
	{"write", "write protected pages", runWrite},
	{"erase", "erase protected flash", runErase},
	{"crc", "compute or store a section integrity digest", runCRC},
	{"rotate-key", "replace a long-term key", runRotateKey},
	{"serve", "expose a device as a network bridge", runServe},
	{"ports", "list serial ports", runPorts},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "qlibctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return errUsage
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout)
		}
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		return nil
	}
	fmt.Fprintf(os.Stderr, "qlibctl: unknown command %q\n", args[0])
	printUsage(os.Stderr)
	return errUsage
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: qlibctl <command> [options]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(w, "\nRun 'qlibctl <command> -h' for command options.\n")
}
