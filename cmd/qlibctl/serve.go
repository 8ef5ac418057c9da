package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/bus/netbridge"
	"github.com/backkem/qlib/pkg/config"
	"github.com/backkem/qlib/pkg/discovery"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/tm"
)

// DefaultListen is the address a bridge listens on when -listen is not given.
const DefaultListen = ":7531"

func runServe(ctx context.Context, args []string, stdout io.Writer) error {
	var f commonFlags
	var listen, advertise string
	fs := newFlagSet("serve")
	f.register(fs)
	fs.StringVar(&listen, "listen", DefaultListen, "TCP address to accept clients on")
	fs.StringVar(&advertise, "advertise", "", "DNS-SD instance name to advertise; empty disables mDNS")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := f.load()
	if err != nil {
		return err
	}
	if cfg.Transport.Kind == config.TransportNet || cfg.Transport.Kind == config.TransportMDNS {
		return fmt.Errorf("serve needs a local device, not transport %q", cfg.Transport.Kind)
	}

	e := &env{cfg: cfg, lf: cfg.LoggerFactory(), store: keys.NewStore()}
	defer e.Close()
	if cfg.Transport.Kind == config.TransportSim {
		if err := cfg.LoadKeys(e.store, promptKey); err != nil {
			return err
		}
	}
	backend, err := e.openTransport(ctx)
	if err != nil {
		return err
	}
	format, err := cfg.Format()
	if err != nil {
		return err
	}
	jedec, err := readJEDEC(backend, format)
	if err != nil {
		return fmt.Errorf("probe device: %w", err)
	}

	srv, err := netbridge.NewServer(netbridge.ServerConfig{Transport: backend, LoggerFactory: e.lf})
	if err != nil {
		return err
	}
	defer srv.Close()
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "serving JEDEC %X on %v\n", jedec, l.Addr())

	if advertise != "" {
		adv, err := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance:      advertise,
			Port:          l.Addr().(*net.TCPAddr).Port,
			LoggerFactory: e.lf,
		})
		if err != nil {
			l.Close()
			return err
		}
		defer adv.Close()
		if err := adv.Start(discovery.BridgeTXT{
			Format:  format,
			JEDEC:   fmt.Sprintf("%X", jedec),
			Model:   "qlib-" + cfg.Transport.Kind,
			Version: discovery.FrameVersion,
		}); err != nil {
			l.Close()
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	select {
	case <-ctx.Done():
		srv.Close()
		<-done
		return nil
	case err := <-done:
		if errors.Is(err, netbridge.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// readJEDEC identifies the device behind t with a standard JEDEC read.
func readJEDEC(t bus.Transport, format bus.Format) ([protocol.JEDECIDSize]byte, error) {
	var id [protocol.JEDECIDSize]byte
	m, err := tm.NewManager(tm.Config{Transport: t, Format: format})
	if err != nil {
		return id, err
	}
	if err := m.Connect(); err != nil {
		return id, err
	}
	defer m.Disconnect()
	err = m.Standard(tm.StandardCommand{Instr: protocol.InstrReadJEDEC, Read: id[:]})
	return id, err
}
