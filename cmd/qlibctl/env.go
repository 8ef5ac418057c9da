package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/bus/netbridge"
	"github.com/backkem/qlib/pkg/bus/serialbridge"
	"github.com/backkem/qlib/pkg/config"
	"github.com/backkem/qlib/pkg/discovery"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/backkem/qlib/pkg/secure"
	"github.com/backkem/qlib/pkg/sim"
	"github.com/backkem/qlib/pkg/tm"
	"github.com/pion/logging"
)

// commonFlags are accepted by every command that talks to a device.
type commonFlags struct {
	config    string
	transport string
	port      string
	address   string
	format    string
	level     string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "YAML configuration file")
	fs.StringVar(&c.transport, "transport", "", "transport: sim, serial, net or mdns")
	fs.StringVar(&c.port, "port", "", "serial port of the bridge")
	fs.StringVar(&c.address, "address", "", "host:port of a networked bridge")
	fs.StringVar(&c.format, "format", "", "bus format (SPI, Dual, Quad, QuadIO, QPI)")
	fs.StringVar(&c.level, "log", "", "log level (error, warn, info, debug, trace)")
}

// load reads the configuration file, if any, and applies flag overrides.
func (c *commonFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if c.config != "" {
		var err error
		if cfg, err = config.Load(c.config); err != nil {
			return nil, err
		}
	}
	if c.transport != "" {
		cfg.Transport.Kind = c.transport
	}
	if c.port != "" {
		cfg.Transport.Port = c.port
	}
	if c.address != "" {
		cfg.Transport.Address = c.address
	}
	if c.format != "" {
		cfg.Bus.Format = c.format
	}
	if c.level != "" {
		cfg.Log.Level = c.level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// env is a connected device stack.
type env struct {
	cfg    *config.Config
	lf     logging.LoggerFactory
	store  *keys.Store
	dev    *sim.Device
	closer io.Closer
	tm     *tm.Manager
	s      *secure.Session
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseFlags parses args. The flag package has already reported any error.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flag.ErrHelp):
		return flag.ErrHelp
	default:
		return errUsage
	}
}

// connect builds the transport, transaction manager and session described by
// cfg and connects them.
func connect(ctx context.Context, cfg *config.Config) (*env, error) {
	e := &env{cfg: cfg, lf: cfg.LoggerFactory(), store: keys.NewStore()}
	if err := cfg.LoadKeys(e.store, promptKey); err != nil {
		return nil, err
	}

	t, err := e.openTransport(ctx)
	if err != nil {
		e.store.Wipe()
		return nil, err
	}
	format, err := cfg.Format()
	if err != nil {
		e.Close()
		return nil, err
	}

	if e.tm, err = tm.NewManager(tm.Config{
		Transport:     t,
		Format:        format,
		DTR:           cfg.Bus.DTR,
		SwitchQPI:     cfg.Bus.SwitchQPI,
		BusyPollLimit: cfg.Bus.BusyPollLimit,
		LoggerFactory: e.lf,
	}); err != nil {
		e.Close()
		return nil, err
	}
	if e.s, err = secure.NewSession(secure.Config{
		TM:            e.tm,
		Keys:          e.store,
		AsyncKeyBuild: cfg.Bus.AsyncKeyBuild,
		LoggerFactory: e.lf,
	}); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.s.Connect(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) openTransport(ctx context.Context) (bus.Transport, error) {
	c := e.cfg.Transport
	switch c.Kind {
	case config.TransportSerial:
		b, err := serialbridge.Open(serialbridge.Config{
			Port:          c.Port,
			BaudRate:      c.Baud,
			LoggerFactory: e.lf,
		})
		if err != nil {
			return nil, err
		}
		e.closer = b
		return b, nil

	case config.TransportNet, config.TransportMDNS:
		addr := c.Address
		if c.Kind == config.TransportMDNS {
			var err error
			if addr, err = e.discover(ctx); err != nil {
				return nil, err
			}
		}
		cl, err := netbridge.Dial(ctx, netbridge.Config{
			Address:       addr,
			DialTimeout:   c.Timeout,
			LoggerFactory: e.lf,
		})
		if err != nil {
			return nil, err
		}
		e.closer = cl
		return cl, nil

	default:
		dev, err := newSimulator(e.cfg, e.store, e.lf)
		if err != nil {
			return nil, err
		}
		e.dev = dev
		return dev, nil
	}
}

func (e *env) discover(ctx context.Context) (string, error) {
	r, err := discovery.NewResolver(discovery.ResolverConfig{
		BrowseTimeout: e.cfg.Transport.Timeout,
		LookupTimeout: e.cfg.Transport.Timeout,
		LoggerFactory: e.lf,
	})
	if err != nil {
		return "", err
	}
	var b *discovery.Bridge
	if e.cfg.Transport.Instance != "" {
		b, err = r.Lookup(ctx, e.cfg.Transport.Instance)
	} else {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.Transport.Timeout)
		defer cancel()
		b, err = r.First(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("discover bridge: %w", err)
	}
	return b.Address()
}

// newSimulator builds a simulated device provisioned with every configured key.
func newSimulator(cfg *config.Config, store *keys.Store, lf logging.LoggerFactory) (*sim.Device, error) {
	sc := sim.Config{
		BusyPolls:          cfg.Sim.BusyPolls,
		ResponseDelayPolls: cfg.Sim.ResponseDelayPolls,
		LoggerFactory:      lf,
	}
	if cfg.Sim.WID != "" {
		wid, err := cfg.SimWID()
		if err != nil {
			return nil, err
		}
		sc.WID = wid
	}
	dev := sim.New(sc)
	for _, k := range cfg.Keys {
		kid, err := config.ParseKID(k.KID)
		if err != nil {
			return nil, err
		}
		key, err := store.KeyForKID(kid)
		if err != nil {
			return nil, err
		}
		dev.Provision(kid, key)
	}
	if cfg.Sim.Image != "" {
		image, err := os.ReadFile(cfg.Sim.Image)
		if err != nil {
			return nil, fmt.Errorf("read sim image: %w", err)
		}
		dev.WriteRaw(0, image)
	}
	return dev, nil
}

// Close disconnects the session, releases the transport and wipes the keys.
// Later calls do nothing.
func (e *env) Close() {
	if e.s != nil {
		_ = e.s.Disconnect()
		e.s = nil
	}
	if e.closer != nil {
		_ = e.closer.Close()
		e.closer = nil
	}
	e.store.Wipe()
}

// kidFlag is a flag.Value holding a KID.
type kidFlag struct {
	kid protocol.KID
	set bool
}

func (k *kidFlag) String() string {
	if !k.set {
		return ""
	}
	return k.kid.String()
}

func (k *kidFlag) Set(s string) error {
	kid, err := config.ParseKID(s)
	if err != nil {
		return err
	}
	k.kid, k.set = kid, true
	return nil
}

// uintFlag is a flag.Value accepting decimal or 0x-prefixed numbers.
type uintFlag uint64

func (u *uintFlag) String() string { return "0x" + strconv.FormatUint(uint64(*u), 16) }

func (u *uintFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*u = uintFlag(v)
	return nil
}
