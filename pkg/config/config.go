// Package config loads the qlibctl YAML configuration: which transport reaches
// the device, how the bus is driven, and where key material comes from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/backkem/qlib/pkg/crypto"
	"github.com/backkem/qlib/pkg/keys"
	"github.com/backkem/qlib/pkg/protocol"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportSim    = "sim"
	TransportSerial = "serial"
	TransportNet    = "net"
	TransportMDNS   = "mdns"
)

// ErrInvalid is returned for configuration that does not validate.
var ErrInvalid = errors.New("config: invalid")

// Config is the root of the configuration file.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Bus       BusConfig       `yaml:"bus"`
	Keys      []KeyConfig     `yaml:"keys"`
	Sim       SimConfig       `yaml:"sim"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig selects how the device is reached.
type TransportConfig struct {
	// Kind is one of "sim", "serial", "net" or "mdns". Default: "sim".
	Kind string `yaml:"kind"`

	// Port and Baud configure the serial bridge.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// Address is the "host:port" of a networked bridge.
	Address string `yaml:"address"`

	// Instance picks one advertised bridge by name. Empty takes the first found.
	Instance string `yaml:"instance"`

	// Timeout bounds dialing and discovery. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// BusConfig configures the transaction manager and the session.
type BusConfig struct {
	// Format is the bus format name, e.g. "SPI" or "QPI". Default: "SPI".
	Format string `yaml:"format"`

	DTR           bool `yaml:"dtr"`
	SwitchQPI     bool `yaml:"switch_qpi"`
	BusyPollLimit int  `yaml:"busy_poll_limit"`
	AsyncKeyBuild bool `yaml:"async_key_build"`
}

// KeyConfig is one long-term key. Exactly one source must be given.
type KeyConfig struct {
	// KID names the slot: "DeviceMaster", "Provisioning", "Full(n)",
	// "Restricted(n)" or a number such as "0x10".
	KID string `yaml:"kid"`

	Hex     string `yaml:"hex"`
	HexFile string `yaml:"hex_file"`

	// Prompt reads the key from the terminal.
	Prompt bool `yaml:"prompt"`
}

// SimConfig configures the built-in simulator.
type SimConfig struct {
	WID                string `yaml:"wid"`
	BusyPolls          int    `yaml:"busy_polls"`
	ResponseDelayPolls int    `yaml:"response_delay_polls"`

	// Image preloads the flash from a file at address 0.
	Image string `yaml:"image"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of "disabled", "error", "warn", "info", "debug", "trace".
	// Default: "warn".
	Level string `yaml:"level"`

	// Scopes overrides the level per logger scope, e.g. "qlib-tm": "trace".
	Scopes map[string]string `yaml:"scopes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads, defaults and validates a configuration file. Relative key and
// image paths are resolved against the file's directory.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, err
	}
	c.resolvePaths(filepath.Dir(path))
	return c, nil
}

// Parse decodes and validates configuration YAML. Unknown fields are errors.
func Parse(content []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var c Config
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportSim
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 5 * time.Second
	}
	if c.Bus.Format == "" {
		c.Bus.Format = bus.FormatSPI.String()
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSim, TransportMDNS:
	case TransportSerial:
		if strings.TrimSpace(c.Transport.Port) == "" {
			return fmt.Errorf("%w: transport.port is required for serial", ErrInvalid)
		}
	case TransportNet:
		if strings.TrimSpace(c.Transport.Address) == "" {
			return fmt.Errorf("%w: transport.address is required for net", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Transport.Baud < 0 {
		return fmt.Errorf("%w: transport.baud must be positive", ErrInvalid)
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	if c.Bus.BusyPollLimit < 0 {
		return fmt.Errorf("%w: bus.busy_poll_limit must be positive", ErrInvalid)
	}

	seen := make(map[protocol.KID]bool)
	for i, k := range c.Keys {
		kid, err := ParseKID(k.KID)
		if err != nil {
			return fmt.Errorf("%w: keys[%d]: %w", ErrInvalid, i, err)
		}
		if seen[kid] {
			return fmt.Errorf("%w: keys[%d]: duplicate KID %s", ErrInvalid, i, kid)
		}
		seen[kid] = true

		sources := 0
		for _, set := range []bool{k.Hex != "", k.HexFile != "", k.Prompt} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return fmt.Errorf("%w: keys[%d]: exactly one of hex, hex_file, prompt is required", ErrInvalid, i)
		}
		if k.Hex != "" {
			if _, err := keys.ParseHex(k.Hex); err != nil {
				return fmt.Errorf("%w: keys[%d]: %w", ErrInvalid, i, err)
			}
		}
	}

	if c.Sim.WID != "" {
		if _, err := c.SimWID(); err != nil {
			return err
		}
	}
	if c.Sim.BusyPolls < 0 || c.Sim.ResponseDelayPolls < 0 {
		return fmt.Errorf("%w: sim poll counts must be positive", ErrInvalid)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	for scope, level := range c.Log.Scopes {
		if _, err := parseLevel(level); err != nil {
			return fmt.Errorf("%w (scope %s)", err, scope)
		}
	}
	return nil
}

// Format returns the configured bus format.
func (c *Config) Format() (bus.Format, error) {
	f, ok := bus.ParseFormat(c.Bus.Format)
	if !ok {
		return 0, fmt.Errorf("%w: bus.format %q", ErrInvalid, c.Bus.Format)
	}
	return f, nil
}

// SimWID decodes the simulator WID.
func (c *Config) SimWID() ([protocol.WIDSize]byte, error) {
	var wid [protocol.WIDSize]byte
	s := strings.TrimPrefix(strings.TrimSpace(c.Sim.WID), "0x")
	if len(s) != 2*protocol.WIDSize {
		return wid, fmt.Errorf("%w: sim.wid must be %d hex digits", ErrInvalid, 2*protocol.WIDSize)
	}
	for i := range wid {
		b, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return wid, fmt.Errorf("%w: sim.wid: %w", ErrInvalid, err)
		}
		wid[i] = byte(b)
	}
	return wid, nil
}

// LoggerFactory builds the logger factory for the configured levels.
func (c *Config) LoggerFactory() *logging.DefaultLoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	if level, err := parseLevel(c.Log.Level); err == nil {
		f.DefaultLogLevel = level
	}
	for scope, name := range c.Log.Scopes {
		if level, err := parseLevel(name); err == nil {
			f.ScopeLevels[scope] = level
		}
	}
	return f
}

func parseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
}

// PromptFunc reads a key for kid interactively.
type PromptFunc func(kid protocol.KID) (crypto.Key, error)

// LoadKeys fills store with the configured keys. prompt is only called for
// keys marked prompt and may be nil when none are.
func (c *Config) LoadKeys(store *keys.Store, prompt PromptFunc) error {
	for i, k := range c.Keys {
		kid, err := ParseKID(k.KID)
		if err != nil {
			return fmt.Errorf("%w: keys[%d]: %w", ErrInvalid, i, err)
		}

		var key crypto.Key
		switch {
		case k.Hex != "":
			key, err = keys.ParseHex(k.Hex)
		case k.HexFile != "":
			key, err = keys.LoadHexFile(k.HexFile)
		case prompt == nil:
			err = fmt.Errorf("no terminal to prompt for %s", kid)
		default:
			key, err = prompt(kid)
		}
		if err == nil {
			err = store.Set(kid, key)
		}
		key.Wipe()
		if err != nil {
			return fmt.Errorf("key %s: %w", kid, err)
		}
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	for i := range c.Keys {
		c.Keys[i].HexFile = resolvePath(dir, c.Keys[i].HexFile)
	}
	c.Sim.Image = resolvePath(dir, c.Sim.Image)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

// ParseKID parses a key identifier as printed by protocol.KID.String, or a
// plain number. Names are case-insensitive.
func ParseKID(s string) (protocol.KID, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	switch lower {
	case "devicemaster", "master":
		return protocol.KIDDeviceMaster, nil
	case "provisioning":
		return protocol.KIDProvisioning, nil
	}

	for prefix, ctor := range map[string]func(uint8) protocol.KID{
		"full(":       protocol.KIDFull,
		"restricted(": protocol.KIDRestricted,
	} {
		if !strings.HasPrefix(lower, prefix) || !strings.HasSuffix(lower, ")") {
			continue
		}
		n, err := strconv.ParseUint(lower[len(prefix):len(lower)-1], 10, 8)
		if err != nil || n >= protocol.SectionCount {
			return protocol.KIDInvalid, fmt.Errorf("invalid section in KID %q", s)
		}
		return ctor(uint8(n)), nil
	}

	n, err := strconv.ParseUint(lower, 0, 8)
	if err != nil {
		return protocol.KIDInvalid, fmt.Errorf("invalid KID %q", s)
	}
	kid := protocol.KID(n)
	if !kid.IsValid() {
		return protocol.KIDInvalid, fmt.Errorf("invalid KID %q", s)
	}
	return kid, nil
}
