// Package serialbridge runs bus exchanges through a USB-serial SPI bridge
// that speaks the bus frame format.
package serialbridge

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/pion/logging"
	"go.bug.st/serial"
)

// DefaultBaudRate is the bridge line speed.
const DefaultBaudRate = 921600

// DefaultReadTimeout bounds a single serial read.
const DefaultReadTimeout = 2 * time.Second

// ErrNoPort is returned when no serial port is configured.
var ErrNoPort = errors.New("serialbridge: no port configured")

// Config configures a serial bridge transport.
type Config struct {
	// Port is the serial device, e.g. "/dev/ttyACM0" or "COM3".
	Port string

	// BaudRate is the line speed. Default: DefaultBaudRate.
	BaudRate int

	// ReadTimeout bounds each read of the serial port.
	// Default: DefaultReadTimeout. A negative value disables the timeout.
	ReadTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Bridge is a bus.Transport over a serial port.
type Bridge struct {
	*bus.StreamTransport
	port string
	log  logging.LeveledLogger
}

// Open opens the serial port and returns a transport over it.
func Open(config Config) (*Bridge, error) {
	if config.Port == "" {
		return nil, ErrNoPort
	}
	if config.BaudRate <= 0 {
		config.BaudRate = DefaultBaudRate
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}

	p, err := serial.Open(config.Port, &serial.Mode{BaudRate: config.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("serialbridge: open %s: %w", config.Port, err)
	}
	timeout := config.ReadTimeout
	if timeout < 0 {
		timeout = serial.NoTimeout
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialbridge: set read timeout: %w", err)
	}

	b := newBridge(&timeoutPort{Port: p}, config)
	if b.log != nil {
		b.log.Infof("opened %s at %d baud", config.Port, config.BaudRate)
	}
	return b, nil
}

// New wraps an already open stream, such as a pty in tests.
func New(rw io.ReadWriter, config Config) *Bridge {
	return newBridge(rw, config)
}

func newBridge(rw io.ReadWriter, config Config) *Bridge {
	b := &Bridge{
		StreamTransport: bus.NewStreamTransport(rw),
		port:            config.Port,
	}
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("qlib-serial")
	}
	return b
}

// Exchange implements bus.Transport.
func (b *Bridge) Exchange(f bus.Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	err := b.StreamTransport.Exchange(f, dtr, instr, addr, addrSize, out, dummy, in)
	if err != nil && b.log != nil {
		b.log.Warnf("exchange 0x%02X on %s failed: %v", instr, b.port, err)
	}
	return err
}

// Ports lists the serial ports present on the system.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// timeoutPort turns the zero-length read the serial library returns on a
// timeout into an error, so io.ReadFull does not spin.
type timeoutPort struct {
	serial.Port
}

// ErrTimeout is returned when the bridge does not answer in time.
var ErrTimeout = errors.New("serialbridge: read timeout")

func (p *timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}
