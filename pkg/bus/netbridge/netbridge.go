// Package netbridge carries bus exchanges over a stream connection to a
// networked SPI bridge, and implements the bridge side on top of any
// bus.Transport.
package netbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/backkem/qlib/pkg/bus"
	"github.com/pion/logging"
)

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 5 * time.Second

// readBufferSize holds the largest frame, so packet-oriented conns hand over a
// whole frame per read.
const readBufferSize = bus.RequestHeaderSize + bus.MaxPayload + 1

// Netbridge errors.
var (
	// ErrNoAddress is returned when Dial has no address.
	ErrNoAddress = errors.New("netbridge: no address configured")
	// ErrNoTransport is returned when a server has no transport to serve.
	ErrNoTransport = errors.New("netbridge: no transport configured")
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("netbridge: server closed")
)

// conn joins a buffered reader with the raw connection.
type conn struct {
	*bufio.Reader
	net.Conn
}

func (c *conn) Read(b []byte) (int, error) { return c.Reader.Read(b) }

func wrap(c net.Conn) *conn {
	return &conn{Reader: bufio.NewReaderSize(c, readBufferSize), Conn: c}
}

// Config configures a client connection.
type Config struct {
	// Address is the bridge "host:port".
	Address string

	// DialTimeout bounds connection setup. Default: DefaultDialTimeout.
	DialTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Client is a bus.Transport over a bridge connection.
type Client struct {
	*bus.StreamTransport
	remote net.Addr
	log    logging.LeveledLogger
}

// Dial connects to a bridge.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.Address == "" {
		return nil, ErrNoAddress
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: config.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("netbridge: dial %s: %w", config.Address, err)
	}
	return NewClient(c, config), nil
}

// NewClient wraps an established connection.
func NewClient(c net.Conn, config Config) *Client {
	cl := &Client{
		StreamTransport: bus.NewStreamTransport(wrap(c)),
		remote:          c.RemoteAddr(),
	}
	if config.LoggerFactory != nil {
		cl.log = config.LoggerFactory.NewLogger("qlib-net")
		cl.log.Infof("connected to bridge %v", cl.remote)
	}
	return cl
}

// Exchange implements bus.Transport.
func (c *Client) Exchange(f bus.Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	err := c.StreamTransport.Exchange(f, dtr, instr, addr, addrSize, out, dummy, in)
	if err != nil && c.log != nil {
		c.log.Warnf("exchange 0x%02X with %v failed: %v", instr, c.remote, err)
	}
	return err
}

// ServerConfig configures a bridge server.
type ServerConfig struct {
	// Transport is the device side. Required.
	Transport bus.Transport

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Server exposes a bus.Transport to network clients. Exchanges from all
// connections are serialized onto the transport.
type Server struct {
	transport bus.Transport
	mu        sync.Mutex // serializes exchanges on transport
	log       logging.LeveledLogger

	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a bridge server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	s := &Server{
		transport: config.Transport,
		conns:     make(map[net.Conn]struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("qlib-net")
	}
	return s, nil
}

// Exchange implements bus.Transport on the serialized device side.
func (s *Server) Exchange(f bus.Format, dtr bool, instr byte, addr uint32, addrSize int, out []byte, dummy int, in []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport.Exchange(f, dtr, instr, addr, addrSize, out, dummy, in)
}

// ServeConn answers frames on one connection until it closes.
func (s *Server) ServeConn(c net.Conn) error {
	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		c.Close()
		return ErrServerClosed
	}
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
		c.Close()
	}()

	if s.log != nil {
		s.log.Debugf("serving %v", c.RemoteAddr())
	}
	err := bus.Serve(wrap(c), s)
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		if s.log != nil {
			s.log.Warnf("connection %v: %v", c.RemoteAddr(), err)
		}
		return err
	}
	return nil
}

// Serve accepts connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		return ErrServerClosed
	}
	s.listener = l
	s.connsMu.Unlock()

	if s.log != nil {
		s.log.Infof("bridge listening on %v", l.Addr())
	}
	for {
		c, err := l.Accept()
		if err != nil {
			s.connsMu.Lock()
			closed := s.closed
			s.connsMu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return fmt.Errorf("netbridge: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.ServeConn(c)
		}()
	}
}

// Close stops the listener and all open connections.
func (s *Server) Close() error {
	s.connsMu.Lock()
	if s.closed {
		s.connsMu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return err
}
