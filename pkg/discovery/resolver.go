// Package discovery finds networked SPI bridges through mDNS/DNS-SD and
// advertises a local bridge server.
package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// Service and domain of bridge advertisements.
const (
	ServiceBridge = "_qlib-spi._tcp"
	DefaultDomain = "local."
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 5 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 3 * time.Second

// Bridge is a discovered bridge.
type Bridge struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// HostName is the target host name.
	HostName string

	// Port is the bridge port.
	Port int

	// IPs holds the resolved addresses, IPv4 first.
	IPs []net.IP

	// TXT holds the decoded TXT record.
	TXT BridgeTXT
}

// Address returns the preferred "host:port" to dial.
func (b *Bridge) Address() (string, error) {
	if len(b.IPs) == 0 {
		return "", ErrNoAddresses
	}
	return net.JoinHostPort(b.IPs[0].String(), strconv.Itoa(b.Port)), nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers bridges via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	r := &Resolver{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("qlib-discovery")
	}
	return r, nil
}

// Browse discovers bridges until the context is cancelled or the browse
// timeout expires. The returned channel is closed when browsing ends.
func (r *Resolver) Browse(ctx context.Context) <-chan Bridge {
	results := make(chan Bridge)
	entries := make(chan *zeroconf.ServiceEntry)

	var cancel context.CancelFunc = func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(results)
		defer cancel()

		go func() {
			defer close(entries)
			if err := r.resolver.Browse(ctx, ServiceBridge, DefaultDomain, entries); err != nil && r.log != nil {
				r.log.Warnf("browse %s: %v", ServiceBridge, err)
			}
		}()

		for entry := range entries {
			if entry == nil {
				continue
			}
			b := entryToBridge(entry)
			if r.log != nil {
				r.log.Debugf("found bridge %q at %s:%d", b.Instance, b.HostName, b.Port)
			}
			select {
			case results <- b:
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results
}

// First returns the first bridge found by Browse.
func (r *Resolver) First(ctx context.Context) (*Bridge, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for b := range r.Browse(ctx) {
		return &b, nil
	}
	return nil, ErrServiceNotFound
}

// Lookup resolves one bridge instance by name.
func (r *Resolver) Lookup(ctx context.Context, instance string) (*Bridge, error) {
	if instance == "" {
		return nil, ErrInvalidInstanceName
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, instance, ServiceBridge, DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		b := entryToBridge(entry)
		return &b, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// entryToBridge converts a zeroconf.ServiceEntry to a Bridge.
func entryToBridge(entry *zeroconf.ServiceEntry) Bridge {
	var ips []net.IP
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return Bridge{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		IPs:      sortIPs(ips),
		TXT:      ParseBridgeTXT(entry.Text),
	}
}

// sortIPs orders addresses for dialing: IPv4, then routable IPv6, then
// link-local IPv6 (which needs a zone to dial).
func sortIPs(ips []net.IP) []net.IP {
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

func ipPriority(ip net.IP) int {
	switch {
	case ip.To4() != nil:
		return 0
	case ip.To16() == nil:
		return 99
	case ip.IsLinkLocalUnicast():
		return 2
	default:
		return 1
	}
}
