package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultDomain is the DNS-SD domain used when none is configured.
const DefaultDomain = "local."

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedPeer describes a discovered DNS-SD service instance that can act
// as a datagram peer.
type ResolvedPeer struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// HostName is the target host name.
	HostName string

	// Port is the service port.
	Port int

	// IPs contains the resolved IP addresses, IPv4 before IPv6.
	IPs []net.IP

	// Text contains the TXT record key-value pairs.
	Text map[string]string
}

// UDPAddrs returns the peer's addresses as UDP addresses, suitable for
// establishing a client stream against.
func (p *ResolvedPeer) UDPAddrs() []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(p.IPs))
	for _, ip := range p.IPs {
		addrs = append(addrs, &net.UDPAddr{IP: ip, Port: p.Port})
	}
	return addrs
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
//
// Implementations own the entries channel and must close it once the
// operation completes or the context ends (zeroconf does this itself).
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

	// Domain is the DNS-SD domain to browse. Defaults to DefaultDomain.
	Domain string

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

// Resolver discovers datagram peers via DNS-SD.
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

	if config.Domain == "" {
		config.Domain = DefaultDomain
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
		r.log = config.LoggerFactory.NewLogger("discovery")
	}

	return r, nil
}

// Browse discovers instances of the given service type (e.g. "_echo._udp").
// The returned channel receives discovered peers until the context is
// cancelled or the browse timeout expires, and is then closed.
func (r *Resolver) Browse(ctx context.Context, service string) (<-chan ResolvedPeer, error) {
	if service == "" {
		return nil, ErrInvalidService
	}

	// Apply browse timeout if context doesn't have a deadline.
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	results := make(chan ResolvedPeer)
	entries := make(chan *zeroconf.ServiceEntry)

	go func() {
		if err := r.resolver.Browse(ctx, service, r.config.Domain, entries); err != nil {
			if r.log != nil {
				r.log.Warnf("browse %s failed: %v", service, err)
			}
			cancel()
		}
	}()

	go func() {
		defer cancel()
		defer close(results)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				peer := entryToResolvedPeer(entry)
				if r.log != nil {
					r.log.Debugf("discovered %s at %v", peer.Instance, peer.IPs)
				}
				select {
				case results <- peer:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}

// Lookup resolves one specific service instance. It returns
// ErrServiceNotFound if the instance does not answer before the lookup
// deadline.
func (r *Resolver) Lookup(ctx context.Context, instance, service string) (*ResolvedPeer, error) {
	if service == "" {
		return nil, ErrInvalidService
	}

	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		if err := r.resolver.Lookup(ctx, instance, service, r.config.Domain, entries); err != nil {
			if r.log != nil {
				r.log.Warnf("lookup %s.%s failed: %v", instance, service, err)
			}
			cancel()
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			if entry.Instance == instance {
				peer := entryToResolvedPeer(entry)
				return &peer, nil
			}
		case <-ctx.Done():
			return nil, ErrServiceNotFound
		}
	}
}

func entryToResolvedPeer(entry *zeroconf.ServiceEntry) ResolvedPeer {
	peer := ResolvedPeer{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Text:     make(map[string]string, len(entry.Text)),
	}

	peer.IPs = append(peer.IPs, entry.AddrIPv4...)
	peer.IPs = append(peer.IPs, entry.AddrIPv6...)

	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		if key != "" {
			peer.Text[key] = value
		}
	}

	return peer
}
