package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver provides a mock mDNS resolver for testing without real
// network I/O. Registered entries are replayed on Browse and Lookup.
type MockMDNSResolver struct {
	mu      sync.RWMutex
	entries map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		entries: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// Register adds a service entry to be returned by Browse and Lookup.
func (m *MockMDNSResolver) Register(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[service] = append(m.entries[service], entry)
}

// Browse implements MDNSResolver. Entries are delivered synchronously and
// the channel is closed before returning, matching the contract.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	defer close(entries)

	m.mu.RLock()
	found := make([]*zeroconf.ServiceEntry, len(m.entries[service]))
	copy(found, m.entries[service])
	m.mu.RUnlock()

	for _, entry := range found {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	defer close(entries)

	m.mu.RLock()
	found := make([]*zeroconf.ServiceEntry, len(m.entries[service]))
	copy(found, m.entries[service])
	m.mu.RUnlock()

	for _, entry := range found {
		if entry.Instance != instance {
			continue
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return nil
}

// MockPeerService creates a mock service entry for testing.
func MockPeerService(instance, service string, port int, ip net.IP, text []string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  service,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		AddrIPv4: []net.IP{ip},
		Text:     text,
	}
}
