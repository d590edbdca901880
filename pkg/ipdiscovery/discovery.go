// Package ipdiscovery resolves a node's scoped IP addresses by mDNS query
// and caches the last-known list, grounded on the teacher's
// pkg/discovery/resolver.go MDNSResolver injection seam over
// github.com/grandcat/zeroconf.
package ipdiscovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// LookupTimeout is the fixed timeout for a single mDNS info request.
const LookupTimeout = 3 * time.Second

// OperationalService is the DNS-SD service type operational nodes
// advertise under.
const OperationalService = "_matter._tcp"

// MDNSResolver is the interface this package drives zeroconf through,
// mirroring the teacher's discovery.MDNSResolver seam so tests can inject
// a fake without a real network.
type MDNSResolver interface {
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

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

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// Config configures a Discovery.
type Config struct {
	// Resolver is the underlying mDNS resolver. If nil, a real zeroconf
	// resolver is used.
	Resolver MDNSResolver

	// CompressedFabricID is the 64-bit id used to build operational
	// instance names.
	CompressedFabricID uint64

	LoggerFactory logging.LoggerFactory
}

// Discovery resolves and caches per-node IP addresses.
type Discovery struct {
	resolver MDNSResolver
	fabricID uint64
	log      logging.LeveledLogger

	mu    sync.Mutex
	cache map[fabricmodel.NodeID][]net.IP
}

// New creates a Discovery.
func New(config Config) (*Discovery, error) {
	resolver := config.Resolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, fmt.Errorf("ipdiscovery: %w", err)
		}
		resolver = zr
	}
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("ipdiscovery")
	}
	return &Discovery{
		resolver: resolver,
		fabricID: config.CompressedFabricID,
		log:      log,
		cache:    make(map[fabricmodel.NodeID][]net.IP),
	}, nil
}

// instanceName builds "{fabricHex:016X}-{nodeId:016X}" the way
// operational mDNS names are constructed.
func instanceName(fabricID uint64, nodeID fabricmodel.NodeID) string {
	return fmt.Sprintf("%016X-%016X", fabricID, uint64(nodeID))
}

// GetNodeIPAddresses resolves nodeID's IP addresses. If preferCache is set
// and a cached list exists, it's returned immediately. Otherwise an mDNS
// query is issued with a 3s timeout; on timeout, the cache (possibly
// empty) is returned; on success, the cache is refreshed. When scoped is
// false, any "%ifindex" zone suffix is stripped from the result.
func (d *Discovery) GetNodeIPAddresses(ctx context.Context, nodeID fabricmodel.NodeID, preferCache, scoped bool) []string {
	if preferCache {
		if cached, ok := d.cached(nodeID); ok {
			return formatIPs(cached, scoped)
		}
	}

	ips, err := d.query(ctx, nodeID)
	if err != nil {
		if d.log != nil {
			d.log.Warnf("ipdiscovery: query node %s: %v", nodeID, err)
		}
		cached, _ := d.cached(nodeID)
		return formatIPs(cached, scoped)
	}

	d.mu.Lock()
	d.cache[nodeID] = ips
	d.mu.Unlock()

	return formatIPs(ips, scoped)
}

func (d *Discovery) cached(nodeID fabricmodel.NodeID) ([]net.IP, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ips, ok := d.cache[nodeID]
	return ips, ok
}

func (d *Discovery) query(ctx context.Context, nodeID fabricmodel.NodeID) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.resolver.Lookup(ctx, instanceName(d.fabricID, nodeID), OperationalService, "local.", entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, fmt.Errorf("ipdiscovery: no answer for node %s", nodeID)
		}
		var ips []net.IP
		ips = append(ips, entry.AddrIPv6...)
		ips = append(ips, entry.AddrIPv4...)
		if len(ips) == 0 {
			return nil, fmt.Errorf("ipdiscovery: no addresses for node %s", nodeID)
		}
		return ips, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("ipdiscovery: lookup timed out for node %s", nodeID)
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("ipdiscovery: no answer for node %s", nodeID)
	}
}

func formatIPs(ips []net.IP, scoped bool) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		s := ip.String()
		if !scoped {
			if idx := strings.IndexByte(s, '%'); idx >= 0 {
				s = s[:idx]
			}
		}
		out = append(out, s)
	}
	return out
}
