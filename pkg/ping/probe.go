// Package ping probes a node's currently known IP addresses for
// reachability, grounded on device_controller.py's ping_node.
package ping

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/pion/logging"
)

// TimeoutDefault is the per-address probe timeout for a normal (mains- or
// router-powered) node.
const TimeoutDefault = 10 * time.Second

// TimeoutBatteryPowered is the per-address probe timeout for a node whose
// ThreadNetworkDiagnostics RoutingRole is SleepyEndDevice: such a device
// may be asleep and slow to answer.
const TimeoutBatteryPowered = 60 * time.Second

// Pinger sends attempts ICMP echo requests to address, each bounded by
// timeout, and reports whether any were answered. Raw ICMP access is an
// external collaborator; this package only sequences and aggregates it.
type Pinger interface {
	Ping(ctx context.Context, address string, timeout time.Duration, attempts int) bool
}

// AddressResolver resolves a node's currently known (scoped) IP addresses.
type AddressResolver interface {
	GetNodeIPAddresses(ctx context.Context, nodeID fabricmodel.NodeID, preferCache, scoped bool) []string
}

// Store is the narrow slice of nodestore.NodeStore this package needs.
type Store interface {
	Get(id fabricmodel.NodeID) (*fabricmodel.NodeRecord, bool)
}

// Config configures a Prober.
type Config struct {
	Pinger        Pinger
	Discovery     AddressResolver
	Store         Store
	Adapter       stackadapter.StackAdapter
	LoggerFactory logging.LoggerFactory
}

// Prober answers "is this node reachable" probes.
type Prober struct {
	pinger    Pinger
	discovery AddressResolver
	store     Store
	adapter   stackadapter.StackAdapter
	log       logging.LeveledLogger
}

// New creates a Prober.
func New(config Config) *Prober {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("ping")
	}
	return &Prober{
		pinger:    config.Pinger,
		discovery: config.Discovery,
		store:     config.Store,
		adapter:   config.Adapter,
		log:       log,
	}
}

// PingNode probes every currently known IP address of nodeID in parallel,
// returning address (zone-stripped) -> reachable. Synthetic test nodes
// return a canned, always-reachable result without touching the network.
func (p *Prober) PingNode(ctx context.Context, nodeID fabricmodel.NodeID, attempts int) map[string]bool {
	if nodeID.IsSynthetic() {
		return map[string]bool{
			"0.0.0.0":               true,
			"0000:1111:2222:3333:4444": true,
		}
	}
	if attempts <= 0 {
		attempts = 1
	}

	rec, _ := p.store.Get(nodeID)
	timeout := TimeoutDefault
	if rec != nil {
		if role, ok := rec.Attributes[fabricmodel.RoutingRolePath]; ok {
			if fabricmodel.ParseRoutingRole(role) == fabricmodel.RoutingRoleSleepyEndDevice {
				timeout = TimeoutBatteryPowered
			}
		}
	}

	addresses := p.discovery.GetNodeIPAddresses(ctx, nodeID, false, true)

	result := make(map[string]bool, len(addresses))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range addresses {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			clean := addr
			if idx := strings.IndexByte(addr, '%'); idx >= 0 {
				clean = addr[:idx]
			}
			if p.log != nil {
				p.log.Debugf("ping: probing %s for node %s", addr, nodeID)
			}
			reachable := p.pinger != nil && p.pinger.Ping(ctx, addr, timeout, attempts)
			mu.Lock()
			result[clean] = reachable
			mu.Unlock()
		}()
	}
	wg.Wait()

	if ip, _, ok := p.adapter.GetAddressAndPort(nodeID); ok {
		active := ip.String()
		if p.log != nil {
			p.log.Infof("ping: SDK is communicating with node %s via %s", nodeID, active)
		}
		if _, known := result[active]; !known && rec != nil && rec.Available {
			result[active] = true
		}
	}

	return result
}
