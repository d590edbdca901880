package ping

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/stackadapter"
)

type fakePinger struct {
	reachable map[string]bool
}

func (f *fakePinger) Ping(ctx context.Context, address string, timeout time.Duration, attempts int) bool {
	return f.reachable[address]
}

type fakeResolver struct {
	addrs []string
}

func (f *fakeResolver) GetNodeIPAddresses(ctx context.Context, nodeID fabricmodel.NodeID, preferCache, scoped bool) []string {
	return f.addrs
}

type fakeStore struct {
	rec *fabricmodel.NodeRecord
}

func (f *fakeStore) Get(id fabricmodel.NodeID) (*fabricmodel.NodeRecord, bool) {
	if f.rec == nil {
		return nil, false
	}
	return f.rec, true
}

type pingAdapter struct {
	stackadapter.StackAdapter
	ip      net.IP
	present bool
}

func (a *pingAdapter) GetAddressAndPort(nodeID fabricmodel.NodeID) (net.IP, int, bool) {
	return a.ip, 5540, a.present
}

func TestPingNodeSyntheticReturnsCannedResult(t *testing.T) {
	p := New(Config{})
	result := p.PingNode(context.Background(), fabricmodel.TestNodeStart, 1)
	if !result["0.0.0.0"] {
		t.Fatal("expected canned IPv4 entry")
	}
}

func TestPingNodeAggregatesParallelProbes(t *testing.T) {
	resolver := &fakeResolver{addrs: []string{"10.0.0.1", "fe80::1%eth0"}}
	pinger := &fakePinger{reachable: map[string]bool{"10.0.0.1": true, "fe80::1%eth0": false}}
	store := &fakeStore{rec: &fabricmodel.NodeRecord{Available: true}}
	adapter := &pingAdapter{}

	p := New(Config{Pinger: pinger, Discovery: resolver, Store: store, Adapter: adapter})
	result := p.PingNode(context.Background(), 1, 1)

	if !result["10.0.0.1"] {
		t.Fatal("expected 10.0.0.1 reachable")
	}
	if result["fe80::1"] {
		t.Fatal("expected fe80::1 (zone-stripped key) unreachable")
	}
}

func TestPingNodeReconcilesActiveSDKAddress(t *testing.T) {
	resolver := &fakeResolver{addrs: nil}
	pinger := &fakePinger{reachable: map[string]bool{}}
	store := &fakeStore{rec: &fabricmodel.NodeRecord{Available: true}}
	adapter := &pingAdapter{ip: net.ParseIP("192.168.1.9"), present: true}

	p := New(Config{Pinger: pinger, Discovery: resolver, Store: store, Adapter: adapter})
	result := p.PingNode(context.Background(), 1, 1)

	if !result["192.168.1.9"] {
		t.Fatal("expected SDK-active address treated as reachable")
	}
}

func TestPingNodeUsesBatteryTimeoutForSleepyEndDevice(t *testing.T) {
	resolver := &fakeResolver{addrs: []string{"10.0.0.2"}}
	var seenTimeout time.Duration
	pinger := pingerFunc(func(ctx context.Context, address string, timeout time.Duration, attempts int) bool {
		seenTimeout = timeout
		return true
	})
	store := &fakeStore{rec: &fabricmodel.NodeRecord{
		Available: true,
		Attributes: map[string]fabricmodel.Value{
			fabricmodel.RoutingRolePath: fabricmodel.UIntValue(uint64(fabricmodel.RoutingRoleSleepyEndDevice)),
		},
	}}
	adapter := &pingAdapter{}

	p := New(Config{Pinger: pinger, Discovery: resolver, Store: store, Adapter: adapter})
	p.PingNode(context.Background(), 1, 1)

	if seenTimeout != TimeoutBatteryPowered {
		t.Fatalf("expected battery timeout, got %v", seenTimeout)
	}
}

type pingerFunc func(ctx context.Context, address string, timeout time.Duration, attempts int) bool

func (f pingerFunc) Ping(ctx context.Context, address string, timeout time.Duration, attempts int) bool {
	return f(ctx, address, timeout, attempts)
}
