// Package commissioning is the controller-facing commissioning, interview,
// commissioning-window, and node-removal flow. Grounded on
// device_controller.py's commission_with_code/commission_on_network/
// interview_node/open_commissioning_window/remove_node, styled after the
// teacher's staged-pipeline Commissioner.
package commissioning

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/pion/logging"
)

// IdAllocator hands out operational node ids for newly commissioned nodes.
type IdAllocator interface {
	NextID() (fabricmodel.NodeID, error)
}

// Setuper runs the post-commission/post-interview bring-up pipeline.
type Setuper interface {
	Setup(ctx context.Context, nodeID fabricmodel.NodeID) error
}

// SubscriptionShutdowner tears a node's live subscription down.
type SubscriptionShutdowner interface {
	Shutdown(ctx context.Context, nodeID fabricmodel.NodeID) error
	HasSubscription(nodeID fabricmodel.NodeID) bool
}

// Config configures a Flow.
type Config struct {
	Adapter       stackadapter.StackAdapter
	Store         *nodestore.NodeStore
	Allocator     IdAllocator
	Setup         Setuper
	Subscriptions SubscriptionShutdowner
	LoggerFactory logging.LoggerFactory

	// NowFunc stubs time.Now in tests.
	NowFunc func() time.Time

	// RetryDelay overrides RetryDelay between commission/interview
	// attempts. Tests shrink this; production callers leave it zero.
	RetryDelay time.Duration
}

// Flow is the commissioning/interview/removal control surface.
type Flow struct {
	adapter stackadapter.StackAdapter
	store   *nodestore.NodeStore
	alloc   IdAllocator
	setup   Setuper
	subs    SubscriptionShutdowner
	log     logging.LeveledLogger
	now     func() time.Time
	retryDelay time.Duration

	windows *windowCache
}

// New creates a Flow.
func New(config Config) *Flow {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("commissioning")
	}
	now := config.NowFunc
	if now == nil {
		now = time.Now
	}
	retryDelay := config.RetryDelay
	if retryDelay == 0 {
		retryDelay = RetryDelay
	}
	return &Flow{
		adapter:    config.Adapter,
		store:      config.Store,
		alloc:      config.Allocator,
		setup:      config.Setup,
		subs:       config.Subscriptions,
		log:        log,
		now:        now,
		retryDelay: retryDelay,
		windows:    newWindowCache(),
	}
}

// CommissionWithCode commissions a device via a setup code (manual or QR),
// either network-only or over any supported transport.
func (f *Flow) CommissionWithCode(ctx context.Context, code string, networkOnly bool) (*fabricmodel.NodeRecord, error) {
	nodeID, err := f.alloc.NextID()
	if err != nil {
		return nil, fmt.Errorf("commissioning: allocate node id: %w", err)
	}

	mode := stackadapter.DiscoveryAll
	if networkOnly {
		mode = stackadapter.DiscoveryNetworkOnly
	}

	if err := f.retryCommission(ctx, nodeID, func(ctx context.Context) error {
		return f.adapter.CommissionWithCode(ctx, nodeID, code, mode)
	}); err != nil {
		return nil, err
	}
	return f.finishCommission(ctx, nodeID)
}

// CommissionOnNetwork commissions an already-discovered on-network device
// by PIN. If ip is non-nil, it targets that address directly (after
// link-local zone normalization) instead of going through PASE-over-mDNS
// discovery.
func (f *Flow) CommissionOnNetwork(ctx context.Context, pin uint32, filterType int, filter any, ip net.IP) (*fabricmodel.NodeRecord, error) {
	nodeID, err := f.alloc.NextID()
	if err != nil {
		return nil, fmt.Errorf("commissioning: allocate node id: %w", err)
	}

	if ip != nil {
		ip = scopeIPv6LLA(ip)
	}

	if err := f.retryCommission(ctx, nodeID, func(ctx context.Context) error {
		if ip != nil {
			return f.adapter.CommissionIP(ctx, nodeID, pin, ip)
		}
		return f.adapter.CommissionOnNetwork(ctx, nodeID, pin, filterType, filter)
	}); err != nil {
		return nil, err
	}
	return f.finishCommission(ctx, nodeID)
}

// retryCommission runs attempt once, then up to MaxCommissionRetries more
// times with RetryDelay between tries, failing with ErrNodeCommissionFailed
// once every attempt has failed.
func (f *Flow) retryCommission(ctx context.Context, nodeID fabricmodel.NodeID, attempt func(context.Context) error) error {
	var lastErr error
	for try := 0; try <= MaxCommissionRetries; try++ {
		if try > 0 {
			if f.log != nil {
				f.log.Warnf("commissioning: retrying commission of node %s (attempt %d/%d): %v", nodeID, try, MaxCommissionRetries, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
		if err := attempt(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: node %s: %v", ErrNodeCommissionFailed, nodeID, lastErr)
}

// finishCommission interviews the freshly commissioned node (retrying the
// same way as the commission step), then hands off to the bring-up
// pipeline and returns the final record.
func (f *Flow) finishCommission(ctx context.Context, nodeID fabricmodel.NodeID) (*fabricmodel.NodeRecord, error) {
	var lastErr error
	interviewed := false
	for try := 0; try <= MaxCommissionRetries; try++ {
		if try > 0 {
			if f.log != nil {
				f.log.Warnf("commissioning: retrying interview of node %s (attempt %d/%d): %v", nodeID, try, MaxCommissionRetries, lastErr)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
		if err := f.InterviewNode(ctx, nodeID); err != nil {
			lastErr = err
			continue
		}
		interviewed = true
		break
	}
	if !interviewed {
		return nil, fmt.Errorf("%w: node %s: %v", ErrNodeInterviewFailed, nodeID, lastErr)
	}

	if err := f.setup.Setup(ctx, nodeID); err != nil {
		return nil, fmt.Errorf("commissioning: setup node %s: %w", nodeID, err)
	}

	rec, ok := f.store.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("commissioning: node %s vanished after setup", nodeID)
	}
	return rec, nil
}

// InterviewNode performs (or, for a synthetic test node, simulates) a full
// wildcard interview and atomically replaces the node's record.
//
// The hook that decides whether to emit NODE_ADDED vs NODE_UPDATED, and
// that fires it, lives above this package (pkg/fabricctl), since it is
// the only place with access to the event bus.
func (f *Flow) InterviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	existing, hadExisting := f.store.Get(nodeID)

	if nodeID.IsSynthetic() {
		if f.log != nil {
			f.log.Debugf("commissioning: interview_node called for test node %s", nodeID)
		}
		return nil
	}

	if f.log != nil {
		f.log.Infof("commissioning: interviewing node %s", nodeID)
	}

	result, _, err := f.adapter.ReadAttribute(ctx, nodeID, stackadapter.ReadRequest{
		Paths:          []fabricmodel.Path{{EndpointID: 0, ClusterID: fabricmodel.WildcardID, AttributeID: fabricmodel.WildcardID}},
		FabricFiltered: false,
	})
	if err != nil {
		return fmt.Errorf("%w: node %s: %v", ErrNodeInterviewFailed, nodeID, err)
	}

	rec := &fabricmodel.NodeRecord{
		NodeID:           nodeID,
		DateCommissioned: f.now().UTC(),
		LastInterview:    f.now().UTC(),
		InterviewVersion: fabricmodel.DataModelSchemaVersion,
		Attributes:       result.Values,
	}
	if hadExisting {
		rec.DateCommissioned = existing.DateCommissioned
		rec.Available = existing.Available
		rec.AttributeSubscriptions = existing.AttributeSubscriptions
	}
	if v, ok := rec.Attributes[fabricmodel.Endpoint1DeviceTypeListPath]; ok {
		rec.IsBridge = fabricmodel.ContainsDeviceType(v, fabricmodel.BridgeDeviceTypeID)
	}

	return f.store.Upsert(rec)
}

// OpenCommissioningWindow opens (or returns the still-cached parameters
// for) a commissioning window on an already-commissioned node, so a second
// controller can join it to its own fabric.
func (f *Flow) OpenCommissioningWindow(ctx context.Context, nodeID fabricmodel.NodeID, timeoutS int, iteration uint32, option int, discriminator *uint16) (*fabricmodel.CommissioningParameters, error) {
	rec, ok := f.store.Get(nodeID)
	if !ok || !rec.Available {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotReady, nodeID)
	}

	if params, ok := f.windows.get(nodeID); ok {
		return params, nil
	}

	disc := uint16(0)
	if discriminator != nil {
		disc = *discriminator
	} else {
		disc = uint16(rand.Intn(4096))
	}

	sdkResult, err := f.adapter.OpenCommissioningWindow(ctx, nodeID, timeoutS, iteration, disc, option)
	if err != nil {
		return nil, fmt.Errorf("commissioning: open commissioning window for node %s: %w", nodeID, err)
	}

	params := &fabricmodel.CommissioningParameters{
		SetupPinCode:    sdkResult.SetupPinCode,
		SetupManualCode: sdkResult.SetupManualCode,
		SetupQRCode:     sdkResult.SetupQRCode,
	}
	f.windows.put(nodeID, params, time.Duration(timeoutS)*time.Second)
	return params, nil
}

// RemoveNode tears down a node's subscription, forgets any cached
// commissioning window, drops the node from the store and persistent
// storage, and best-effort asks the
// device itself to forget this fabric. Device-side removal failures are
// logged, never fatal: the local record is gone regardless.
func (f *Flow) RemoveNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	if f.subs != nil {
		if err := f.subs.Shutdown(ctx, nodeID); err != nil && f.log != nil {
			f.log.Warnf("commissioning: shut down subscription for node %s: %v", nodeID, err)
		}
	}

	if !nodeID.IsSynthetic() {
		if rec, ok := f.store.Get(nodeID); ok {
			if idx, ok := rec.Attributes[fabricmodel.CurrentFabricIndexPath]; ok {
				if fabricIndex, ok := idx.UInt(); ok {
					_, err := f.adapter.SendCommand(ctx, nodeID, fabricmodel.RootEndpoint,
						fabricmodel.ClusterOperationalCredentials, fabricmodel.CommandOperationalCredentialsRemoveFabric,
						fabricmodel.UIntValue(fabricIndex), "", 0, 0)
					if err != nil && f.log != nil {
						f.log.Warnf("commissioning: best-effort RemoveFabric on node %s failed: %v", nodeID, err)
					}
				}
			}
		}
	}

	f.windows.delete(nodeID)
	f.store.Remove(nodeID)
	return nil
}

// scopeIPv6LLA attaches the default outbound interface's zone to a
// caller-supplied IPv6 link-local address that arrived without one, so it
// can be handed to CommissionIP.
func scopeIPv6LLA(ip net.IP) net.IP {
	if ip.To4() != nil || !ip.IsLinkLocalUnicast() {
		return ip
	}
	conn, err := net.Dial("udp", "[2001:db8::1]:80")
	if err != nil {
		return ip
	}
	defer conn.Close()
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.Zone == "" {
		return ip
	}
	scoped := net.ParseIP(ip.String() + "%" + local.Zone)
	if scoped == nil {
		return ip
	}
	return scoped
}
