// Package mdnsrouter consumes raw mDNS service-state events, filters by
// fabric, debounces duplicates, and dispatches to node-state or
// commissionable handlers. Grounded on the teacher's
// pkg/discovery/resolver.go zeroconf wrapping and on
// device_controller.py's _on_mdns_service_state_change family.
package mdnsrouter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/debounce"
	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// OperationalService and CommissionableService are the two DNS-SD service
// types this router browses, per spec.md §6 "mDNS services consumed".
const (
	OperationalService    = "_matter._tcp"
	CommissionableService = "_matterc._udp"
)

// MDNSBrowser is the interface this router drives zeroconf's continuous
// Browse through, mirroring the teacher's discovery.MDNSResolver seam so
// tests can inject a fake instead of touching the network.
type MDNSBrowser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfBrowser struct {
	resolver *zeroconf.Resolver
}

func newZeroconfBrowser() (*zeroconfBrowser, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfBrowser{resolver: r}, nil
}

func (z *zeroconfBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

// DebounceWindow coalesces duplicate notifications for the same service
// name.
const DebounceWindow = 500 * time.Millisecond

// MDNSBackoff is the minimum gap since last_seen before a sighting of an
// already-known, currently-subscribed node is logged as "re-discovered";
// a sighting within the gap is not logged. Either way the sighting updates
// last_seen and is handed to OnOperationalSeen.
const MDNSBackoff = 610 * time.Second

// ServiceType distinguishes the two mDNS services this controller consumes.
type ServiceType int

const (
	ServiceOperational ServiceType = iota
	ServiceCommissionable
)

// Change is the kind of mDNS service-state transition observed.
type Change int

const (
	ChangeAdded Change = iota
	ChangeUpdated
	ChangeRemoved
)

// NodeLookup resolves whether a node id is known, so the router can drop
// operational events for unrecognized nodes without importing nodestore
// directly.
type NodeLookup interface {
	Exists(id fabricmodel.NodeID) bool
}

// LastSeenTracker reports and updates the last-seen timestamp shared with
// pkg/fallback and pkg/subscription, so an mDNS sighting counts as
// node activity for the fallback scanner's re-probe throttle too.
// Satisfied by *fallback.LastSeenMap.
type LastSeenTracker interface {
	LastSeen(nodeID fabricmodel.NodeID) (time.Time, bool)
	MarkSeen(nodeID fabricmodel.NodeID, at time.Time)
}

// Router dispatches debounced, fabric-filtered mDNS service-state events.
type Router struct {
	compressedFabricHex string
	nodes               NodeLookup
	debouncer           *debounce.Debouncer
	log                 logging.LeveledLogger

	onOperationalSeen    func(id fabricmodel.NodeID)
	onCommissionableSeen func(name string)

	lastSeen  LastSeenTracker
	inSetup   func(id fabricmodel.NodeID) bool
	hasSub    func(id fabricmodel.NodeID) bool
	available func(id fabricmodel.NodeID) bool

	browser MDNSBrowser

	mu       sync.Mutex
	browsing bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	known    map[string]bool
}

// Config configures a Router.
type Config struct {
	CompressedFabricID uint64
	Nodes              NodeLookup

	// OnOperationalSeen is invoked when an operational mDNS record for a
	// known node id is observed (add or update), after debounce and
	// fabric filtering.
	OnOperationalSeen func(id fabricmodel.NodeID)

	// OnCommissionableSeen is invoked for a commissionable add, carrying
	// the raw instance name, for asynchronous full-info lookups.
	OnCommissionableSeen func(name string)

	// InSetup reports whether a node currently has bring-up in progress.
	InSetup func(id fabricmodel.NodeID) bool

	// HasSubscription reports whether a node currently has an active
	// subscription.
	HasSubscription func(id fabricmodel.NodeID) bool

	// Available reports whether a node is currently marked available, to
	// distinguish a duplicate "still here" Updated event from one worth
	// acting on.
	Available func(id fabricmodel.NodeID) bool

	// LastSeen is the tracker shared with pkg/fallback (and
	// pkg/subscription) that records node activity across the fabric.
	LastSeen LastSeenTracker

	// Resolver is the underlying mDNS browser. If nil, a real zeroconf
	// resolver is used.
	Resolver MDNSBrowser

	LoggerFactory logging.LoggerFactory
}

// New creates a Router.
func New(config Config) *Router {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("mdnsrouter")
	}
	return &Router{
		compressedFabricHex:  strings.ToLower(fmt.Sprintf("%016x", config.CompressedFabricID)),
		nodes:                config.Nodes,
		debouncer:            debounce.New(),
		log:                  log,
		onOperationalSeen:    config.OnOperationalSeen,
		onCommissionableSeen: config.OnCommissionableSeen,
		lastSeen:             config.LastSeen,
		inSetup:              config.InSetup,
		hasSub:               config.HasSubscription,
		available:            config.Available,
		browser:              config.Resolver,
		known:                make(map[string]bool),
	}
}

// Start launches the continuous mDNS browse loop for both operational and
// commissionable services, feeding every observed service-state change
// through HandleEvent. It is a no-op if already started.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.browsing {
		r.mu.Unlock()
		return nil
	}
	if r.browser == nil {
		zb, err := newZeroconfBrowser()
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("mdnsrouter: %w", err)
		}
		r.browser = zb
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.browsing = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.browseLoop(ctx, ServiceOperational, OperationalService)
	go r.browseLoop(ctx, ServiceCommissionable, CommissionableService)
	return nil
}

// browseLoop runs a single Browse call against service for the lifetime of
// ctx, translating each observed entry into a HandleEvent call. zeroconf
// re-queries internally and closes entries once ctx is cancelled.
func (r *Router) browseLoop(ctx context.Context, serviceType ServiceType, service string) {
	defer r.wg.Done()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		if err := r.browser.Browse(ctx, service, "local.", entries); err != nil && r.log != nil && ctx.Err() == nil {
			r.log.Warnf("mdnsrouter: browse %s: %v", service, err)
		}
	}()

	for entry := range entries {
		if entry == nil {
			continue
		}
		change := ChangeAdded
		r.mu.Lock()
		if r.known[entry.Instance] {
			change = ChangeUpdated
		}
		if entry.TTL == 0 {
			change = ChangeRemoved
			delete(r.known, entry.Instance)
		} else {
			r.known[entry.Instance] = true
		}
		r.mu.Unlock()

		r.HandleEvent(serviceType, entry.Instance, change)
	}
}

// HandleEvent is the single entry point the raw mDNS browse loop feeds
// every (serviceType, name, change) notification through.
func (r *Router) HandleEvent(serviceType ServiceType, name string, change Change) {
	if change == ChangeRemoved {
		r.debouncer.Cancel(name)
		if serviceType == ServiceOperational {
			// Teardown is the subscription supervisor's job, not the
			// router's; an operational Removed event carries no action.
			return
		}
		if r.log != nil {
			r.log.Debugf("mdnsrouter: commissionable service removed: %s", name)
		}
		return
	}

	r.debouncer.Schedule(name, DebounceWindow, func() {
		r.dispatch(serviceType, name, change)
	})
}

func (r *Router) dispatch(serviceType ServiceType, name string, change Change) {
	if serviceType == ServiceOperational {
		if !strings.Contains(strings.ToLower(name), r.compressedFabricHex) {
			return
		}
		nodeID, ok := parseOperationalNodeID(name)
		if !ok {
			return
		}
		if r.nodes == nil || !r.nodes.Exists(nodeID) {
			return
		}

		alreadyAvailable := r.available != nil && r.available(nodeID)
		r.noteOperationalSeen(nodeID, alreadyAvailable, change)
		return
	}

	// Commissionable.
	if change != ChangeAdded {
		return
	}
	if r.log != nil {
		r.log.Debugf("mdnsrouter: commissionable service seen: %s", name)
	}
	if r.onCommissionableSeen != nil {
		r.onCommissionableSeen(name)
	}
}

// parseOperationalNodeID extracts the hex node id between the "-" and the
// first "." in an operational instance name
// ("{fabricHex}-{nodeIdHex}._matter._tcp.local.").
func parseOperationalNodeID(name string) (fabricmodel.NodeID, bool) {
	dash := strings.IndexByte(name, '-')
	if dash < 0 {
		return 0, false
	}
	rest := name[dash+1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		dot = len(rest)
	}
	hex := rest[:dot]
	id, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return fabricmodel.NodeID(id), true
}

// noteOperationalSeen is the node-level reaction to an operational mDNS
// sighting: it implements the discovered/re-discovered/already-live/
// in-setup branching from device_controller.py's
// _on_mdns_operational_node_state, then hands off to OnOperationalSeen.
func (r *Router) noteOperationalSeen(nodeID fabricmodel.NodeID, alreadyAvailable bool, change Change) {
	now := time.Now()
	prevSeen, hadSeen := r.lastSeen.LastSeen(nodeID)
	r.lastSeen.MarkSeen(nodeID, now)

	if alreadyAvailable && change == ChangeUpdated {
		return
	}
	if r.inSetup != nil && r.inSetup(nodeID) {
		return
	}

	hasActiveSub := r.hasSub != nil && r.hasSub(nodeID)
	switch {
	case !hasActiveSub:
		if r.log != nil {
			r.log.Infof("mdnsrouter: node %s discovered", nodeID)
		}
	case hadSeen && now.Sub(prevSeen) > MDNSBackoff:
		if r.log != nil {
			r.log.Infof("mdnsrouter: node %s re-discovered", nodeID)
		}
	}

	r.onOperationalSeen(nodeID)
}

// Shutdown cancels the browse loop (if started) and every pending debounce
// timer, and waits for the browse goroutines to exit.
func (r *Router) Shutdown() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.debouncer.CancelAll()
}
