// Package fabricctl wires every control-plane component into the single
// Controller that owns a fabric and exposes the transport-agnostic command
// API, grounded on device_controller.py's MatterDeviceController and
// styled after the teacher's top-level component-wiring idiom
// (pkg/discovery.Manager assembling an Advertiser and a Resolver from one
// Config).
package fabricctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/backkem/fabricd/pkg/commissioning"
	"github.com/backkem/fabricd/pkg/custompoll"
	"github.com/backkem/fabricd/pkg/eventbus"
	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/fallback"
	"github.com/backkem/fabricd/pkg/idalloc"
	"github.com/backkem/fabricd/pkg/ipdiscovery"
	"github.com/backkem/fabricd/pkg/loop"
	"github.com/backkem/fabricd/pkg/mdnsrouter"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/ping"
	"github.com/backkem/fabricd/pkg/setup"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/backkem/fabricd/pkg/subscription"
	"github.com/pion/logging"
)

// diagnosticsRingCapacity is the size of the global NodeEvent ring
// Diagnostics draws from; per-node history lives in
// subscription.Supervisor.EventHistory instead.
const diagnosticsRingCapacity = 25

// Config configures a Controller. Only Adapter is required: Storage
// defaults to an in-memory store, the mDNS collaborators default to real
// zeroconf resolvers, and a nil Pinger makes every probe report
// unreachable. Each is overridable for tests.
type Config struct {
	// Adapter is the external Matter SDK collaborator every stack
	// operation goes through.
	Adapter stackadapter.StackAdapter

	// Storage persists NodeStore's "nodes" mapping and the id allocator's
	// high-water mark. Defaults to an in-memory store (tests only).
	Storage nodestore.Storage

	// Pinger sends raw ICMP echo requests. Required for PingNode and the
	// fallback scanner to do anything but report unreachable.
	Pinger ping.Pinger

	// MDNSBrowser overrides the mDNS service-state browser mdnsrouter
	// drives. If nil, a real zeroconf resolver is used.
	MDNSBrowser mdnsrouter.MDNSBrowser

	// MDNSResolver overrides the mDNS info resolver ipdiscovery drives.
	// If nil, a real zeroconf resolver is used.
	MDNSResolver ipdiscovery.MDNSResolver

	LoggerFactory logging.LoggerFactory

	// NowFunc stubs time.Now in tests.
	NowFunc func() time.Time
}

// Controller owns one fabric's entire node lifecycle: commissioning,
// interview, subscription, polling, discovery, and the command API above
// all of it.
type Controller struct {
	adapter stackadapter.StackAdapter
	store   *nodestore.NodeStore
	alloc   *idalloc.IdAllocator
	loop    *loop.Loop
	bus     *eventbus.Bus
	log     logging.LeveledLogger
	now     func() time.Time

	supervisor   *subscription.Supervisor
	orchestrator *setup.Orchestrator
	flow         *commissioning.Flow
	prober       *ping.Prober
	poller       *custompoll.Poller
	scanner      *fallback.Scanner
	discovery    *ipdiscovery.Discovery
	router       *mdnsrouter.Router

	diagnostics *fabricmodel.EventRing

	compressedFabricID uint64
}

// setuperRef is the lazy indirection that breaks the
// commissioning.Flow / setup.Orchestrator construction cycle: Flow needs a
// Setuper at construction time, but the only Setuper is the Orchestrator,
// which in turn needs Flow as its Interviewer. orchestrator is assigned
// once, immediately after the Orchestrator is built, before either
// component's Setup/InterviewNode can be called.
type setuperRef struct {
	orchestrator *setup.Orchestrator
}

func (s *setuperRef) Setup(ctx context.Context, nodeID fabricmodel.NodeID) error {
	return s.orchestrator.Setup(ctx, nodeID)
}

// interviewerAdapter routes setup.Orchestrator's Interviewer calls through
// the controller so the NODE_ADDED/NODE_UPDATED decision (which needs the
// event bus) is made in one place for every interview entry point.
type interviewerAdapter struct {
	ctrl *Controller
}

func (i *interviewerAdapter) InterviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	return i.ctrl.interviewNode(ctx, nodeID)
}

// New wires every collaborator together and loads persisted node state.
// Call Start before driving any command.
func New(ctx context.Context, config Config) (*Controller, error) {
	if config.Adapter == nil {
		return nil, fmt.Errorf("fabricctl: Adapter is required")
	}
	storage := config.Storage
	if storage == nil {
		storage = nodestore.NewMemoryStorage()
	}
	now := config.NowFunc
	if now == nil {
		now = time.Now
	}

	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("fabricctl")
	}

	compressedFabricID, err := config.Adapter.CompressedFabricID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fabricctl: read compressed fabric id: %w", err)
	}

	store := nodestore.New(nodestore.Config{Storage: storage, LoggerFactory: config.LoggerFactory})
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("fabricctl: %w", err)
	}
	_, lastNodeID, err := storage.LoadNodes()
	if err != nil {
		return nil, fmt.Errorf("fabricctl: seed id allocator: %w", err)
	}
	alloc := idalloc.New(storage, lastNodeID)

	evLoop := loop.New(0)
	bus := eventbus.New()

	// lastSeen is the single node-activity tracker shared across mDNS
	// sightings, subscription callbacks, and the fallback scanner's own
	// pings; it is passed as LastSeen to each of those components' Configs.
	lastSeen := fallback.NewLastSeenMap()

	discovery, err := ipdiscovery.New(ipdiscovery.Config{
		Resolver:           config.MDNSResolver,
		CompressedFabricID: compressedFabricID,
		LoggerFactory:       config.LoggerFactory,
	})
	if err != nil {
		return nil, fmt.Errorf("fabricctl: %w", err)
	}

	c := &Controller{
		adapter:             config.Adapter,
		store:               store,
		alloc:               alloc,
		loop:                evLoop,
		bus:                 bus,
		log:                 log,
		now:                 now,
		discovery:           discovery,
		diagnostics:         fabricmodel.NewEventRing(diagnosticsRingCapacity),
		compressedFabricID:  compressedFabricID,
	}

	c.prober = ping.New(ping.Config{
		Pinger:        config.Pinger,
		Discovery:     discovery,
		Store:         store,
		Adapter:       config.Adapter,
		LoggerFactory: config.LoggerFactory,
	})

	c.poller = custompoll.New(custompoll.Config{
		Reader:        pollerReaderFunc(c.pollRead),
		Store:         store,
		LoggerFactory: config.LoggerFactory,
	})

	c.supervisor = subscription.New(subscription.Config{
		Adapter:  config.Adapter,
		Store:    store,
		Loop:     evLoop,
		LastSeen: lastSeen,
		Hooks: subscription.Hooks{
			OnAttributeUpdated: func(nodeID fabricmodel.NodeID, path string, value fabricmodel.Value) {
				bus.AttributeUpdated(nodeID, path, value)
			},
			OnNodeUpdated: func(nodeID fabricmodel.NodeID) {
				if rec, ok := store.Get(nodeID); ok {
					bus.NodeUpdated(rec)
				}
			},
			OnNodeEvent: func(evt fabricmodel.NodeEvent) {
				c.diagnostics.Append(evt)
				bus.NodeEvent(evt)
			},
			OnEndpointAdded:   bus.EndpointAdded,
			OnEndpointRemoved: bus.EndpointRemoved,
			ReinterviewNeeded: func(nodeID fabricmodel.NodeID) {
				if err := c.interviewNode(context.Background(), nodeID); err != nil && log != nil {
					log.Warnf("fabricctl: re-interview of node %s failed: %v", nodeID, err)
				}
			},
		},
		LoggerFactory: config.LoggerFactory,
	})

	setuper := &setuperRef{}
	c.flow = commissioning.New(commissioning.Config{
		Adapter:       config.Adapter,
		Store:         store,
		Allocator:     alloc,
		Setup:         setuper,
		Subscriptions: c.supervisor,
		LoggerFactory: config.LoggerFactory,
		NowFunc:       now,
	})

	c.orchestrator = setup.New(setup.Config{
		Adapter:               config.Adapter,
		Store:                 store,
		Interviewer:           &interviewerAdapter{ctrl: c},
		Subscriber:            c.supervisor,
		Poller:                c.poller,
		CheckPolledAttributes: checkPolledAttributes,
		LoggerFactory:         config.LoggerFactory,
	})
	setuper.orchestrator = c.orchestrator

	c.scanner = fallback.New(fallback.Config{
		Pinger:        c.prober,
		Setup:         c.orchestrator,
		Store:         store,
		LastSeen:      lastSeen,
		LoggerFactory: config.LoggerFactory,
		NowFunc:       now,
	})

	c.router = mdnsrouter.New(mdnsrouter.Config{
		CompressedFabricID: compressedFabricID,
		Nodes:              store,
		LastSeen:           lastSeen,
		OnOperationalSeen: func(nodeID fabricmodel.NodeID) {
			go func() {
				if err := c.orchestrator.Setup(context.Background(), nodeID); err != nil && log != nil {
					log.Warnf("fabricctl: setup of node %s failed: %v", nodeID, err)
				}
			}()
		},
		OnCommissionableSeen: func(name string) {
			if log != nil {
				log.Debugf("fabricctl: commissionable service seen: %s", name)
			}
		},
		InSetup:         c.orchestrator.InSetup,
		HasSubscription: c.supervisor.HasSubscription,
		Available: func(nodeID fabricmodel.NodeID) bool {
			rec, ok := store.Get(nodeID)
			return ok && rec.Available
		},
		Resolver:      config.MDNSBrowser,
		LoggerFactory: config.LoggerFactory,
	})

	return c, nil
}

// checkPolledAttributes sources the polled-attribute set from the node's
// own preserved subscription list rather than a cluster catalog: nothing
// in this retrieval pack carries the original's custom_clusters table, and
// AttributeSubscriptions is already the caller-defined list of path
// patterns a node's clusters require re-reading instead of relying on
// subscription reports.
func checkPolledAttributes(rec *fabricmodel.NodeRecord) []string {
	return rec.AttributeSubscriptions
}

// pollerReaderFunc adapts a plain function to custompoll.AttributeReader.
type pollerReaderFunc func(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) error

func (f pollerReaderFunc) ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) error {
	return f(ctx, nodeID, paths, fabricFiltered)
}

// pollRead is custompoll's read entry point: it shares ReadAttribute's
// diff-and-emit core but never returns the decoded map, since the poller
// only cares about the side effects.
func (c *Controller) pollRead(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) error {
	_, err := c.readAttribute(ctx, nodeID, paths, fabricFiltered)
	return err
}

// Start launches the mDNS browse loop, the event loop, and the background
// timers (fallback scanner, custom-attribute poller arms lazily on first
// Register).
func (c *Controller) Start(ctx context.Context) error {
	go c.loop.Run(ctx)
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("fabricctl: %w", err)
	}
	c.scanner.Start()
	return nil
}

// Stop cancels every background activity in the order spec'd for
// shutdown: mDNS browser and its debounce timers, the fallback scanner,
// the custom-attribute poller, then the adapter itself. Commissioning
// window clearers are scheduled with time.AfterFunc and need no explicit
// cancellation here.
func (c *Controller) Stop(ctx context.Context) error {
	c.router.Shutdown()
	c.scanner.Stop()
	c.poller.Stop()
	return c.adapter.Shutdown(ctx)
}

// Diagnostics returns the last 25 globally observed NodeEvents and a full
// snapshot of every known node, for operator-facing dumps.
func (c *Controller) Diagnostics() (events []fabricmodel.NodeEvent, nodes []*fabricmodel.NodeRecord) {
	return c.diagnostics.Snapshot(), c.store.List(false)
}

// GetNodes returns every known node, optionally filtered to available ones.
func (c *Controller) GetNodes(onlyAvailable bool) []*fabricmodel.NodeRecord {
	return c.store.List(onlyAvailable)
}

// GetNode returns a single node's record.
func (c *Controller) GetNode(nodeID fabricmodel.NodeID) (*fabricmodel.NodeRecord, error) {
	rec, ok := c.store.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotExists, nodeID)
	}
	return rec, nil
}

// CommissionWithCode commissions a device via setup code and emits
// NODE_ADDED for the finished record: the allocated id is always new.
func (c *Controller) CommissionWithCode(ctx context.Context, code string, networkOnly bool) (*fabricmodel.NodeRecord, error) {
	rec, err := c.flow.CommissionWithCode(ctx, code, networkOnly)
	if err != nil {
		return nil, err
	}
	c.bus.NodeAdded(rec)
	return rec, nil
}

// CommissionOnNetwork commissions an already-discovered device by PIN,
// optionally targeting a specific IP directly.
func (c *Controller) CommissionOnNetwork(ctx context.Context, pin uint32, filterType int, filter any, ip net.IP) (*fabricmodel.NodeRecord, error) {
	rec, err := c.flow.CommissionOnNetwork(ctx, pin, filterType, filter, ip)
	if err != nil {
		return nil, err
	}
	c.bus.NodeAdded(rec)
	return rec, nil
}

// SetWifiCredentials stores WiFi credentials the commissioning pipeline
// offers to devices during network-layer setup.
func (c *Controller) SetWifiCredentials(ctx context.Context, ssid, password string) error {
	return c.adapter.SetWifiCredentials(ctx, ssid, password)
}

// SetThreadDataset stores the Thread operational dataset the commissioning
// pipeline offers to devices during network-layer setup.
func (c *Controller) SetThreadDataset(ctx context.Context, dataset []byte) error {
	return c.adapter.SetThreadOperationalDataset(ctx, dataset)
}

// OpenCommissioningWindow opens a commissioning window on an
// already-commissioned node for a second controller to join.
func (c *Controller) OpenCommissioningWindow(ctx context.Context, nodeID fabricmodel.NodeID, timeoutS int, iteration uint32, option int, discriminator *uint16) (*fabricmodel.CommissioningParameters, error) {
	return c.flow.OpenCommissioningWindow(ctx, nodeID, timeoutS, iteration, option, discriminator)
}

// Discover returns the commissionable nodes currently visible on the
// network or BLE, per the adapter's own discovery mechanisms.
func (c *Controller) Discover(ctx context.Context) ([]stackadapter.CommissionableNode, error) {
	return c.adapter.DiscoverCommissionableNodes(ctx)
}

// InterviewNode re-runs a full wildcard interview of an already-known
// node.
func (c *Controller) InterviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	if !c.store.Exists(nodeID) {
		return fmt.Errorf("%w: node %s", ErrNodeNotExists, nodeID)
	}
	return c.interviewNode(ctx, nodeID)
}

// interviewNode is the single place deciding NODE_ADDED versus NODE_UPDATED
// for every interview entry point (commission flow excluded: a freshly
// commissioned node is unconditionally new). Synthetic test nodes skip the
// wire round-trip entirely and are always reported as updated, mirroring
// interview_node's early "test node" branch.
func (c *Controller) interviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	if nodeID.IsSynthetic() {
		if err := c.flow.InterviewNode(ctx, nodeID); err != nil {
			return err
		}
		if rec, ok := c.store.Get(nodeID); ok {
			c.bus.NodeUpdated(rec)
		}
		return nil
	}

	_, existed := c.store.Get(nodeID)
	if err := c.flow.InterviewNode(ctx, nodeID); err != nil {
		return err
	}
	rec, ok := c.store.Get(nodeID)
	if !ok {
		return nil
	}
	if existed {
		c.bus.NodeUpdated(rec)
	} else {
		c.bus.NodeAdded(rec)
	}
	return nil
}

// DeviceCommand invokes a cluster command on a node by numeric command id.
// Cluster-name-to-id resolution (the original's command_name lookup table)
// lives in the external SDK collaborator: stackadapter.SendCommand already
// takes commandID as a number, so no name catalog is reimplemented here.
func (c *Controller) DeviceCommand(ctx context.Context, nodeID fabricmodel.NodeID, endpointID uint16, clusterID, commandID uint32, payload fabricmodel.Value, responseType string, timedTimeoutMS, interactionTimeoutMS int64) (*stackadapter.CommandResponse, error) {
	rec, ok := c.store.Get(nodeID)
	if !ok || !rec.Available {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotReady, nodeID)
	}
	return c.adapter.SendCommand(ctx, nodeID, endpointID, clusterID, commandID, payload, responseType, timedTimeoutMS, interactionTimeoutMS)
}

// ReadAttribute reads paths from nodeID, diffs the result against the
// cached attributes, emits ATTRIBUTE_UPDATED for anything changed, and
// schedules a persisted write if anything changed. Synthetic test nodes
// return only the cached values they already hold.
func (c *Controller) ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) (map[string]fabricmodel.Value, error) {
	return c.readAttribute(ctx, nodeID, paths, fabricFiltered)
}

func (c *Controller) readAttribute(ctx context.Context, nodeID fabricmodel.NodeID, rawPaths []string, fabricFiltered bool) (map[string]fabricmodel.Value, error) {
	rec, ok := c.store.Get(nodeID)
	if !ok || !rec.Available {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotReady, nodeID)
	}

	if nodeID.IsSynthetic() {
		out := make(map[string]fabricmodel.Value, len(rawPaths))
		for _, p := range rawPaths {
			if v, ok := rec.Attributes[p]; ok {
				out[p] = v
			}
		}
		return out, nil
	}

	paths := make([]fabricmodel.Path, 0, len(rawPaths))
	for _, raw := range rawPaths {
		p, err := fabricmodel.ParsePath(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		paths = append(paths, p)
	}

	result, _, err := c.adapter.ReadAttribute(ctx, nodeID, stackadapter.ReadRequest{
		Paths:          paths,
		FabricFiltered: fabricFiltered,
	})
	if err != nil {
		return nil, fmt.Errorf("fabricctl: read node %s: %w", nodeID, err)
	}

	changed := false
	c.store.Mutate(nodeID, func(live *fabricmodel.NodeRecord) {
		if live.Attributes == nil {
			live.Attributes = make(map[string]fabricmodel.Value)
		}
		for path, newValue := range result.Values {
			if old, ok := live.Attributes[path]; ok && old.Equal(newValue) {
				continue
			}
			live.Attributes[path] = newValue
			changed = true
			c.bus.AttributeUpdated(nodeID, path, newValue)
		}
	})
	if changed {
		if err := c.store.ScheduleWrite(nodeID, false); err != nil && c.log != nil {
			c.log.Warnf("fabricctl: schedule write for node %s: %v", nodeID, err)
		}
	}

	return result.Values, nil
}

// WriteAttribute writes a single typed value to a concrete attribute path.
// Synthetic test nodes log and return without touching any adapter.
func (c *Controller) WriteAttribute(ctx context.Context, nodeID fabricmodel.NodeID, rawPath string, value fabricmodel.Value) error {
	rec, ok := c.store.Get(nodeID)
	if !ok || !rec.Available {
		return fmt.Errorf("%w: node %s", ErrNodeNotReady, nodeID)
	}

	path, err := fabricmodel.ParsePath(rawPath)
	if err != nil || !path.IsConcrete() {
		return fmt.Errorf("%w: attribute path must be concrete for writes", ErrInvalidArguments)
	}

	if nodeID.IsSynthetic() {
		if c.log != nil {
			c.log.Debugf("fabricctl: write_attribute called for test node %s, ignoring", nodeID)
		}
		return nil
	}

	return c.adapter.WriteAttribute(ctx, nodeID, []stackadapter.AttributeWrite{
		{
			EndpointID:  path.EndpointID,
			ClusterID:   uint32(path.ClusterID),
			AttributeID: uint32(path.AttributeID),
			Value:       value,
		},
	})
}

// RemoveNode tears down a node's subscription and polled-attribute state
// and removes it from the store, emitting NODE_REMOVED.
func (c *Controller) RemoveNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	if !c.store.Exists(nodeID) {
		return fmt.Errorf("%w: node %s", ErrNodeNotExists, nodeID)
	}
	c.poller.Unregister(nodeID)
	if err := c.flow.RemoveNode(ctx, nodeID); err != nil {
		return err
	}
	c.bus.NodeRemoved(nodeID)
	return nil
}

// PingNode probes nodeID's currently known addresses.
func (c *Controller) PingNode(ctx context.Context, nodeID fabricmodel.NodeID, attempts int) (map[string]bool, error) {
	if !c.store.Exists(nodeID) {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotExists, nodeID)
	}
	if attempts <= 0 {
		attempts = 1
	}
	return c.prober.PingNode(ctx, nodeID, attempts), nil
}

// GetNodeIPAddresses resolves nodeID's currently known IP addresses.
func (c *Controller) GetNodeIPAddresses(ctx context.Context, nodeID fabricmodel.NodeID, preferCache, scoped bool) ([]string, error) {
	if !c.store.Exists(nodeID) {
		return nil, fmt.Errorf("%w: node %s", ErrNodeNotExists, nodeID)
	}
	return c.discovery.GetNodeIPAddresses(ctx, nodeID, preferCache, scoped), nil
}

// ImportTestNode loads a JSON-serialized NodeRecord dump as a synthetic,
// in-memory-only node, assigning it the next free id in the synthetic range
// (TestNodeStart itself for the first import), and emits NODE_ADDED.
func (c *Controller) ImportTestNode(dump string) (*fabricmodel.NodeRecord, error) {
	var rec fabricmodel.NodeRecord
	if err := json.Unmarshal([]byte(dump), &rec); err != nil {
		return nil, fmt.Errorf("%w: invalid test node dump: %v", ErrInvalidArguments, err)
	}

	highest := fabricmodel.NodeID(0)
	for _, existing := range c.store.List(false) {
		if existing.NodeID > highest {
			highest = existing.NodeID
		}
	}
	rec.NodeID = idalloc.NextTestNodeID(highest)
	rec.Available = true

	if err := c.store.Upsert(&rec); err != nil {
		return nil, fmt.Errorf("fabricctl: import test node: %w", err)
	}
	imported, _ := c.store.Get(rec.NodeID)
	c.bus.NodeAdded(imported)
	return imported, nil
}
