package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/loop"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/pion/logging"
)

// ResubscribeAttemptsUnavailable is the number of resubscription-attempted
// callbacks, while available, after which the node is marked unavailable.
const ResubscribeAttemptsUnavailable = 3

// ResubscribeTimeoutOffline is the next-resubscribe-interval threshold
// past which a still-unavailable node is torn down and handed back to
// mDNS/fallback rediscovery.
const ResubscribeTimeoutOffline = 30 * time.Minute

// ErrNodeNotExists mirrors the command-API error kind, scoped to this
// package so it doesn't import pkg/fabricctl for one sentinel.
var ErrNodeNotExists = errors.New("subscription: node does not exist or has not been interviewed")

// Hooks are invoked for the control-plane events this supervisor emits.
type Hooks struct {
	OnAttributeUpdated func(nodeID fabricmodel.NodeID, path string, value fabricmodel.Value)
	OnNodeUpdated      func(nodeID fabricmodel.NodeID)
	OnNodeEvent        func(evt fabricmodel.NodeEvent)
	OnEndpointAdded    func(nodeID fabricmodel.NodeID, endpointID uint16)
	OnEndpointRemoved  func(nodeID fabricmodel.NodeID, endpointID uint16)
	// ReinterviewNeeded is invoked synchronously on the loop and must
	// block until the re-interview completes: handlePartsListChange
	// relies on this to finish before it fires OnEndpointAdded for the
	// endpoints the re-interview is about to populate.
	ReinterviewNeeded func(nodeID fabricmodel.NodeID)
}

// LastSeenTracker reports and updates the last-seen timestamp shared
// with pkg/mdnsrouter and pkg/fallback, so subscription activity counts
// as node activity for the fallback scanner's re-probe throttle too.
// Satisfied by *fallback.LastSeenMap.
type LastSeenTracker interface {
	LastSeen(nodeID fabricmodel.NodeID) (time.Time, bool)
	MarkSeen(nodeID fabricmodel.NodeID, at time.Time)
}

// Config configures a Supervisor.
type Config struct {
	Adapter       stackadapter.StackAdapter
	Store         *nodestore.NodeStore
	Loop          *loop.Loop
	Hooks         Hooks
	LastSeen      LastSeenTracker
	LoggerFactory logging.LoggerFactory
}

// Supervisor is the per-node subscription state machine.
type Supervisor struct {
	adapter  stackadapter.StackAdapter
	store    *nodestore.NodeStore
	loop     *loop.Loop
	hooks    Hooks
	lastSeen LastSeenTracker
	log      logging.LeveledLogger

	mu      sync.Mutex
	states  map[fabricmodel.NodeID]State
	attempt map[fabricmodel.NodeID]int
	rings   map[fabricmodel.NodeID]*fabricmodel.EventRing
}

// New creates a Supervisor.
func New(config Config) *Supervisor {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("subscription")
	}
	return &Supervisor{
		adapter:  config.Adapter,
		store:    config.Store,
		loop:     config.Loop,
		hooks:    config.Hooks,
		lastSeen: config.LastSeen,
		log:      log,
		states:   make(map[fabricmodel.NodeID]State),
		attempt:  make(map[fabricmodel.NodeID]int),
		rings:    make(map[fabricmodel.NodeID]*fabricmodel.EventRing),
	}
}

// State returns the current subscription state for a node (Absent if
// never tracked).
func (s *Supervisor) State(nodeID fabricmodel.NodeID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[nodeID]
}

// HasSubscription reports whether a node currently has an active
// subscription handle, i.e. is not Absent/Offline.
func (s *Supervisor) HasSubscription(nodeID fabricmodel.NodeID) bool {
	st := s.State(nodeID)
	return st == Subscribing || st == Live || st == Degraded
}

func (s *Supervisor) setState(nodeID fabricmodel.NodeID, st State) {
	s.mu.Lock()
	s.states[nodeID] = st
	s.mu.Unlock()
}

func (s *Supervisor) ring(nodeID fabricmodel.NodeID) *fabricmodel.EventRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[nodeID]
	if !ok {
		r = fabricmodel.NewEventRing(25)
		s.rings[nodeID] = r
	}
	return r
}

// EventHistory returns the last (up to) 25 events for a node.
func (s *Supervisor) EventHistory(nodeID fabricmodel.NodeID) []fabricmodel.NodeEvent {
	return s.ring(nodeID).Snapshot()
}

// Subscribe shuts down any prior subscription for the node and installs a
// fresh wildcard read/subscribe, with the reporting-interval ceiling
// derived from the node's cached RoutingRole attribute.
func (s *Supervisor) Subscribe(ctx context.Context, nodeID fabricmodel.NodeID) error {
	rec, ok := s.store.Get(nodeID)
	if !ok {
		return ErrNodeNotExists
	}

	if err := s.adapter.ShutdownSubscription(ctx, nodeID); err != nil && s.log != nil {
		s.log.Debugf("subscription: shutdown prior subscription for %s: %v", nodeID, err)
	}

	s.setState(nodeID, Subscribing)
	s.mu.Lock()
	s.attempt[nodeID] = 0
	s.mu.Unlock()

	ceiling := subscribeCeiling(rec.Attributes[fabricmodel.RoutingRolePath])

	req := stackadapter.ReadRequest{
		Paths:                []fabricmodel.Path{{EndpointID: 0, ClusterID: fabricmodel.WildcardID, AttributeID: fabricmodel.WildcardID}},
		EventPaths:           []stackadapter.EventPath{{EndpointID: fabricmodel.WildcardID, ClusterID: fabricmodel.WildcardID, EventID: fabricmodel.WildcardID, Urgency: 1}},
		FabricFiltered:       false,
		ReturnClusterObjects: false,
		AutoResubscribe:      true,
		ReportInterval:       &stackadapter.ReportInterval{FloorSeconds: 0, CeilingSeconds: ceiling},
	}

	_, sub, err := s.adapter.ReadAttribute(ctx, nodeID, req)
	if err != nil {
		s.setState(nodeID, Absent)
		return fmt.Errorf("subscription: subscribe %s: %w", nodeID, err)
	}

	s.wireCallbacks(nodeID, sub)
	return nil
}

// subscribeCeiling derives the reporting-interval ceiling from a cached
// RoutingRole attribute value: absent (WiFi) -> 60s, SleepyEndDevice ->
// 600s, otherwise (Thread router/FTD) -> 60s.
func subscribeCeiling(routingRole fabricmodel.Value) uint32 {
	if routingRole.Kind == fabricmodel.KindNull {
		return 60
	}
	if fabricmodel.ParseRoutingRole(routingRole) == fabricmodel.RoutingRoleSleepyEndDevice {
		return 600
	}
	return 60
}

func (s *Supervisor) wireCallbacks(nodeID fabricmodel.NodeID, sub stackadapter.Subscription) {
	sub.OnAttributeUpdate(func(path fabricmodel.Path, newValue fabricmodel.Value) {
		// Runs on the adapter's own worker; per the thread-hop discipline
		// this callback may only read cached state and post, never
		// mutate NodeStore directly.
		if newValue.IsDecodeFailure() {
			return
		}
		rec, ok := s.store.Get(nodeID)
		if !ok {
			return
		}
		pathStr := path.String()
		oldValue, hadOld := rec.Attributes[pathStr]
		if hadOld && oldValue.Equal(newValue) {
			return
		}
		s.loop.Post(func() {
			s.attributeUpdated(nodeID, pathStr, oldValue, newValue, rec.IsBridge)
		})
	})

	sub.OnEvent(func(evt fabricmodel.NodeEvent) {
		s.ring(nodeID).Append(evt)
		s.loop.Post(func() {
			s.markSeen(nodeID)
			if s.hooks.OnNodeEvent != nil {
				s.hooks.OnNodeEvent(evt)
			}
		})
	})

	sub.OnResubscriptionAttempted(func(terminationErr error, nextIntervalMS int64) {
		s.loop.Post(func() {
			s.resubscriptionAttempted(nodeID, nextIntervalMS)
		})
	})

	sub.OnResubscriptionSucceeded(func() {
		s.loop.Post(func() {
			s.resubscriptionSucceeded(nodeID)
		})
	})

	sub.OnInitialComplete(func(snapshot map[string]fabricmodel.Value) {
		s.loop.Post(func() {
			s.initialComplete(nodeID, snapshot)
		})
	})
}

// markSeen records nodeID activity in the tracker shared with
// pkg/mdnsrouter and pkg/fallback.
func (s *Supervisor) markSeen(nodeID fabricmodel.NodeID) {
	if s.lastSeen != nil {
		s.lastSeen.MarkSeen(nodeID, time.Now())
	}
}

// attributeUpdated applies one decoded attribute change on the loop.
func (s *Supervisor) attributeUpdated(nodeID fabricmodel.NodeID, path string, oldValue, newValue fabricmodel.Value, isBridge bool) {
	s.markSeen(nodeID)
	if isBridge && path == fabricmodel.PartsListPath {
		s.handlePartsListChange(nodeID, oldValue, newValue)
	}

	if path == fabricmodel.SoftwareVersionPath && !oldValue.Equal(newValue) {
		if s.hooks.ReinterviewNeeded != nil {
			s.hooks.ReinterviewNeeded(nodeID)
		}
	}

	s.store.Mutate(nodeID, func(r *fabricmodel.NodeRecord) {
		if r.Attributes == nil {
			r.Attributes = make(map[string]fabricmodel.Value)
		}
		r.Attributes[path] = newValue
	})
	_ = s.store.ScheduleWrite(nodeID, false)

	if s.hooks.OnAttributeUpdated != nil {
		s.hooks.OnAttributeUpdated(nodeID, path, newValue)
	}
}

func (s *Supervisor) handlePartsListChange(nodeID fabricmodel.NodeID, oldValue, newValue fabricmodel.Value) {
	oldSet := fabricmodel.EndpointSet(oldValue)
	newSet := fabricmodel.EndpointSet(newValue)

	for ep := range oldSet {
		if _, still := newSet[ep]; !still {
			prefix := fmt.Sprintf("%d/", ep)
			s.store.Mutate(nodeID, func(r *fabricmodel.NodeRecord) {
				for k := range r.Attributes {
					if hasPrefix(k, prefix) {
						delete(r.Attributes, k)
					}
				}
			})
			if s.hooks.OnEndpointRemoved != nil {
				s.hooks.OnEndpointRemoved(nodeID, ep)
			}
		}
	}

	var added []uint16
	for ep := range newSet {
		if _, existed := oldSet[ep]; !existed {
			added = append(added, ep)
		}
	}
	if len(added) == 0 {
		return
	}

	// The re-interview must finish before ENDPOINT_ADDED fires, or
	// subscribers see the new endpoint before it has any attributes.
	if s.hooks.ReinterviewNeeded != nil {
		s.hooks.ReinterviewNeeded(nodeID)
	}
	for _, ep := range added {
		if s.hooks.OnEndpointAdded != nil {
			s.hooks.OnEndpointAdded(nodeID, ep)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// resubscriptionAttempted implements the available->unavailable and
// unavailable->offline transitions.
func (s *Supervisor) resubscriptionAttempted(nodeID fabricmodel.NodeID, nextIntervalMS int64) {
	s.mu.Lock()
	s.attempt[nodeID]++
	attempts := s.attempt[nodeID]
	s.mu.Unlock()

	rec, ok := s.store.Get(nodeID)
	if !ok {
		return
	}

	if rec.Available && attempts >= ResubscribeAttemptsUnavailable {
		s.setState(nodeID, Degraded)
		s.store.Mutate(nodeID, func(r *fabricmodel.NodeRecord) { r.Available = false })
		if s.hooks.OnNodeUpdated != nil {
			s.hooks.OnNodeUpdated(nodeID)
		}
		if s.log != nil {
			s.log.Infof("subscription: marked node %s unavailable after %d resubscription attempts", nodeID, attempts)
		}
	}

	if !rec.Available && time.Duration(nextIntervalMS)*time.Millisecond > ResubscribeTimeoutOffline {
		s.nodeOffline(nodeID)
	}
}

// nodeOffline tears down the subscription and parks the node waiting for
// mDNS or the fallback scanner to re-promote it.
func (s *Supervisor) nodeOffline(nodeID fabricmodel.NodeID) {
	if err := s.adapter.ShutdownSubscription(context.Background(), nodeID); err != nil && s.log != nil {
		s.log.Warnf("subscription: shutdown subscription for offline node %s: %v", nodeID, err)
	}
	s.setState(nodeID, Offline)
}

func (s *Supervisor) resubscriptionSucceeded(nodeID fabricmodel.NodeID) {
	s.markSeen(nodeID)
	s.mu.Lock()
	s.attempt[nodeID] = 0
	s.mu.Unlock()

	rec, ok := s.store.Get(nodeID)
	if !ok {
		return
	}
	s.setState(nodeID, Live)
	if !rec.Available {
		s.store.Mutate(nodeID, func(r *fabricmodel.NodeRecord) { r.Available = true })
		if s.hooks.OnNodeUpdated != nil {
			s.hooks.OnNodeUpdated(nodeID)
		}
	}
}

// initialComplete marks the node available and merges the initial
// attribute snapshot, the first time a fresh subscription completes.
func (s *Supervisor) initialComplete(nodeID fabricmodel.NodeID, snapshot map[string]fabricmodel.Value) {
	s.markSeen(nodeID)
	s.setState(nodeID, Live)
	s.store.Mutate(nodeID, func(r *fabricmodel.NodeRecord) {
		if r.Attributes == nil {
			r.Attributes = make(map[string]fabricmodel.Value)
		}
		for k, v := range snapshot {
			r.Attributes[k] = v
		}
		r.Available = true
	})
	if s.hooks.OnNodeUpdated != nil {
		s.hooks.OnNodeUpdated(nodeID)
	}
}

// Shutdown tears down the subscription for a node (used by
// CommissioningFlow's RemoveNode).
func (s *Supervisor) Shutdown(ctx context.Context, nodeID fabricmodel.NodeID) error {
	err := s.adapter.ShutdownSubscription(ctx, nodeID)
	s.setState(nodeID, Absent)
	s.mu.Lock()
	delete(s.attempt, nodeID)
	s.mu.Unlock()
	return err
}
