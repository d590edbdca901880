// Package setup is the serialized per-node bring-up pipeline: resolve,
// interview-if-needed, subscribe, enable pollers, under a global
// concurrency cap. Grounded on device_controller.py's _setup_node and
// log_node_long_setup.
package setup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/stackadapter"
	"github.com/pion/logging"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrentSetups is the global bring-up concurrency cap.
const MaxConcurrentSetups = 5

// WatchdogInterval is how often the long-running-setup watchdog logs and
// reschedules itself.
const WatchdogInterval = 15 * time.Minute

// ErrNodeNotExists is returned when Setup is called for an unknown node.
var ErrNodeNotExists = errors.New("setup: node does not exist")

// Interviewer performs a full wildcard interview of a node.
type Interviewer interface {
	InterviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error
}

// Subscriber installs the node's attribute/event subscription.
type Subscriber interface {
	Subscribe(ctx context.Context, nodeID fabricmodel.NodeID) error
}

// PolledAttributeRegistrar registers a node's custom-polled attribute
// paths and (re)arms the poller timer.
type PolledAttributeRegistrar interface {
	Register(nodeID fabricmodel.NodeID, paths []string)
}

// CheckPolledAttributes is the external pure function producing the set of
// attribute paths a node needs polled (clusters not reported via
// subscription). Injected so pkg/setup doesn't depend on a concrete
// cluster catalog.
type CheckPolledAttributes func(rec *fabricmodel.NodeRecord) []string

// Config configures an Orchestrator.
type Config struct {
	Adapter               stackadapter.StackAdapter
	Store                 *nodestore.NodeStore
	Interviewer           Interviewer
	Subscriber            Subscriber
	Poller                PolledAttributeRegistrar
	CheckPolledAttributes CheckPolledAttributes
	LoggerFactory         logging.LoggerFactory
}

// Orchestrator is the sole entry point for node bring-up.
type Orchestrator struct {
	adapter     stackadapter.StackAdapter
	store       *nodestore.NodeStore
	interviewer Interviewer
	subscriber  Subscriber
	poller      PolledAttributeRegistrar
	checkPolled CheckPolledAttributes
	log         logging.LeveledLogger

	permit *semaphore.Weighted

	mu      sync.Mutex
	inSetup map[fabricmodel.NodeID]bool
}

// New creates an Orchestrator.
func New(config Config) *Orchestrator {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("setup")
	}
	return &Orchestrator{
		adapter:     config.Adapter,
		store:       config.Store,
		interviewer: config.Interviewer,
		subscriber:  config.Subscriber,
		poller:      config.Poller,
		checkPolled: config.CheckPolledAttributes,
		log:         log,
		permit:      semaphore.NewWeighted(MaxConcurrentSetups),
		inSetup:     make(map[fabricmodel.NodeID]bool),
	}
}

// InSetup reports whether nodeID currently has bring-up in progress.
func (o *Orchestrator) InSetup(nodeID fabricmodel.NodeID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inSetup[nodeID]
}

// Setup runs the bring-up pipeline for nodeID. It is a no-op (not an
// error) if the node is already in setup. It returns an error only for an
// unknown node or when ctx ends before a bring-up permit is acquired. Step
// failures are never fatal: on any step failure Setup logs and returns nil,
// leaving the node in the store marked unavailable; mDNS rediscovery is the
// path back to live.
func (o *Orchestrator) Setup(ctx context.Context, nodeID fabricmodel.NodeID) error {
	if !o.store.Exists(nodeID) {
		return ErrNodeNotExists
	}

	o.mu.Lock()
	if o.inSetup[nodeID] {
		o.mu.Unlock()
		return nil
	}
	o.inSetup[nodeID] = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inSetup, nodeID)
		o.mu.Unlock()
	}()

	if err := o.permit.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("setup: acquire permit for %s: %w", nodeID, err)
	}
	defer o.permit.Release(1)

	watchdogCtx, cancelWatchdog := context.WithCancel(context.Background())
	defer cancelWatchdog()
	go o.runWatchdog(watchdogCtx, nodeID, time.Now())

	if o.log != nil {
		o.log.Infof("setup: setting up node %s", nodeID)
	}

	if err := o.adapter.FindOrEstablishCASESession(ctx, nodeID); err != nil {
		if errors.Is(err, stackadapter.ErrNotResolving) {
			if o.log != nil {
				o.log.Warnf("setup: node %s not resolving, will retry via mDNS/fallback", nodeID)
			}
			return nil
		}
		if o.log != nil {
			o.log.Warnf("setup: establish session for node %s: %v", nodeID, err)
		}
		return nil
	}

	rec, ok := o.store.Get(nodeID)
	if !ok {
		return nil
	}
	if rec.NeedsInterview() {
		if err := o.interviewer.InterviewNode(ctx, nodeID); err != nil {
			if o.log != nil {
				o.log.Warnf("setup: interview node %s: %v", nodeID, err)
			}
			return nil
		}
	}

	if err := o.subscriber.Subscribe(ctx, nodeID); err != nil {
		if o.log != nil {
			o.log.Warnf("setup: subscribe node %s: %v", nodeID, err)
		}
		return nil
	}

	rec, ok = o.store.Get(nodeID)
	if ok && o.checkPolled != nil && o.poller != nil {
		if paths := o.checkPolled(rec); len(paths) > 0 {
			o.poller.Register(nodeID, paths)
		}
	}

	return nil
}

// runWatchdog logs a structured warning once WatchdogInterval has elapsed
// without Setup returning, and reschedules itself indefinitely until setup
// completes or fails (spec: preserve this never-abandon behavior, it is an
// open question whether it should ever stop).
func (o *Orchestrator) runWatchdog(ctx context.Context, nodeID fabricmodel.NodeID, start time.Time) {
	t := time.NewTimer(WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			elapsed := time.Since(start)
			ip, port, ok := o.adapter.GetAddressAndPort(nodeID)
			addr := "unknown"
			if ok {
				addr = fmt.Sprintf("%s:%d", ip, port)
			}
			if o.log != nil {
				o.log.Errorf("setup: node %s did not complete setup in %d minutes; current address in use: %s",
					nodeID, int(elapsed.Minutes()), addr)
			}
			t.Reset(WatchdogInterval)
		}
	}
}
