// Package custompoll periodically re-reads attribute paths that a node's
// cluster set requires polling for instead of subscription-based reporting,
// grounded on device_controller.py's _custom_attributes_poller.
package custompoll

import (
	"context"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/pion/logging"
)

// Interval is how often the poller sweeps all registered nodes.
const Interval = 30 * time.Second

// Throttle is the pause between polling successive nodes within a sweep,
// to keep the extra traffic from saturating the fabric.
const Throttle = 2 * time.Second

// AttributeReader performs a non-fabric-filtered read of paths on nodeID.
// Implementations diff against the cached value and emit ATTRIBUTE_UPDATED
// for anything that changed; read failures are the caller's to log.
type AttributeReader interface {
	ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) error
}

// Store reports whether a node is currently available.
type Store interface {
	Get(id fabricmodel.NodeID) (*fabricmodel.NodeRecord, bool)
}

// Config configures a Poller.
type Config struct {
	Reader        AttributeReader
	Store         Store
	LoggerFactory logging.LoggerFactory
}

// Poller owns the registry of per-node polled attribute paths and the
// recurring timer that sweeps them.
type Poller struct {
	reader AttributeReader
	store  Store
	log    logging.LeveledLogger

	mu      sync.Mutex
	paths   map[fabricmodel.NodeID]map[string]struct{}
	timer   *time.Timer
	running bool
}

// New creates a Poller. It does not start its own timer until Register is
// first called, mirroring the original's "no poll if nothing to poll".
func New(config Config) *Poller {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("custompoll")
	}
	return &Poller{
		reader: config.Reader,
		store:  config.Store,
		log:    log,
		paths:  make(map[fabricmodel.NodeID]map[string]struct{}),
	}
}

// Register adds paths to nodeID's polled set and arms the sweep timer if
// it isn't already running.
func (p *Poller) Register(nodeID fabricmodel.NodeID, paths []string) {
	if len(paths) == 0 {
		return
	}
	p.mu.Lock()
	set, ok := p.paths[nodeID]
	if !ok {
		set = make(map[string]struct{})
		p.paths[nodeID] = set
	}
	for _, path := range paths {
		set[path] = struct{}{}
	}
	needsStart := !p.running
	p.mu.Unlock()

	if needsStart {
		p.schedule()
	}
}

// Unregister drops nodeID from the polled set entirely (node removal).
func (p *Poller) Unregister(nodeID fabricmodel.NodeID) {
	p.mu.Lock()
	delete(p.paths, nodeID)
	p.mu.Unlock()
}

// Stop cancels the pending sweep timer. Any sweep already in flight runs
// to completion.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.running = false
}

func (p *Poller) schedule() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	if len(p.paths) == 0 {
		p.running = false
		p.timer = nil
		p.mu.Unlock()
		return
	}
	p.running = true
	p.timer = time.AfterFunc(Interval, p.sweep)
	p.mu.Unlock()
}

// sweep reads every registered node's polled paths once, throttled, then
// reschedules itself (unless nothing is left registered).
func (p *Poller) sweep() {
	p.mu.Lock()
	type job struct {
		nodeID fabricmodel.NodeID
		paths  []string
	}
	jobs := make([]job, 0, len(p.paths))
	for nodeID, set := range p.paths {
		paths := make([]string, 0, len(set))
		for path := range set {
			paths = append(paths, path)
		}
		jobs = append(jobs, job{nodeID: nodeID, paths: paths})
	}
	p.mu.Unlock()

	ctx := context.Background()
	for i, j := range jobs {
		rec, ok := p.store.Get(j.nodeID)
		if !ok || !rec.Available {
			continue
		}
		if err := p.reader.ReadAttribute(ctx, j.nodeID, j.paths, false); err != nil {
			if p.log != nil {
				p.log.Warnf("custompoll: polling attributes for node %s failed: %v", j.nodeID, err)
			}
		}
		if i < len(jobs)-1 {
			time.Sleep(Throttle)
		}
	}

	p.schedule()
}
