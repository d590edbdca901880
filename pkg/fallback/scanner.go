// Package fallback is the background safety net that periodically pings
// every currently unavailable node directly, to catch operational nodes
// mDNS missed. Grounded on device_controller.py's _fallback_node_scanner.
package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/pion/logging"
)

// Interval is how often the scanner sweeps all unavailable nodes.
const Interval = 1800 * time.Second

// PingAttempts is how many ping attempts are made per candidate node.
const PingAttempts = 3

// Pinger probes a node's known addresses, returning address -> reachable.
type Pinger interface {
	PingNode(ctx context.Context, nodeID fabricmodel.NodeID, attempts int) map[string]bool
}

// Setuper runs the bring-up pipeline for a node found reachable.
type Setuper interface {
	Setup(ctx context.Context, nodeID fabricmodel.NodeID) error
}

// Store lists all known nodes.
type Store interface {
	List(onlyAvailable bool) []*fabricmodel.NodeRecord
}

// LastSeenTracker reports and updates the last-seen timestamp used to
// throttle how often a given unavailable node is re-probed.
type LastSeenTracker interface {
	LastSeen(nodeID fabricmodel.NodeID) (time.Time, bool)
	MarkSeen(nodeID fabricmodel.NodeID, at time.Time)
}

// Config configures a Scanner.
type Config struct {
	Pinger        Pinger
	Setup         Setuper
	Store         Store
	LastSeen      LastSeenTracker
	LoggerFactory logging.LoggerFactory

	// NowFunc stubs time.Now in tests.
	NowFunc func() time.Time
}

// Scanner is the periodic fallback discovery sweep.
type Scanner struct {
	pinger   Pinger
	setup    Setuper
	store    Store
	lastSeen LastSeenTracker
	log      logging.LeveledLogger
	now      func() time.Time

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New creates a Scanner. Call Start to arm the recurring sweep.
func New(config Config) *Scanner {
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("fallback")
	}
	now := config.NowFunc
	if now == nil {
		now = time.Now
	}
	return &Scanner{
		pinger:   config.Pinger,
		setup:    config.Setup,
		store:    config.Store,
		lastSeen: config.LastSeen,
		log:      log,
		now:      now,
	}
}

// Start arms the first sweep, Interval from now.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil || s.stopped {
		return
	}
	s.timer = time.AfterFunc(Interval, s.sweep)
}

// Stop cancels the pending sweep and prevents further rescheduling.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// sweep pings every unavailable node whose last-seen time is stale enough,
// and sets up any that answer, then unconditionally reschedules itself.
func (s *Scanner) sweep() {
	defer s.reschedule()

	ctx := context.Background()
	now := s.now()
	for _, rec := range s.store.List(false) {
		if rec.Available {
			continue
		}
		if lastSeen, ok := s.lastSeen.LastSeen(rec.NodeID); ok && now.Sub(lastSeen) < Interval {
			continue
		}

		addrs := s.pinger.PingNode(ctx, rec.NodeID, PingAttempts)
		reachable := false
		for _, ok := range addrs {
			if ok {
				reachable = true
				break
			}
		}
		if !reachable {
			continue
		}

		if s.log != nil {
			s.log.Infof("fallback: node %s discovered using fallback ping", rec.NodeID)
		}
		s.lastSeen.MarkSeen(rec.NodeID, now)
		if err := s.setup.Setup(ctx, rec.NodeID); err != nil && s.log != nil {
			s.log.Warnf("fallback: setup for node %s failed: %v", rec.NodeID, err)
		}
	}
}

func (s *Scanner) reschedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.timer = nil
		return
	}
	s.timer = time.AfterFunc(Interval, s.sweep)
}
