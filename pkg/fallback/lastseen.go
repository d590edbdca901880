package fallback

import (
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// LastSeenMap is the default in-memory LastSeenTracker, shared between this
// package and anything else that wants to record node activity (a
// subscription callback firing counts as "seen").
type LastSeenMap struct {
	mu   sync.Mutex
	seen map[fabricmodel.NodeID]time.Time
}

// NewLastSeenMap creates an empty LastSeenMap.
func NewLastSeenMap() *LastSeenMap {
	return &LastSeenMap{seen: make(map[fabricmodel.NodeID]time.Time)}
}

// LastSeen returns the last recorded activity time for nodeID.
func (m *LastSeenMap) LastSeen(nodeID fabricmodel.NodeID) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.seen[nodeID]
	return t, ok
}

// MarkSeen records at as nodeID's most recent activity time.
func (m *LastSeenMap) MarkSeen(nodeID fabricmodel.NodeID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[nodeID] = at
}
