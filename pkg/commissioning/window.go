package commissioning

import (
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// windowCache holds the commissioning parameters for a node's currently
// open commissioning window, clearing each entry after its timeout so a
// stale window is never handed back as if still open.
type windowCache struct {
	mu      sync.Mutex
	entries map[fabricmodel.NodeID]*fabricmodel.CommissioningParameters
	timers  map[fabricmodel.NodeID]*time.Timer
}

func newWindowCache() *windowCache {
	return &windowCache{
		entries: make(map[fabricmodel.NodeID]*fabricmodel.CommissioningParameters),
		timers:  make(map[fabricmodel.NodeID]*time.Timer),
	}
}

func (w *windowCache) get(nodeID fabricmodel.NodeID) (*fabricmodel.CommissioningParameters, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	params, ok := w.entries[nodeID]
	return params, ok
}

func (w *windowCache) put(nodeID fabricmodel.NodeID, params *fabricmodel.CommissioningParameters, timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[nodeID]; ok {
		t.Stop()
	}
	w.entries[nodeID] = params
	w.timers[nodeID] = time.AfterFunc(timeout, func() {
		w.delete(nodeID)
	})
}

func (w *windowCache) delete(nodeID fabricmodel.NodeID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[nodeID]; ok {
		t.Stop()
		delete(w.timers, nodeID)
	}
	delete(w.entries, nodeID)
}
