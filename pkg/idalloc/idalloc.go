// Package idalloc is the monotone node-id generator, persisted across
// restarts, with a distinct reserved range for synthetic test nodes.
package idalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// ErrExhausted is returned if NextID would cross into the synthetic
// test-node range, which must never happen for a real operational node id.
var ErrExhausted = errors.New("idalloc: operational node id space exhausted")

// Persister is the narrow slice of nodestore.Storage this allocator needs,
// kept separate so idalloc doesn't import nodestore just for one method.
type Persister interface {
	SaveLastNodeID(id uint64) error
}

// IdAllocator hands out strictly monotone operational node ids, and
// separately computes the next synthetic test-node id on import.
type IdAllocator struct {
	mu       sync.Mutex
	persist  Persister
	lastID   uint64
}

// New creates an IdAllocator seeded with the persisted high-water mark.
func New(persist Persister, lastNodeID uint64) *IdAllocator {
	return &IdAllocator{persist: persist, lastID: lastNodeID}
}

// NextID returns lastID+1 and persists the new high-water mark forced,
// before returning, so a crash immediately after allocation never
// resurrects a reused id.
func (a *IdAllocator) NextID() (fabricmodel.NodeID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.lastID + 1
	if fabricmodel.NodeID(next) >= fabricmodel.TestNodeStart {
		return 0, ErrExhausted
	}
	if err := a.persist.SaveLastNodeID(next); err != nil {
		return 0, fmt.Errorf("idalloc: persist next id: %w", err)
	}
	a.lastID = next
	return fabricmodel.NodeID(next), nil
}

// LastID returns the current high-water mark, for diagnostics and tests.
func (a *IdAllocator) LastID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastID
}

// NextTestNodeID computes the next synthetic test-node id for
// import_test_node: max(TestNodeStart-1, highestKnownID) + 1, so the first
// synthetic node gets TestNodeStart itself. This explicit form replaces the
// Python source's max(*(_nodes), TEST_NODE_START) unpacking, which relies on variadic
// unpacking semantics with no direct, equally terse Go equivalent.
func NextTestNodeID(highestKnownID fabricmodel.NodeID) fabricmodel.NodeID {
	base := fabricmodel.TestNodeStart - 1
	if highestKnownID > base {
		base = highestKnownID
	}
	return base + 1
}
