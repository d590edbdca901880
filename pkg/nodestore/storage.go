// Package nodestore is the in-memory node registry, mirroring to durable
// storage through an injected Storage collaborator.
package nodestore

import (
	"strconv"
	"sync"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// nodeKey is the decimal string key a NodeID is persisted under, per the
// "nodes" mapping layout (decimal node id -> serialized NodeRecord).
func nodeKey(id fabricmodel.NodeID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Storage abstracts the persistent key-value collaborator this module
// delegates to (spec: "persistent key-value storage" is out of scope).
// All methods must be safe for concurrent use; writes are expected to be
// coalesced internally except when Force is set.
type Storage interface {
	// LoadNodes returns the persisted "nodes" mapping, keyed by decimal
	// node id string, along with the persisted "last_node_id" high-water
	// mark. A nil map value for a given key denotes an orphaned entry.
	LoadNodes() (nodes map[string][]byte, lastNodeID uint64, err error)

	// SaveNode writes (or schedules writing) the serialized record for
	// nodeID. Force bypasses any coalescing window.
	SaveNode(nodeID fabricmodel.NodeID, data []byte, force bool) error

	// DeleteNode removes nodeID's persisted entry entirely.
	DeleteNode(nodeID fabricmodel.NodeID) error

	// SaveLastNodeID persists the id allocator's high-water mark. Always
	// forced: IdAllocator.NextID must survive a crash immediately after
	// allocating.
	SaveLastNodeID(id uint64) error
}

// MemoryStorage is an in-memory Storage implementation, useful for tests
// and for synthetic test nodes that never reach real storage.
type MemoryStorage struct {
	mu         sync.Mutex
	nodes      map[string][]byte
	lastNodeID uint64
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{nodes: make(map[string][]byte)}
}

func (m *MemoryStorage) LoadNodes() (map[string][]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.nodes))
	for k, v := range m.nodes {
		out[k] = v
	}
	return out, m.lastNodeID, nil
}

func (m *MemoryStorage) SaveNode(nodeID fabricmodel.NodeID, data []byte, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeKey(nodeID)] = data
	return nil
}

func (m *MemoryStorage) DeleteNode(nodeID fabricmodel.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeKey(nodeID))
	return nil
}

func (m *MemoryStorage) SaveLastNodeID(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastNodeID = id
	return nil
}
