package nodestore

import (
	"fmt"
	"sync"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/pion/logging"
)

// Config configures a NodeStore.
type Config struct {
	// Storage is the persistence collaborator. If nil, an in-memory
	// MemoryStorage is used (tests only; production callers must supply
	// a real collaborator).
	Storage Storage

	// LoggerFactory scopes this store's log lines. If nil, logging is a
	// no-op.
	LoggerFactory logging.LoggerFactory
}

// NodeStore is the in-memory registry of NodeRecords, mirrored to durable
// storage. It is the exclusive owner of every NodeRecord in the process;
// other components (SubscriptionSupervisor in particular) hold only a node
// id and call back into the store to read or mutate a record.
type NodeStore struct {
	storage Storage
	log     logging.LeveledLogger

	mu    sync.RWMutex
	nodes map[fabricmodel.NodeID]*fabricmodel.NodeRecord
}

// New creates a NodeStore. Call Load before using it in production.
func New(config Config) *NodeStore {
	storage := config.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("nodestore")
	}
	return &NodeStore{
		storage: storage,
		log:     log,
		nodes:   make(map[fabricmodel.NodeID]*fabricmodel.NodeRecord),
	}
}

// Load reads the persisted mapping and reconstructs NodeRecords. Entries
// that fail strict reconstruction fall back to a skeleton record so the
// node gets re-interviewed rather than lost; entries whose stored value is
// nil (orphaned) are purged outright. Every loaded record starts
// Available=false: availability is only ever earned by a live subscription.
func (s *NodeStore) Load() error {
	raw, _, err := s.storage.LoadNodes()
	if err != nil {
		return fmt.Errorf("nodestore: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, data := range raw {
		if data == nil {
			if s.log != nil {
				s.log.Warnf("nodestore: purging orphaned entry %s", key)
			}
			if id, perr := parseNodeKey(key); perr == nil {
				if err := s.storage.DeleteNode(id); err != nil && s.log != nil {
					s.log.Warnf("nodestore: delete orphaned entry %s: %v", key, err)
				}
			}
			continue
		}

		rec, err := unmarshalRecord(data)
		if err != nil {
			id, perr := parseNodeKey(key)
			if perr != nil {
				if s.log != nil {
					s.log.Warnf("nodestore: unparseable node key %q, skipping", key)
				}
				continue
			}
			if s.log != nil {
				s.log.Warnf("nodestore: reconstruction failed for node %s, falling back to skeleton: %v", id, err)
			}
			rec = skeletonRecord(id)
		}

		rec.Available = false
		s.nodes[rec.NodeID] = rec
	}
	return nil
}

func skeletonRecord(id fabricmodel.NodeID) *fabricmodel.NodeRecord {
	return &fabricmodel.NodeRecord{
		NodeID:           id,
		DateCommissioned: time.Unix(0, 0).UTC(),
		LastInterview:    time.Unix(0, 0).UTC(),
		InterviewVersion: 0,
		Attributes:       make(map[string]fabricmodel.Value),
	}
}

// Get returns a clone of the record for id, or (nil, false) if unknown.
func (s *NodeStore) Get(id fabricmodel.NodeID) (*fabricmodel.NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// withRecord runs fn against the live (non-cloned) record for id while
// holding the write lock, for callers that need atomic read-modify-write
// semantics (e.g. SubscriptionSupervisor merging an attribute update).
func (s *NodeStore) withRecord(id fabricmodel.NodeID, fn func(*fabricmodel.NodeRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nodes[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Mutate applies fn to the record for id under the store's write lock and
// returns whether id was known. This is the only sanctioned way for
// non-owner components to modify a NodeRecord in place (spec: the
// supervisor holds only a weak reference and must mutate through the
// single-threaded event loop, never by direct cross-thread mutation).
func (s *NodeStore) Mutate(id fabricmodel.NodeID, fn func(*fabricmodel.NodeRecord)) bool {
	return s.withRecord(id, fn)
}

// List returns clones of all records, optionally filtered to available
// ones only.
func (s *NodeStore) List(onlyAvailable bool) []*fabricmodel.NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*fabricmodel.NodeRecord, 0, len(s.nodes))
	for _, rec := range s.nodes {
		if onlyAvailable && !rec.Available {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Exists reports whether id is known to the store.
func (s *NodeStore) Exists(id fabricmodel.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Upsert installs rec as the authoritative record for its node id,
// replacing any existing one, and persists it forced (interview and
// commissioning both need the write to land before returning success).
func (s *NodeStore) Upsert(rec *fabricmodel.NodeRecord) error {
	clone := rec.Clone()
	s.mu.Lock()
	s.nodes[clone.NodeID] = clone
	s.mu.Unlock()
	return s.ScheduleWrite(clone.NodeID, true)
}

// Remove deletes id from the in-memory registry and from persistent
// storage. Synthetic test nodes are in-memory only and were never written
// to storage, so for them only the in-memory entry is dropped.
func (s *NodeStore) Remove(id fabricmodel.NodeID) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()

	if id.IsSynthetic() {
		return
	}
	if err := s.storage.DeleteNode(id); err != nil && s.log != nil {
		s.log.Warnf("nodestore: delete node %s: %v", id, err)
	}
}

// ScheduleWrite persists the current state of id's record. Force bypasses
// the storage collaborator's internal write coalescing, for moments that
// must not be lost to a debounce window (a fresh interview result).
// Synthetic test nodes are never persisted.
func (s *NodeStore) ScheduleWrite(id fabricmodel.NodeID, force bool) error {
	if id.IsSynthetic() {
		return nil
	}

	s.mu.RLock()
	rec, ok := s.nodes[id]
	var data []byte
	var err error
	if ok {
		data, err = marshalRecord(rec)
	}
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	if err != nil {
		return fmt.Errorf("nodestore: marshal %s: %w", id, err)
	}
	if err := s.storage.SaveNode(id, data, force); err != nil {
		return fmt.Errorf("nodestore: save %s: %w", id, err)
	}
	return nil
}

func parseNodeKey(key string) (fabricmodel.NodeID, error) {
	var id uint64
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return 0, err
	}
	return fabricmodel.NodeID(id), nil
}
