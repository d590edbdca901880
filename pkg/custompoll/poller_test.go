package custompoll

import (
	"context"
	"sync"
	"testing"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

type fakeReader struct {
	mu    sync.Mutex
	calls []fabricmodel.NodeID
	err   error
}

func (f *fakeReader) ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, paths []string, fabricFiltered bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
	return f.err
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStore struct{ available map[fabricmodel.NodeID]bool }

func (f *fakeStore) Get(id fabricmodel.NodeID) (*fabricmodel.NodeRecord, bool) {
	avail, ok := f.available[id]
	if !ok {
		return nil, false
	}
	return &fabricmodel.NodeRecord{NodeID: id, Available: avail}, true
}

func TestRegisterSkipsUnavailableNodes(t *testing.T) {
	reader := &fakeReader{}
	store := &fakeStore{available: map[fabricmodel.NodeID]bool{1: false}}
	p := New(Config{Reader: reader, Store: store})

	p.Register(1, []string{"0/6/0"})
	p.sweep()

	if reader.callCount() != 0 {
		t.Fatalf("expected no read for unavailable node, got %d", reader.callCount())
	}
}

func TestSweepReadsAvailableRegisteredNodes(t *testing.T) {
	reader := &fakeReader{}
	store := &fakeStore{available: map[fabricmodel.NodeID]bool{1: true, 2: true}}
	p := New(Config{Reader: reader, Store: store})
	p.Stop()

	p.mu.Lock()
	p.paths[1] = map[string]struct{}{"0/6/0": {}}
	p.paths[2] = map[string]struct{}{"0/6/0": {}}
	p.mu.Unlock()

	p.sweep()

	if reader.callCount() != 2 {
		t.Fatalf("expected 2 reads, got %d", reader.callCount())
	}
}

func TestUnregisterStopsPolling(t *testing.T) {
	reader := &fakeReader{}
	store := &fakeStore{available: map[fabricmodel.NodeID]bool{1: true}}
	p := New(Config{Reader: reader, Store: store})

	p.Register(1, []string{"0/6/0"})
	p.Unregister(1)

	p.mu.Lock()
	_, stillThere := p.paths[1]
	p.mu.Unlock()
	if stillThere {
		t.Fatal("expected node removed from polled set")
	}
}
