package mdnsrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/grandcat/zeroconf"
)

type fakeNodes struct {
	known map[fabricmodel.NodeID]bool
}

func (f *fakeNodes) Exists(id fabricmodel.NodeID) bool { return f.known[id] }

// fakeLastSeen is a minimal LastSeenTracker double, standing in for the
// shared *fallback.LastSeenMap the real controller wires in. Guarded by
// its own mutex, same as the real thing, since Router no longer owns
// any locking for this state itself.
type fakeLastSeen struct {
	mu   sync.Mutex
	seen map[fabricmodel.NodeID]time.Time
}

func newFakeLastSeen() *fakeLastSeen {
	return &fakeLastSeen{seen: make(map[fabricmodel.NodeID]time.Time)}
}

func (f *fakeLastSeen) LastSeen(id fabricmodel.NodeID) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.seen[id]
	return t, ok
}

func (f *fakeLastSeen) MarkSeen(id fabricmodel.NodeID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[id] = at
}

// fakeBrowser feeds a fixed sequence of entries for one service, then
// blocks (like the real resolver does) until ctx is cancelled.
type fakeBrowser struct {
	byService map[string][]*zeroconf.ServiceEntry
}

func (f *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	defer close(entries)
	for _, e := range f.byService[service] {
		select {
		case entries <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestParseOperationalNodeID(t *testing.T) {
	id, ok := parseOperationalNodeID("1122334455667788-0000000000000007._matter._tcp.local.")
	if !ok {
		t.Fatal("expected parse success")
	}
	if id != 7 {
		t.Fatalf("got %v, want 7", id)
	}
}

func TestDispatchDropsUnknownNode(t *testing.T) {
	var seen []fabricmodel.NodeID
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seen = append(seen, id) },
	})

	r.HandleEvent(ServiceOperational, "1122334455667788-0000000000000007._matter._tcp.local.", ChangeAdded)
	time.Sleep(700 * time.Millisecond)

	if len(seen) != 0 {
		t.Fatalf("expected unknown node dropped, got %v", seen)
	}
}

func TestDispatchFiltersByFabric(t *testing.T) {
	var seen []fabricmodel.NodeID
	r := New(Config{
		CompressedFabricID: 0xAAAAAAAAAAAAAAAA,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{7: true}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seen = append(seen, id) },
	})

	r.HandleEvent(ServiceOperational, "1122334455667788-0000000000000007._matter._tcp.local.", ChangeAdded)
	time.Sleep(700 * time.Millisecond)

	if len(seen) != 0 {
		t.Fatalf("expected mismatched fabric dropped, got %v", seen)
	}
}

func TestDispatchDebouncesDuplicates(t *testing.T) {
	var seenCount int
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{7: true}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seenCount++ },
	})

	name := "1122334455667788-0000000000000007._matter._tcp.local."
	r.HandleEvent(ServiceOperational, name, ChangeAdded)
	r.HandleEvent(ServiceOperational, name, ChangeUpdated)
	time.Sleep(700 * time.Millisecond)

	if seenCount != 1 {
		t.Fatalf("expected exactly one dispatch after debounce, got %d", seenCount)
	}
}

func TestDispatchSkipsDuplicateUpdateForAlreadyAvailableNode(t *testing.T) {
	var seenCount int
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{7: true}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seenCount++ },
		Available:          func(id fabricmodel.NodeID) bool { return true },
	})

	name := "1122334455667788-0000000000000007._matter._tcp.local."
	r.HandleEvent(ServiceOperational, name, ChangeUpdated)
	time.Sleep(700 * time.Millisecond)

	if seenCount != 0 {
		t.Fatalf("expected duplicate still-here update to be a no-op, got %d calls", seenCount)
	}
}

func TestStartDispatchesBrowsedEntries(t *testing.T) {
	var seen []fabricmodel.NodeID
	browser := &fakeBrowser{byService: map[string][]*zeroconf.ServiceEntry{
		OperationalService: {
			{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "1122334455667788-0000000000000007"},
				TTL:           120,
			},
		},
	}}
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{7: true}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seen = append(seen, id) },
		Resolver:           browser,
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(700 * time.Millisecond)
	cancel()
	r.Shutdown()

	if len(seen) != 1 || seen[0] != 7 {
		t.Fatalf("expected node 7 dispatched once, got %v", seen)
	}
}

func TestLastSeenSharedAcrossConcurrentDispatches(t *testing.T) {
	shared := newFakeLastSeen()
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes: &fakeNodes{known: map[fabricmodel.NodeID]bool{
			7: true, 8: true,
		}},
		LastSeen:          shared,
		OnOperationalSeen: func(id fabricmodel.NodeID) {},
	})

	names := []string{
		"1122334455667788-0000000000000007._matter._tcp.local.",
		"1122334455667788-0000000000000008._matter._tcp.local.",
	}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			r.HandleEvent(ServiceOperational, n, ChangeAdded)
		}(name)
	}
	wg.Wait()
	time.Sleep(700 * time.Millisecond)

	if _, ok := shared.LastSeen(7); !ok {
		t.Fatal("expected node 7 recorded in the shared tracker")
	}
	if _, ok := shared.LastSeen(8); !ok {
		t.Fatal("expected node 8 recorded in the shared tracker")
	}
}

func TestRemovedCancelsPendingOperationalTimer(t *testing.T) {
	var seenCount int
	r := New(Config{
		CompressedFabricID: 0x1122334455667788,
		Nodes:              &fakeNodes{known: map[fabricmodel.NodeID]bool{7: true}},
		LastSeen:           newFakeLastSeen(),
		OnOperationalSeen:  func(id fabricmodel.NodeID) { seenCount++ },
	})

	name := "1122334455667788-0000000000000007._matter._tcp.local."
	r.HandleEvent(ServiceOperational, name, ChangeAdded)
	r.HandleEvent(ServiceOperational, name, ChangeRemoved)
	time.Sleep(700 * time.Millisecond)

	if seenCount != 0 {
		t.Fatalf("expected Removed to cancel pending dispatch, got %d calls", seenCount)
	}
}
