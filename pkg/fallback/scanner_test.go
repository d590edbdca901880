package fallback

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

type fakePinger struct {
	result map[fabricmodel.NodeID]map[string]bool
}

func (f *fakePinger) PingNode(ctx context.Context, nodeID fabricmodel.NodeID, attempts int) map[string]bool {
	return f.result[nodeID]
}

type fakeSetuper struct{ calls int32 }

func (f *fakeSetuper) Setup(ctx context.Context, nodeID fabricmodel.NodeID) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

type fakeStore struct{ recs []*fabricmodel.NodeRecord }

func (f *fakeStore) List(onlyAvailable bool) []*fabricmodel.NodeRecord {
	if !onlyAvailable {
		return f.recs
	}
	var out []*fabricmodel.NodeRecord
	for _, r := range f.recs {
		if r.Available {
			out = append(out, r)
		}
	}
	return out
}

func TestSweepSetsUpReachableUnavailableNode(t *testing.T) {
	store := &fakeStore{recs: []*fabricmodel.NodeRecord{{NodeID: 1, Available: false}}}
	pinger := &fakePinger{result: map[fabricmodel.NodeID]map[string]bool{1: {"10.0.0.1": true}}}
	setuper := &fakeSetuper{}
	lastSeen := NewLastSeenMap()

	s := New(Config{Pinger: pinger, Setup: setuper, Store: store, LastSeen: lastSeen})
	s.sweep()
	s.Stop()

	if setuper.calls != 1 {
		t.Fatalf("expected Setup called once, got %d", setuper.calls)
	}
	if _, ok := lastSeen.LastSeen(1); !ok {
		t.Fatal("expected last-seen recorded")
	}
}

func TestSweepSkipsAvailableNodes(t *testing.T) {
	store := &fakeStore{recs: []*fabricmodel.NodeRecord{{NodeID: 1, Available: true}}}
	pinger := &fakePinger{result: map[fabricmodel.NodeID]map[string]bool{1: {"10.0.0.1": true}}}
	setuper := &fakeSetuper{}
	s := New(Config{Pinger: pinger, Setup: setuper, Store: store, LastSeen: NewLastSeenMap()})
	s.sweep()
	s.Stop()

	if setuper.calls != 0 {
		t.Fatalf("expected Setup not called for available node, got %d", setuper.calls)
	}
}

func TestSweepSkipsUnreachableNode(t *testing.T) {
	store := &fakeStore{recs: []*fabricmodel.NodeRecord{{NodeID: 1, Available: false}}}
	pinger := &fakePinger{result: map[fabricmodel.NodeID]map[string]bool{1: {"10.0.0.1": false}}}
	setuper := &fakeSetuper{}
	s := New(Config{Pinger: pinger, Setup: setuper, Store: store, LastSeen: NewLastSeenMap()})
	s.sweep()
	s.Stop()

	if setuper.calls != 0 {
		t.Fatalf("expected Setup not called for unreachable node, got %d", setuper.calls)
	}
}

func TestSweepThrottlesRecentlySeenNode(t *testing.T) {
	store := &fakeStore{recs: []*fabricmodel.NodeRecord{{NodeID: 1, Available: false}}}
	pinger := &fakePinger{result: map[fabricmodel.NodeID]map[string]bool{1: {"10.0.0.1": true}}}
	setuper := &fakeSetuper{}
	lastSeen := NewLastSeenMap()
	now := time.Now()
	lastSeen.MarkSeen(1, now)

	s := New(Config{Pinger: pinger, Setup: setuper, Store: store, LastSeen: lastSeen, NowFunc: func() time.Time { return now }})
	s.sweep()
	s.Stop()

	if setuper.calls != 0 {
		t.Fatalf("expected Setup skipped for recently seen node, got %d", setuper.calls)
	}
}
