package setup

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/backkem/fabricd/pkg/nodestore"
	"github.com/backkem/fabricd/pkg/stackadapter"
)

type stubAdapter struct {
	stackadapter.StackAdapter
	notResolving bool
	sessionCalls int32
}

func (s *stubAdapter) FindOrEstablishCASESession(ctx context.Context, nodeID fabricmodel.NodeID) error {
	atomic.AddInt32(&s.sessionCalls, 1)
	if s.notResolving {
		return stackadapter.ErrNotResolving
	}
	return nil
}

func (s *stubAdapter) GetAddressAndPort(nodeID fabricmodel.NodeID) (net.IP, int, bool) {
	return nil, 0, false
}

type stubInterviewer struct{ calls int32 }

func (s *stubInterviewer) InterviewNode(ctx context.Context, nodeID fabricmodel.NodeID) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

type stubSubscriber struct{ calls int32 }

func (s *stubSubscriber) Subscribe(ctx context.Context, nodeID fabricmodel.NodeID) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func newRig() (*Orchestrator, *stubAdapter, *stubInterviewer, *stubSubscriber, *nodestore.NodeStore) {
	store := nodestore.New(nodestore.Config{})
	_ = store.Upsert(&fabricmodel.NodeRecord{NodeID: 1, Attributes: map[string]fabricmodel.Value{}})

	adapter := &stubAdapter{}
	interviewer := &stubInterviewer{}
	subscriber := &stubSubscriber{}
	o := New(Config{
		Adapter:     adapter,
		Store:       store,
		Interviewer: interviewer,
		Subscriber:  subscriber,
	})
	return o, adapter, interviewer, subscriber, store
}

func TestSetupUnknownNode(t *testing.T) {
	o, _, _, _, _ := newRig()
	if err := o.Setup(context.Background(), 999); err != ErrNodeNotExists {
		t.Fatalf("expected ErrNodeNotExists, got %v", err)
	}
}

func TestSetupHappyPath(t *testing.T) {
	o, adapter, interviewer, subscriber, _ := newRig()
	if err := o.Setup(context.Background(), 1); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if adapter.sessionCalls != 1 {
		t.Fatalf("expected 1 session call, got %d", adapter.sessionCalls)
	}
	if interviewer.calls != 1 {
		t.Fatalf("expected interview called for empty-attributes node, got %d", interviewer.calls)
	}
	if subscriber.calls != 1 {
		t.Fatalf("expected subscribe called, got %d", subscriber.calls)
	}
	if o.InSetup(1) {
		t.Fatal("expected in-setup flag cleared after completion")
	}
}

func TestSetupNotResolvingIsNotFatal(t *testing.T) {
	o, adapter, interviewer, subscriber, _ := newRig()
	adapter.notResolving = true

	if err := o.Setup(context.Background(), 1); err != nil {
		t.Fatalf("expected nil error on NotResolving, got %v", err)
	}
	if interviewer.calls != 0 || subscriber.calls != 0 {
		t.Fatal("expected interview/subscribe skipped after NotResolving")
	}
}

func TestSetupSkipsInterviewWhenUpToDate(t *testing.T) {
	o, _, interviewer, subscriber, store := newRig()
	store.Mutate(1, func(r *fabricmodel.NodeRecord) {
		r.InterviewVersion = fabricmodel.DataModelSchemaVersion
		r.Attributes["0/40/9"] = fabricmodel.UIntValue(1)
	})

	if err := o.Setup(context.Background(), 1); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if interviewer.calls != 0 {
		t.Fatalf("expected no interview when already up to date, got %d", interviewer.calls)
	}
	if subscriber.calls != 1 {
		t.Fatalf("expected subscribe still called, got %d", subscriber.calls)
	}
}

func TestSetupIsNoOpWhileAlreadyInSetup(t *testing.T) {
	store := nodestore.New(nodestore.Config{})
	_ = store.Upsert(&fabricmodel.NodeRecord{NodeID: 1, Attributes: map[string]fabricmodel.Value{}})

	blockCh := make(chan struct{})
	adapter := &blockingAdapter{block: blockCh}
	interviewer := &stubInterviewer{}
	subscriber := &stubSubscriber{}
	o := New(Config{Adapter: adapter, Store: store, Interviewer: interviewer, Subscriber: subscriber})

	done := make(chan struct{})
	go func() {
		_ = o.Setup(context.Background(), 1)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if !o.InSetup(1) {
		t.Fatal("expected node marked in-setup while blocked")
	}
	if err := o.Setup(context.Background(), 1); err != nil {
		t.Fatalf("expected concurrent Setup call to be a no-op, got error %v", err)
	}

	close(blockCh)
	<-done
}

type blockingAdapter struct {
	stackadapter.StackAdapter
	block chan struct{}
}

func (b *blockingAdapter) FindOrEstablishCASESession(ctx context.Context, nodeID fabricmodel.NodeID) error {
	<-b.block
	return nil
}

func (b *blockingAdapter) GetAddressAndPort(nodeID fabricmodel.NodeID) (net.IP, int, bool) {
	return nil, 0, false
}
