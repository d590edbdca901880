package eventbus

import (
	"testing"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

type recordingSub struct {
	events []Event
}

func (r *recordingSub) OnEvent(evt Event) { r.events = append(r.events, evt) }

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a, c := &recordingSub{}, &recordingSub{}
	b.Subscribe(a)
	b.Subscribe(c)

	b.NodeAdded(&fabricmodel.NodeRecord{NodeID: 1})

	if len(a.events) != 1 || len(c.events) != 1 {
		t.Fatalf("expected both subscribers notified, got %d and %d", len(a.events), len(c.events))
	}
	if a.events[0].Kind != KindNodeAdded {
		t.Fatalf("expected KindNodeAdded, got %v", a.events[0].Kind)
	}
}

func TestEachDispatchGetsAUniqueID(t *testing.T) {
	b := New()
	a := &recordingSub{}
	b.Subscribe(a)

	b.NodeRemoved(1)
	b.NodeRemoved(2)

	if a.events[0].ID == a.events[1].ID {
		t.Fatal("expected distinct dispatch ids")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	a := &recordingSub{}
	b.Subscribe(a)
	b.Unsubscribe(a)

	b.NodeRemoved(1)

	if len(a.events) != 0 {
		t.Fatalf("expected no events after unsubscribe, got %d", len(a.events))
	}
}

func TestAttributeUpdatedCarriesPayload(t *testing.T) {
	b := New()
	a := &recordingSub{}
	b.Subscribe(a)

	b.AttributeUpdated(1, "0/40/9", fabricmodel.UIntValue(5))

	update, ok := a.events[0].Data.(AttributeUpdate)
	if !ok {
		t.Fatalf("expected AttributeUpdate payload, got %T", a.events[0].Data)
	}
	if update.Path != "0/40/9" {
		t.Fatalf("expected path preserved, got %s", update.Path)
	}
}
