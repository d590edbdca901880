// Package eventbus fans out the control plane's node-lifecycle and
// attribute-change events to any number of subscribers, grounded on the
// teacher's pkg/im EventManager listener-registry shape.
package eventbus

import (
	"sync"

	"github.com/backkem/fabricd/pkg/fabricmodel"
	"github.com/google/uuid"
)

// Kind identifies the shape of an Event's Data field.
type Kind int

const (
	KindNodeAdded Kind = iota
	KindNodeUpdated
	KindNodeRemoved
	KindAttributeUpdated
	KindNodeEvent
	KindEndpointAdded
	KindEndpointRemoved
)

func (k Kind) String() string {
	switch k {
	case KindNodeAdded:
		return "NODE_ADDED"
	case KindNodeUpdated:
		return "NODE_UPDATED"
	case KindNodeRemoved:
		return "NODE_REMOVED"
	case KindAttributeUpdated:
		return "ATTRIBUTE_UPDATED"
	case KindNodeEvent:
		return "NODE_EVENT"
	case KindEndpointAdded:
		return "ENDPOINT_ADDED"
	case KindEndpointRemoved:
		return "ENDPOINT_REMOVED"
	default:
		return "UNKNOWN"
	}
}

// AttributeUpdate is the payload of a KindAttributeUpdated event.
type AttributeUpdate struct {
	NodeID fabricmodel.NodeID
	Path   string
	Value  fabricmodel.Value
}

// EndpointChange is the payload of a KindEndpointAdded/KindEndpointRemoved
// event.
type EndpointChange struct {
	NodeID     fabricmodel.NodeID
	EndpointID uint16
}

// Event is one dispatched control-plane notification. ID tags the
// dispatch itself (not the underlying domain object) so subscribers and
// diagnostics tooling can correlate duplicate deliveries.
type Event struct {
	ID   uuid.UUID
	Kind Kind
	Data any
}

// Subscriber is notified of every dispatched Event, in dispatch order,
// from whichever goroutine called the Bus's dispatch method (NodeAdded,
// AttributeUpdated, ...).
type Subscriber interface {
	OnEvent(evt Event)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(evt Event)

// OnEvent implements Subscriber.
func (f SubscriberFunc) OnEvent(evt Event) { f(evt) }

// Bus is the process-wide fan-out point for control-plane events.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers sub to receive every event dispatched from now on.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Unsubscribe removes sub. If it was registered more than once, only the
// first match is removed.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// publish dispatches kind/data to every current subscriber, tagging the
// dispatch with a fresh id.
func (b *Bus) publish(kind Kind, data any) {
	evt := Event{ID: uuid.New(), Kind: kind, Data: data}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnEvent(evt)
	}
}

// NodeAdded dispatches KindNodeAdded for rec.
func (b *Bus) NodeAdded(rec *fabricmodel.NodeRecord) { b.publish(KindNodeAdded, rec) }

// NodeUpdated dispatches KindNodeUpdated for rec.
func (b *Bus) NodeUpdated(rec *fabricmodel.NodeRecord) { b.publish(KindNodeUpdated, rec) }

// NodeRemoved dispatches KindNodeRemoved for nodeID.
func (b *Bus) NodeRemoved(nodeID fabricmodel.NodeID) { b.publish(KindNodeRemoved, nodeID) }

// AttributeUpdated dispatches KindAttributeUpdated.
func (b *Bus) AttributeUpdated(nodeID fabricmodel.NodeID, path string, value fabricmodel.Value) {
	b.publish(KindAttributeUpdated, AttributeUpdate{NodeID: nodeID, Path: path, Value: value})
}

// NodeEvent dispatches KindNodeEvent.
func (b *Bus) NodeEvent(evt fabricmodel.NodeEvent) { b.publish(KindNodeEvent, evt) }

// EndpointAdded dispatches KindEndpointAdded.
func (b *Bus) EndpointAdded(nodeID fabricmodel.NodeID, endpointID uint16) {
	b.publish(KindEndpointAdded, EndpointChange{NodeID: nodeID, EndpointID: endpointID})
}

// EndpointRemoved dispatches KindEndpointRemoved.
func (b *Bus) EndpointRemoved(nodeID fabricmodel.NodeID, endpointID uint16) {
	b.publish(KindEndpointRemoved, EndpointChange{NodeID: nodeID, EndpointID: endpointID})
}
