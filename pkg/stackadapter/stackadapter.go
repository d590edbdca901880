// Package stackadapter defines the narrow facade this controller calls
// into the external Matter SDK collaborator through. Nothing in this
// package talks to the wire; every method is a thin call onto whatever
// Matter stack (and its CASE sessions, TLV codec, and subscription
// transport) the process is wired up with.
package stackadapter

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// ErrNotResolving is returned by operations that require locating the node
// on the fabric (establishing a CASE session in particular) when the node
// cannot currently be found.
var ErrNotResolving = errors.New("stackadapter: node not resolving")

// ErrStack is the single generic failure kind every other adapter error
// wraps; callers distinguish only ErrNotResolving from "everything else".
var ErrStack = errors.New("stackadapter: operation failed")

// DiscoveryMode selects how commission_with_code locates the device.
type DiscoveryMode int

const (
	DiscoveryNetworkOnly DiscoveryMode = iota
	DiscoveryAll
)

// ReportInterval is the (floor, ceiling) reporting interval requested for a
// subscription.
type ReportInterval struct {
	FloorSeconds   uint32
	CeilingSeconds uint32
}

// ReadRequest describes a read_attribute / subscribe call. When
// ReportInterval is nil the call is a one-shot read; otherwise it
// establishes a long-lived subscription.
type ReadRequest struct {
	Paths           []fabricmodel.Path
	EventPaths      []EventPath
	FabricFiltered  bool
	ReturnClusterObjects bool
	AutoResubscribe bool
	ReportInterval  *ReportInterval
}

// EventPath subscribes to events of a given urgency on a node; ClusterID
// WildcardID / EventID WildcardID denote "any".
type EventPath struct {
	EndpointID int64
	ClusterID  int64
	EventID    int64
	Urgency    int
}

// Subscription is the live handle returned by a subscribing ReadAttribute
// call. Callbacks fire on the adapter's own worker goroutine(s); callers
// MUST hop to their own single-threaded loop before touching shared state.
type Subscription interface {
	// OnAttributeUpdate registers the raw attribute-report callback.
	OnAttributeUpdate(fn func(path fabricmodel.Path, value fabricmodel.Value))
	// OnEvent registers the event-report callback.
	OnEvent(fn func(evt fabricmodel.NodeEvent))
	// OnResubscriptionAttempted registers the resubscribe-attempt callback.
	OnResubscriptionAttempted(fn func(terminationErr error, nextIntervalMS int64))
	// OnResubscriptionSucceeded registers the resubscribe-success callback.
	OnResubscriptionSucceeded(fn func())
	// OnInitialComplete registers the subscription-established callback
	// with the initial attribute report snapshot.
	OnInitialComplete(fn func(snapshot map[string]fabricmodel.Value))
	// Shutdown tears down the subscription.
	Shutdown(ctx context.Context) error
}

// ReadResult is returned by a one-shot (non-subscribing) ReadAttribute
// call: the decoded attribute map.
type ReadResult struct {
	Values map[string]fabricmodel.Value
}

// AttributeWrite is one (endpoint, attribute path, typed value) write.
type AttributeWrite struct {
	EndpointID uint16
	ClusterID  uint32
	AttributeID uint32
	Value      fabricmodel.Value
}

// CommissioningWindow is the result of open_commissioning_window.
type CommissioningWindow struct {
	SetupPinCode    uint32
	SetupManualCode string
	SetupQRCode     string
}

// CommissionableNode is one entry returned by DiscoverCommissionableNodes.
type CommissionableNode struct {
	InstanceName  string
	Discriminator uint16
	VendorID      uint16
	ProductID     uint16
	Addresses     []net.IP
}

// CommandResponse is the decoded result of an invoked device command.
type CommandResponse struct {
	Values map[string]fabricmodel.Value
}

// StackAdapter is the facade this controller drives commissioning,
// interview, subscription, read/write, and command invocation through.
type StackAdapter interface {
	// CompressedFabricID returns the 64-bit compressed fabric id used in
	// mDNS operational instance names.
	CompressedFabricID(ctx context.Context) (uint64, error)

	CommissionWithCode(ctx context.Context, nodeID fabricmodel.NodeID, code string, mode DiscoveryMode) error
	CommissionOnNetwork(ctx context.Context, nodeID fabricmodel.NodeID, pin uint32, filterType int, filter any) error
	CommissionIP(ctx context.Context, nodeID fabricmodel.NodeID, pin uint32, ip net.IP) error

	SetWifiCredentials(ctx context.Context, ssid, password string) error
	SetThreadOperationalDataset(ctx context.Context, dataset []byte) error

	OpenCommissioningWindow(ctx context.Context, nodeID fabricmodel.NodeID, timeoutS int, iteration uint32, discriminator uint16, option int) (*CommissioningWindow, error)

	DiscoverCommissionableNodes(ctx context.Context) ([]CommissionableNode, error)

	// ReadAttribute performs a one-shot read when req.ReportInterval is
	// nil, returning (result, nil, nil). When req.ReportInterval is set it
	// establishes a subscription, returning (nil, sub, nil).
	ReadAttribute(ctx context.Context, nodeID fabricmodel.NodeID, req ReadRequest) (*ReadResult, Subscription, error)

	WriteAttribute(ctx context.Context, nodeID fabricmodel.NodeID, writes []AttributeWrite) error

	SendCommand(ctx context.Context, nodeID fabricmodel.NodeID, endpointID uint16, clusterID, commandID uint32, payload fabricmodel.Value, responseType string, timedTimeoutMS, interactionTimeoutMS int64) (*CommandResponse, error)

	ShutdownSubscription(ctx context.Context, nodeID fabricmodel.NodeID) error
	NodeHasSubscription(nodeID fabricmodel.NodeID) bool

	// FindOrEstablishCASESession fails with ErrNotResolving when the node
	// cannot currently be located on the fabric.
	FindOrEstablishCASESession(ctx context.Context, nodeID fabricmodel.NodeID) error

	// GetAddressAndPort returns the address currently in use for nodeID,
	// if any.
	GetAddressAndPort(nodeID fabricmodel.NodeID) (ip net.IP, port int, ok bool)

	// Shutdown releases all adapter resources. Called once, at controller
	// shutdown, after every other in-flight call has been cancelled.
	Shutdown(ctx context.Context) error
}

// WatchdogPollInterval is unused by the adapter itself; it documents the
// cadence pkg/setup polls GetAddressAndPort at while a long setup runs.
const WatchdogPollInterval = 15 * time.Minute
