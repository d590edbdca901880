// Package fabricmodel holds the data types shared by every other package in
// this module: node identifiers, the decoded attribute value variant, node
// records, commissioning parameters, and subscription-delivered events.
package fabricmodel

import (
	"fmt"
	"time"
)

// NodeID is a 64-bit Matter node identifier.
//
// Values >= TestNodeStart denote synthetic test nodes: in-memory only,
// never persisted, never touched by the Matter SDK.
type NodeID uint64

// TestNodeStart is the first node id reserved for synthetic test nodes.
const TestNodeStart NodeID = 900000

// IsSynthetic reports whether id belongs to the synthetic test-node range.
func (n NodeID) IsSynthetic() bool {
	return n >= TestNodeStart
}

// String renders the node id the way log lines in this module reference it.
func (n NodeID) String() string {
	return fmt.Sprintf("0x%016X", uint64(n))
}

// DataModelSchemaVersion is compared against NodeRecord.InterviewVersion to
// decide whether a node needs re-interviewing.
const DataModelSchemaVersion = 1

// BridgeDeviceTypeID is the device-type id that marks endpoint 1 as a
// bridge (Aggregator) device type.
const BridgeDeviceTypeID = 14

// NodeRecord is the persisted, cached view of one commissioned or imported
// node. NodeStore is the sole owner; SubscriptionSupervisor mutates
// Attributes/Available only from the single-threaded event loop.
type NodeRecord struct {
	NodeID    NodeID    `json:"node_id"`
	DateCommissioned time.Time `json:"date_commissioned"`
	LastInterview    time.Time `json:"last_interview"`

	// InterviewVersion is compared against DataModelSchemaVersion to decide
	// whether a re-interview is due.
	InterviewVersion int `json:"interview_version"`

	// Available mirrors subscription liveness. False at process start until
	// a subscription succeeds.
	Available bool `json:"available"`

	// Attributes maps an attribute path string ("endpoint/cluster/attribute")
	// to its last decoded value.
	Attributes map[string]Value `json:"attributes"`

	// AttributeSubscriptions is an opaque, caller-defined list of path
	// patterns preserved across re-interview.
	AttributeSubscriptions []string `json:"attribute_subscriptions"`

	// IsBridge is true iff endpoint 1's device-type list contains
	// BridgeDeviceTypeID.
	IsBridge bool `json:"is_bridge"`
}

// Clone returns a deep copy so callers (including command handlers) never
// observe or mutate NodeStore's internal map state directly.
func (r *NodeRecord) Clone() *NodeRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Attributes = make(map[string]Value, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	out.AttributeSubscriptions = append([]string(nil), r.AttributeSubscriptions...)
	return &out
}

// NeedsInterview reports whether the record has no cached attributes or
// its schema version is stale.
func (r *NodeRecord) NeedsInterview() bool {
	return len(r.Attributes) == 0 || r.InterviewVersion != DataModelSchemaVersion
}

// CommissioningParameters is cached per node id for the duration of an
// opened commissioning window.
type CommissioningParameters struct {
	SetupPinCode   uint32
	SetupManualCode string
	SetupQRCode     string
}

// TimestampType distinguishes system-time from epoch-time event timestamps,
// mirroring the Matter interaction model's two event timestamp encodings.
type TimestampType int

const (
	TimestampSystem TimestampType = iota
	TimestampEpoch
)

// NodeEvent is one subscription-delivered event.
type NodeEvent struct {
	NodeID        NodeID
	EndpointID    uint16
	ClusterID     uint32
	EventID       uint32
	EventNumber   uint64
	Priority      int
	Timestamp     time.Time
	TimestampType TimestampType
	Data          Value
}
