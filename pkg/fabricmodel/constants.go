package fabricmodel

// Well-known cluster and attribute ids this controller inspects directly.
// These are exactly the handful of numeric ids the control plane needs to
// build attribute-path strings and interpret a handful of well-known
// values; a full generated cluster catalog lives in the external Matter
// SDK collaborator, not here.
const (
	ClusterDescriptor               = 0x001D
	AttributeDescriptorDeviceTypeList = 0x0000
	AttributeDescriptorPartsList      = 0x0003

	ClusterBasicInformation            = 0x0028
	AttributeBasicInformationSoftwareVersion = 0x0009

	ClusterThreadNetworkDiagnostics         = 0x0035
	AttributeThreadNetworkDiagnosticsRoutingRole = 0x0000

	ClusterOperationalCredentials              = 0x003E
	AttributeOperationalCredentialsCurrentFabricIndex = 0x0005
	CommandOperationalCredentialsRemoveFabric         = 0x000A
)

// RootEndpoint and BridgedEndpoint1 are the endpoint ids this controller
// treats specially: the root endpoint hosts fabric/network diagnostics,
// and endpoint 1 is where a bridge's own device-type list is inspected.
const (
	RootEndpoint     uint16 = 0
	BridgedEndpoint1 uint16 = 1
)

// RoutingRolePath is the attribute path inspected to derive a node's
// subscription reporting-interval ceiling.
var RoutingRolePath = BuildPath(RootEndpoint, ClusterThreadNetworkDiagnostics, AttributeThreadNetworkDiagnosticsRoutingRole)

// PartsListPath is the attribute path a bridge's endpoint membership is
// tracked at.
var PartsListPath = BuildPath(RootEndpoint, ClusterDescriptor, AttributeDescriptorPartsList)

// SoftwareVersionPath is the attribute path whose change triggers a full
// re-interview.
var SoftwareVersionPath = BuildPath(RootEndpoint, ClusterBasicInformation, AttributeBasicInformationSoftwareVersion)

// CurrentFabricIndexPath is the attribute path read to best-effort invoke
// RemoveFabric during node removal.
var CurrentFabricIndexPath = BuildPath(RootEndpoint, ClusterOperationalCredentials, AttributeOperationalCredentialsCurrentFabricIndex)

// Endpoint1DeviceTypeListPath is inspected during interview to decide
// NodeRecord.IsBridge.
var Endpoint1DeviceTypeListPath = BuildPath(BridgedEndpoint1, ClusterDescriptor, AttributeDescriptorDeviceTypeList)

// RoutingRole mirrors the handful of ThreadNetworkDiagnostics RoutingRole
// enum values this controller branches on.
type RoutingRole int

const (
	RoutingRoleUnspecified RoutingRole = 0
	RoutingRoleUnassigned  RoutingRole = 1
	RoutingRoleSleepyEndDevice RoutingRole = 2
	RoutingRoleEndDevice   RoutingRole = 3
	RoutingRoleREED        RoutingRole = 4
	RoutingRoleRouter      RoutingRole = 5
	RoutingRoleLeader      RoutingRole = 6
)

// ParseRoutingRole decodes a RoutingRole attribute Value, defaulting to
// RoutingRoleUnspecified (treated as "absent" by the subscribe-ceiling
// logic) when the value isn't a recognized integer.
func ParseRoutingRole(v Value) RoutingRole {
	if u, ok := v.UInt(); ok {
		return RoutingRole(u)
	}
	if i, ok := v.Int(); ok && i >= 0 {
		return RoutingRole(i)
	}
	return RoutingRoleUnspecified
}
