package fabricmodel

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned by ParsePath when a path string does not match
// the "endpoint/cluster/attribute" grammar.
var ErrInvalidPath = errors.New("fabricmodel: invalid attribute path")

// Wildcard is the only accepted non-numeric path component, valid for
// cluster and attribute in reads; disallowed for endpoint, and disallowed
// everywhere in writes.
const Wildcard = "*"

// WildcardID marks a wildcard cluster or attribute component in a parsed
// Path. Endpoint is never wildcarded; see Path.EndpointID.
const WildcardID = -1

// Path is a parsed attribute path "{endpoint}/{cluster}/{attribute}".
// ClusterID and AttributeID are WildcardID when the component was "*".
type Path struct {
	EndpointID  uint16
	ClusterID   int64
	AttributeID int64
}

// ParsePath parses "e/c/a", accepting "*" for ClusterID/AttributeID. The
// endpoint component must always be a concrete decimal integer.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Path{}, ErrInvalidPath
	}

	ep, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return Path{}, ErrInvalidPath
	}

	cluster, err := parseComponent(parts[1])
	if err != nil {
		return Path{}, err
	}
	attr, err := parseComponent(parts[2])
	if err != nil {
		return Path{}, err
	}

	return Path{EndpointID: uint16(ep), ClusterID: cluster, AttributeID: attr}, nil
}

func parseComponent(s string) (int64, error) {
	if s == Wildcard {
		return WildcardID, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, ErrInvalidPath
	}
	return v, nil
}

// IsConcrete reports whether the path has no wildcard components, which is
// required for writes.
func (p Path) IsConcrete() bool {
	return p.ClusterID != WildcardID && p.AttributeID != WildcardID
}

// String renders the canonical "e/c/a" form, using "*" for wildcards.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(p.EndpointID), 10))
	b.WriteByte('/')
	b.WriteString(componentString(p.ClusterID))
	b.WriteByte('/')
	b.WriteString(componentString(p.AttributeID))
	return b.String()
}

func componentString(v int64) string {
	if v == WildcardID {
		return Wildcard
	}
	return strconv.FormatInt(v, 10)
}

// BuildPath formats a concrete attribute path string, used by callers that
// already hold numeric ids (e.g. the hardcoded diagnostic paths in
// pkg/subscription and pkg/commissioning).
func BuildPath(endpoint uint16, cluster, attribute int64) string {
	return Path{EndpointID: endpoint, ClusterID: cluster, AttributeID: attribute}.String()
}
