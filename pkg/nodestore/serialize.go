package nodestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

// wireRecord is the JSON-serializable projection of a NodeRecord. Attribute
// values go through fabricmodel.Value's own JSON encoding, which keeps the
// Kind tag so a reloaded value compares equal to the live one. Available is
// not persisted: every loaded record starts unavailable.
type wireRecord struct {
	NodeID                 uint64                       `json:"node_id"`
	DateCommissioned       time.Time                    `json:"date_commissioned"`
	LastInterview          time.Time                    `json:"last_interview"`
	InterviewVersion       int                          `json:"interview_version"`
	Attributes             map[string]fabricmodel.Value `json:"attributes"`
	AttributeSubscriptions []string                     `json:"attribute_subscriptions"`
	IsBridge               bool                         `json:"is_bridge"`
}

func marshalRecord(r *fabricmodel.NodeRecord) ([]byte, error) {
	w := wireRecord{
		NodeID:                 uint64(r.NodeID),
		DateCommissioned:       r.DateCommissioned,
		LastInterview:          r.LastInterview,
		InterviewVersion:       r.InterviewVersion,
		Attributes:             r.Attributes,
		AttributeSubscriptions: r.AttributeSubscriptions,
		IsBridge:               r.IsBridge,
	}
	return json.Marshal(w)
}

// unmarshalRecord attempts strict reconstruction of a NodeRecord. On
// malformed or missing-field JSON it returns (nil, err); the caller falls
// back to a skeleton record rather than failing the whole load.
func unmarshalRecord(data []byte) (*fabricmodel.NodeRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for _, key := range []string{"node_id", "date_commissioned", "last_interview", "interview_version", "attributes", "attribute_subscriptions", "is_bridge"} {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("nodestore: persisted record missing %q", key)
		}
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.Attributes == nil {
		w.Attributes = make(map[string]fabricmodel.Value)
	}
	return &fabricmodel.NodeRecord{
		NodeID:                 fabricmodel.NodeID(w.NodeID),
		DateCommissioned:       w.DateCommissioned,
		LastInterview:          w.LastInterview,
		InterviewVersion:       w.InterviewVersion,
		Available:              false,
		Attributes:             w.Attributes,
		AttributeSubscriptions: w.AttributeSubscriptions,
		IsBridge:               w.IsBridge,
	}, nil
}
