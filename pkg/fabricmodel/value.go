package fabricmodel

import (
	"encoding/json"
	"fmt"
)

// Kind tags a decoded attribute Value. Matter attribute values are
// heterogeneous by nature (TLV-decoded), so Value is a tagged variant
// instead of an untyped map[string]interface{} that every caller would have
// to re-discriminate with type switches of its own.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindUInt
	KindBool
	KindFloat
	KindBytes
	KindString
	KindList
	KindMap
	// KindDecodeFailure marks a value the stack adapter could not decode.
	// The attribute-update callback filters these out before they ever
	// reach NodeRecord.Attributes; a decode failure must never poison the
	// cache with a sentinel that looks like real device state.
	KindDecodeFailure
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindInt:
		return "Int"
	case KindUInt:
		return "UInt"
	case KindBool:
		return "Bool"
	case KindFloat:
		return "Float"
	case KindBytes:
		return "Bytes"
	case KindString:
		return "String"
	case KindList:
		return "List"
	case KindMap:
		return "Map"
	case KindDecodeFailure:
		return "DecodeFailure"
	default:
		return "Unknown"
	}
}

// Value is a decoded Matter attribute or event payload value.
type Value struct {
	Kind Kind

	i int64
	u uint64
	b bool
	f float64
	s string
	y []byte
	l []Value
	m map[string]Value

	// DecodeErr carries the reason when Kind == KindDecodeFailure.
	DecodeErr string
}

func NullValue() Value { return Value{Kind: KindNull} }

func IntValue(v int64) Value { return Value{Kind: KindInt, i: v} }

func UIntValue(v uint64) Value { return Value{Kind: KindUInt, u: v} }

func BoolValue(v bool) Value { return Value{Kind: KindBool, b: v} }

func FloatValue(v float64) Value { return Value{Kind: KindFloat, f: v} }

func BytesValue(v []byte) Value { return Value{Kind: KindBytes, y: v} }

func StringValue(v string) Value { return Value{Kind: KindString, s: v} }

func ListValue(v []Value) Value { return Value{Kind: KindList, l: v} }

func MapValue(v map[string]Value) Value { return Value{Kind: KindMap, m: v} }

func DecodeFailureValue(reason string) Value {
	return Value{Kind: KindDecodeFailure, DecodeErr: reason}
}

func (v Value) IsDecodeFailure() bool { return v.Kind == KindDecodeFailure }

func (v Value) Int() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) UInt() (uint64, bool) {
	if v.Kind != KindUInt {
		return 0, false
	}
	return v.u, true
}

func (v Value) Bool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Float() (float64, bool) {
	if v.Kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v Value) Bytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.y, true
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindUInt:
		return fmt.Sprintf("%d", v.u)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.y))
	case KindString:
		return v.s
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.l))
	case KindMap:
		return fmt.Sprintf("map(%d)", len(v.m))
	case KindDecodeFailure:
		return fmt.Sprintf("<decode failure: %s>", v.DecodeErr)
	default:
		return "<unknown>"
	}
}

func (v Value) List() ([]Value, bool) {
	if v.Kind != KindList {
		return nil, false
	}
	return v.l, true
}

func (v Value) Map() (map[string]Value, bool) {
	if v.Kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports structural equality. Used by the attribute-update path to
// decide whether a freshly decoded value actually changed before writing it
// back and emitting ATTRIBUTE_UPDATED.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == o.i
	case KindUInt:
		return v.u == o.u
	case KindBool:
		return v.b == o.b
	case KindFloat:
		return v.f == o.f
	case KindBytes:
		return bytesEqual(v.y, o.y)
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, mv := range v.m {
			ov, ok := o.m[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	case KindDecodeFailure:
		return v.DecodeErr == o.DecodeErr
	default:
		return false
	}
}

// wireValue is the JSON-serializable projection of a Value, used by
// ImportTestNode's dump format. Mirrors nodestore's wireRecord idiom of a
// plain exported-field struct standing in for a type whose real fields are
// unexported.
type wireValue struct {
	Kind      Kind             `json:"kind"`
	Int       int64            `json:"int,omitempty"`
	UInt      uint64           `json:"uint,omitempty"`
	Bool      bool             `json:"bool,omitempty"`
	Float     float64          `json:"float,omitempty"`
	Bytes     []byte           `json:"bytes,omitempty"`
	String    string           `json:"string,omitempty"`
	List      []Value          `json:"list,omitempty"`
	Map       map[string]Value `json:"map,omitempty"`
	DecodeErr string           `json:"decode_err,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{
		Kind:      v.Kind,
		Int:       v.i,
		UInt:      v.u,
		Bool:      v.b,
		Float:     v.f,
		Bytes:     v.y,
		String:    v.s,
		List:      v.l,
		Map:       v.m,
		DecodeErr: v.DecodeErr,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = Value{
		Kind:      w.Kind,
		i:         w.Int,
		u:         w.UInt,
		b:         w.Bool,
		f:         w.Float,
		y:         w.Bytes,
		s:         w.String,
		l:         w.List,
		m:         w.Map,
		DecodeErr: w.DecodeErr,
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DeviceTypeList extracts a list-of-uint device-type ids from a Value,
// as stored at an endpoint's Descriptor/DeviceTypeList attribute. Returns
// nil, false if v isn't a decodable device-type list.
func DeviceTypeList(v Value) ([]uint64, bool) {
	items, ok := v.List()
	if !ok {
		return nil, false
	}
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		if u, ok := item.UInt(); ok {
			out = append(out, u)
			continue
		}
		if i, ok := item.Int(); ok && i >= 0 {
			out = append(out, uint64(i))
			continue
		}
		// Some decoders represent a DeviceTypeStruct as a map with a
		// "device_type" field; tolerate that shape too.
		if m, ok := item.Map(); ok {
			if dt, ok := m["device_type"]; ok {
				if u, ok := dt.UInt(); ok {
					out = append(out, u)
				}
			}
		}
	}
	return out, true
}

// ContainsDeviceType reports whether the list-shaped Value v contains id.
func ContainsDeviceType(v Value, id uint64) bool {
	list, ok := DeviceTypeList(v)
	if !ok {
		return false
	}
	for _, d := range list {
		if d == id {
			return true
		}
	}
	return false
}

// EndpointSet returns the elements of a PartsList-shaped Value as a set of
// endpoint ids, for diffing bridge endpoint membership.
func EndpointSet(v Value) map[uint16]struct{} {
	out := map[uint16]struct{}{}
	items, ok := v.List()
	if !ok {
		return out
	}
	for _, item := range items {
		if u, ok := item.UInt(); ok {
			out[uint16(u)] = struct{}{}
			continue
		}
		if i, ok := item.Int(); ok && i >= 0 {
			out[uint16(i)] = struct{}{}
		}
	}
	return out
}
