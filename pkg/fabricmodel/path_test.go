package fabricmodel

import "testing"

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Path
		wantErr bool
	}{
		{"concrete", "1/29/0", Path{EndpointID: 1, ClusterID: 29, AttributeID: 0}, false},
		{"wildcard cluster and attribute", "0/*/*", Path{EndpointID: 0, ClusterID: WildcardID, AttributeID: WildcardID}, false},
		{"wildcard attribute only", "0/40/*", Path{EndpointID: 0, ClusterID: 40, AttributeID: WildcardID}, false},
		{"too few components", "0/40", Path{}, true},
		{"endpoint wildcard rejected", "*/40/9", Path{}, true},
		{"negative component", "0/-1/9", Path{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePath(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePath(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Fatalf("ParsePath(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPathRoundTrip(t *testing.T) {
	p := Path{EndpointID: 2, ClusterID: WildcardID, AttributeID: 7}
	s := p.String()
	got, err := ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestPathIsConcrete(t *testing.T) {
	if !(Path{EndpointID: 1, ClusterID: 1, AttributeID: 1}).IsConcrete() {
		t.Fatal("expected concrete path to report concrete")
	}
	if (Path{EndpointID: 1, ClusterID: WildcardID, AttributeID: 1}).IsConcrete() {
		t.Fatal("expected wildcard cluster to report non-concrete")
	}
}

func TestValueEqual(t *testing.T) {
	a := ListValue([]Value{IntValue(1), IntValue(2)})
	b := ListValue([]Value{IntValue(1), IntValue(2)})
	c := ListValue([]Value{IntValue(2), IntValue(1)})

	if !a.Equal(b) {
		t.Fatal("expected equal lists to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differently-ordered lists to compare unequal")
	}
	if DecodeFailureValue("x").Equal(IntValue(0)) {
		t.Fatal("decode failure must never compare equal to a real value")
	}
}

func TestContainsDeviceType(t *testing.T) {
	v := ListValue([]Value{UIntValue(14), UIntValue(256)})
	if !ContainsDeviceType(v, BridgeDeviceTypeID) {
		t.Fatal("expected device type 14 to be found")
	}
	if ContainsDeviceType(v, 999) {
		t.Fatal("expected device type 999 to be absent")
	}
}

func TestEndpointSetDiff(t *testing.T) {
	old := EndpointSet(ListValue([]Value{UIntValue(1), UIntValue(2)}))
	updated := EndpointSet(ListValue([]Value{UIntValue(2)}))

	removed := []uint16{}
	for ep := range old {
		if _, ok := updated[ep]; !ok {
			removed = append(removed, ep)
		}
	}
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("expected endpoint 1 removed, got %v", removed)
	}
}
