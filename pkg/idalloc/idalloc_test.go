package idalloc

import (
	"testing"

	"github.com/backkem/fabricd/pkg/fabricmodel"
)

type fakePersister struct {
	saved []uint64
}

func (f *fakePersister) SaveLastNodeID(id uint64) error {
	f.saved = append(f.saved, id)
	return nil
}

func TestNextIDMonotone(t *testing.T) {
	p := &fakePersister{}
	a := New(p, 0)

	for want := uint64(1); want <= 3; want++ {
		id, err := a.NextID()
		if err != nil {
			t.Fatalf("NextID: %v", err)
		}
		if uint64(id) != want {
			t.Fatalf("NextID = %d, want %d", id, want)
		}
	}
	if len(p.saved) != 3 {
		t.Fatalf("expected 3 persisted ids, got %d", len(p.saved))
	}
}

func TestNextIDSurvivesRestart(t *testing.T) {
	p := &fakePersister{}
	a := New(p, 41)
	id, err := a.NextID()
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if id != 42 {
		t.Fatalf("NextID after restart seed = %d, want 42", id)
	}
}

func TestNextIDExhausted(t *testing.T) {
	a := New(&fakePersister{}, uint64(fabricmodel.TestNodeStart)-1)
	if _, err := a.NextID(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestNextTestNodeID(t *testing.T) {
	if got := NextTestNodeID(0); got != fabricmodel.TestNodeStart {
		t.Fatalf("empty store: got %v, want %v", got, fabricmodel.TestNodeStart)
	}
	if got := NextTestNodeID(fabricmodel.TestNodeStart + 5); got != fabricmodel.TestNodeStart+6 {
		t.Fatalf("got %v, want %v", got, fabricmodel.TestNodeStart+6)
	}
}
