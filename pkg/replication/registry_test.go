package replication

import (
	"testing"

	"github.com/riftloop/netcore/pkg/world"
)

type noopSerde struct{}

func (noopSerde) Encode(v interface{}) ([]byte, error) { return nil, nil }
func (noopSerde) Decode(b []byte) (interface{}, error) { return nil, nil }

func TestProtocolIDDeterministicOnOrder(t *testing.T) {
	r1 := NewRegistry()
	r1.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})
	r1.Register(world.ComponentRegistration{Kind: 2, Serde: noopSerde{}})

	r2 := NewRegistry()
	r2.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})
	r2.Register(world.ComponentRegistration{Kind: 2, Serde: noopSerde{}})

	id1 := ProtocolID([]uint32{10, 20}, r1)
	id2 := ProtocolID([]uint32{10, 20}, r2)
	if id1 != id2 {
		t.Errorf("expected identical protocol ids for identical registration order, got %d vs %d", id1, id2)
	}
}

func TestProtocolIDDiffersOnOrder(t *testing.T) {
	r1 := NewRegistry()
	r1.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})
	r1.Register(world.ComponentRegistration{Kind: 2, Serde: noopSerde{}})

	r2 := NewRegistry()
	r2.Register(world.ComponentRegistration{Kind: 2, Serde: noopSerde{}})
	r2.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})

	id1 := ProtocolID([]uint32{10, 20}, r1)
	id2 := ProtocolID([]uint32{10, 20}, r2)
	if id1 == id2 {
		t.Error("expected differing registration order to change protocol id")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate component kind registration")
		}
	}()
	r := NewRegistry()
	r.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})
	r.Register(world.ComponentRegistration{Kind: 1, Serde: noopSerde{}})
}
