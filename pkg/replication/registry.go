// Package replication implements the grouped, per-recipient entity
// replication sender (spec §4.F) and receiver (spec §4.G): change
// detection, visibility flips, the actions-precede-updates consistency
// rule, and protocol identity derivation (spec §6).
package replication

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/riftloop/netcore/pkg/world"
)

// VisibilityMode controls how an entity's per-peer visibility bit is
// driven (spec §6 mark_replicated's visibility_mode, left open by the
// distilled spec; this package resolves it to these two modes).
type VisibilityMode int

const (
	// AlwaysVisible entities become visible to a peer the first tick
	// after MarkReplicated and stay visible until Unmark.
	AlwaysVisible VisibilityMode = iota
	// Manual entities start invisible; the host flips visibility
	// explicitly via Sender.SetVisible.
	Manual
)

// GroupChannels names the two channels a ReplicationGroup's messages
// travel on (spec §4.F.3): action-bearing messages use the reliable-
// ordered one, update-only messages use the sequenced-unreliable one.
type GroupChannels struct {
	ActionChannel uint32
	UpdateChannel uint32
}

// Registry is the immutable ComponentKind -> registration table that
// seeds the protocol_id hash (spec §9 "registration is immutable after
// protocol init and seeds the protocol_id hash"). Shared read-only
// between a connection's Sender and Receiver.
type Registry struct {
	components map[world.ComponentKind]world.ComponentRegistration
	order      []world.ComponentKind // registration order, for protocol_id
}

// NewRegistry creates an empty component registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[world.ComponentKind]world.ComponentRegistration)}
}

// Register adds a component kind. Panics on duplicate registration,
// since a mis-registered protocol is a local programming error, not a
// recoverable runtime condition (spec §7 "local bug" propagation class).
func (r *Registry) Register(reg world.ComponentRegistration) {
	if _, dup := r.components[reg.Kind]; dup {
		panic("replication: duplicate component kind registration")
	}
	r.components[reg.Kind] = reg
	r.order = append(r.order, reg.Kind)
}

func (r *Registry) lookup(kind world.ComponentKind) (world.ComponentRegistration, bool) {
	reg, ok := r.components[kind]
	return reg, ok
}

// ProtocolID derives the 64-bit protocol identity from every registered
// channel id and component kind, hashed in registration order (spec §6).
// channelIDs must be supplied in the order register_channel was called;
// componentKinds follow register_component order via the Registry itself.
func ProtocolID(channelIDs []uint32, registry *Registry) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, id := range channelIDs {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		h.Write(buf[:])
	}
	for _, kind := range registry.order {
		binary.LittleEndian.PutUint64(buf[:], uint64(kind))
		h.Write(buf[:])
	}
	return h.Sum64()
}
