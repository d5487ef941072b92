package replication

import (
	"github.com/pkg/errors"

	"github.com/riftloop/netcore/pkg/wire"
	"github.com/riftloop/netcore/pkg/world"
)

// ErrApplyFailed is returned when applying a ReplicationPayload to the
// World fails partway through. Per spec §7, replication apply failures
// are a protocol-level fault: the caller is expected to disconnect the
// peer (events.ReasonReplicationApplyFailure), since the group's local
// state can no longer be trusted to match the sender's.
var ErrApplyFailed = errors.New("replication: failed to apply payload to world")

// pendingUpdate is an update buffered because it arrived before the
// action stamp that gates it (spec §4.G: "applied iff
// latest_applied_action_id >= u").
type pendingUpdate struct {
	stamp  uint64
	update wire.Update
}

type groupRecvState struct {
	appliedStamp uint64
	buffered     []pendingUpdate
}

// Receiver is one connected peer's replication-receiver state (spec
// §4.G): it owns the NetEntityId -> local EntityID mapping for entities
// this peer's Sender has spawned toward us, and applies actions/updates
// to the host World in arrival order, gated by each group's action
// stamp.
type Receiver struct {
	registry *Registry

	netToLocal map[uint64]world.EntityID

	groups map[uint64]*groupRecvState
}

// NewReceiver constructs a per-peer Receiver over the same Registry used
// by the connection's Sender (and the remote peer's Sender — registries
// on both ends must agree, enforced by the protocol_id handshake).
func NewReceiver(registry *Registry) *Receiver {
	return &Receiver{
		registry:   registry,
		netToLocal: make(map[uint64]world.EntityID),
		groups:     make(map[uint64]*groupRecvState),
	}
}

func (r *Receiver) groupState(groupID uint64) *groupRecvState {
	g, ok := r.groups[groupID]
	if !ok {
		g = &groupRecvState{}
		r.groups[groupID] = g
	}
	return g
}

// Apply applies one ReplicationPayload to w. All actions in a payload
// with a non-empty Actions slice are applied atomically — either the
// whole batch succeeds or none of it is applied to w — per spec §7's
// requirement that a mid-batch failure not leave the group in a
// half-applied state. Pure-update-only payloads (Actions empty) are
// gated by ActionStamp against the group's latest applied action
// (spec §4.G) and buffered if they arrive ahead of it.
func (r *Receiver) Apply(w world.World, p wire.ReplicationPayload) error {
	g := r.groupState(p.GroupID)

	if len(p.Actions) > 0 {
		if err := r.applyActions(w, p.GroupID, p.Actions); err != nil {
			return err
		}
		g.appliedStamp = p.ActionStamp
		r.drainBuffered(w, p.GroupID)
		// Updates riding along with actions in the same message are
		// already consistent with the new stamp (consistency rule,
		// spec §4.F.2), so apply them directly rather than buffering.
		return r.applyUpdates(w, p.Updates)
	}

	if p.ActionStamp > g.appliedStamp {
		g.buffered = append(g.buffered, bufferAll(p.ActionStamp, p.Updates)...)
		return nil
	}
	return r.applyUpdates(w, p.Updates)
}

func bufferAll(stamp uint64, updates []wire.Update) []pendingUpdate {
	out := make([]pendingUpdate, 0, len(updates))
	for _, u := range updates {
		out = append(out, pendingUpdate{stamp: stamp, update: u})
	}
	return out
}

// drainBuffered applies any buffered updates now covered by the group's
// newly advanced appliedStamp, in the order they were buffered.
func (r *Receiver) drainBuffered(w world.World, groupID uint64) {
	g := r.groupState(groupID)
	if len(g.buffered) == 0 {
		return
	}
	var remaining []pendingUpdate
	for _, pu := range g.buffered {
		if pu.stamp > g.appliedStamp {
			remaining = append(remaining, pu)
			continue
		}
		r.applyUpdate(w, pu.update)
	}
	g.buffered = remaining
}

func (r *Receiver) applyActions(w world.World, groupID uint64, actions []wire.Action) error {
	// Validate every action before mutating w, so a malformed batch never
	// partially applies. known tracks which NetEntityIds would resolve by
	// the time each action runs, including ones a Spawn earlier in this
	// same batch introduces, so a Despawn/Insert/Remove referencing a
	// batch-local Spawn validates correctly without a false "unknown net
	// entity" rejection.
	known := make(map[uint64]bool, len(r.netToLocal)+len(actions))
	for id := range r.netToLocal {
		known[id] = true
	}
	decoded := make([]interface{}, len(actions))
	for i, a := range actions {
		switch a.Tag {
		case wire.ActionSpawn:
			known[a.NetEntityID] = true
		case wire.ActionDespawn:
			if !known[a.NetEntityID] {
				return errors.Wrapf(ErrApplyFailed, "despawn of unknown net entity %d", a.NetEntityID)
			}
			delete(known, a.NetEntityID)
		case wire.ActionInsert, wire.ActionRemove:
			reg, ok := r.registry.lookup(world.ComponentKind(a.ComponentKind))
			if !ok {
				return errors.Wrapf(ErrApplyFailed, "unknown component kind %d", a.ComponentKind)
			}
			if !known[a.NetEntityID] {
				return errors.Wrapf(ErrApplyFailed, "action on unknown net entity %d", a.NetEntityID)
			}
			if a.Tag == wire.ActionInsert {
				value, err := reg.Serde.Decode(a.ComponentBytes)
				if err != nil {
					return errors.Wrap(ErrApplyFailed, "decode insert component")
				}
				decoded[i] = value
			}
		default:
			return errors.Wrapf(ErrApplyFailed, "unknown action tag %d", a.Tag)
		}
	}

	for i, a := range actions {
		switch a.Tag {
		case wire.ActionSpawn:
			local := w.Spawn()
			r.netToLocal[a.NetEntityID] = local
		case wire.ActionDespawn:
			local, ok := r.netToLocal[a.NetEntityID]
			if !ok {
				return errors.Wrapf(ErrApplyFailed, "despawn of unknown net entity %d", a.NetEntityID)
			}
			w.Despawn(local)
			delete(r.netToLocal, a.NetEntityID)
		case wire.ActionInsert:
			local, ok := r.netToLocal[a.NetEntityID]
			if !ok {
				return errors.Wrapf(ErrApplyFailed, "insert on unknown net entity %d", a.NetEntityID)
			}
			w.Insert(local, world.ComponentKind(a.ComponentKind), decoded[i])
		case wire.ActionRemove:
			local, ok := r.netToLocal[a.NetEntityID]
			if !ok {
				return errors.Wrapf(ErrApplyFailed, "remove on unknown net entity %d", a.NetEntityID)
			}
			w.Remove(local, world.ComponentKind(a.ComponentKind))
		}
	}
	return nil
}

func (r *Receiver) applyUpdates(w world.World, updates []wire.Update) error {
	for _, u := range updates {
		if err := r.applyUpdate(w, u); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) applyUpdate(w world.World, u wire.Update) error {
	local, ok := r.netToLocal[u.NetEntityID]
	if !ok {
		// The entity may already have been despawned by a later-arriving
		// (but lower-stamped) action; spec §4.G treats this as a benign
		// stale update, not a fault.
		return nil
	}
	kind := world.ComponentKind(u.ComponentKind)
	reg, ok := r.registry.lookup(kind)
	if !ok {
		return errors.Wrapf(ErrApplyFailed, "update for unknown component kind %d", u.ComponentKind)
	}

	if reg.Policy == world.SyncDelta {
		base, _ := w.Get(local, kind)
		next, err := reg.Apply(base, u.ComponentBytes)
		if err != nil {
			return errors.Wrap(ErrApplyFailed, "apply delta update")
		}
		w.Insert(local, kind, next)
		return nil
	}

	value, err := reg.Serde.Decode(u.ComponentBytes)
	if err != nil {
		return errors.Wrap(ErrApplyFailed, "decode update component")
	}
	w.Insert(local, kind, value)
	return nil
}

// LocalEntity returns the local entity mapped to a NetEntityId, if this
// peer's Sender has spawned one toward us.
func (r *Receiver) LocalEntity(netID uint64) (world.EntityID, bool) {
	local, ok := r.netToLocal[netID]
	return local, ok
}
